// Package timeslice records how long named operations take. Records are
// fixed-size and go through a buffered channel to a single writer
// goroutine; when no recording is open Record is a no-op.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54534c46 // "TSLF"
	Version uint32 = 3

	alignment = 4096
)

type header struct {
	Magic       uint32
	Version     uint32
	KindsLength uint32
}

type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

type SliceFlags uint32

const (
	// SliceFlagHypercall marks time spent serving a guest hypercall.
	SliceFlagHypercall SliceFlags = 1 << iota
	// SliceFlagDelivery marks time spent delivering an interrupt.
	SliceFlagDelivery
)

func (f SliceFlags) String() string {
	var flags []string
	if f&SliceFlagHypercall != 0 {
		flags = append(flags, "hcall")
	}
	if f&SliceFlagDelivery != 0 {
		flags = append(flags, "delivery")
	}
	return strings.Join(flags, ",")
}

var (
	kindsMu sync.Mutex
	kinds   = make(map[TimesliceID]SliceInfo)
)

// RegisterKind allocates an id for name. It is meant for package-level
// variable initialization.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	id := TimesliceID(len(kinds) + 1)
	kinds[id] = SliceInfo{Name: name, Flags: flags}
	return id
}

type record struct {
	ID       TimesliceID
	Duration int64
}

var recordSize = binary.Size(record{})

type writer struct {
	mu     sync.RWMutex
	closed bool

	w       io.Writer
	records chan record
	done    chan error
}

func (w *writer) run() {
	bw := bufio.NewWriterSize(w.w, alignment)
	var buf [16]byte
	for r := range w.records {
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.ID))
		binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Duration))
		if _, err := bw.Write(buf[:]); err != nil {
			w.done <- err
			// Keep draining so Record never blocks forever.
			for range w.records {
			}
			return
		}
	}
	w.done <- bw.Flush()
}

func (w *writer) send(r record) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if !w.closed {
		w.records <- r
	}
}

// Close stops the recording and waits for buffered records to be written.
func (w *writer) Close() error {
	if !current.CompareAndSwap(w, nil) {
		return fmt.Errorf("timeslice: already closed")
	}
	w.mu.Lock()
	w.closed = true
	close(w.records)
	w.mu.Unlock()

	if err := <-w.done; err != nil {
		return fmt.Errorf("timeslice: write records: %w", err)
	}
	return nil
}

var current atomic.Pointer[writer]

// Recorder measures consecutive phases of one goroutine. It is not safe
// for concurrent use.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record attributes the time since the previous call to id.
func (r *Recorder) Record(id TimesliceID) {
	now := time.Now()
	Record(id, now.Sub(r.last))
	r.last = now
}

// Record adds one sample for id.
func Record(id TimesliceID, duration time.Duration) {
	if w := current.Load(); w != nil {
		w.send(record{ID: id, Duration: duration.Nanoseconds()})
	}
}

// Recording reports whether a recording is open.
func Recording() bool { return current.Load() != nil }

// StartRecording writes the kind table to w and starts recording into it.
func StartRecording(w io.Writer) (io.Closer, error) {
	if current.Load() != nil {
		return nil, fmt.Errorf("timeslice: already open")
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: marshal kinds: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:       Magic,
		Version:     Version,
		KindsLength: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(header{}) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	wr := &writer{
		w:       w,
		records: make(chan record, alignment),
		done:    make(chan error, 1),
	}
	if !current.CompareAndSwap(nil, wr) {
		return nil, fmt.Errorf("timeslice: already open")
	}
	go wr.run()
	return wr, nil
}

func padding(off int) int {
	if off%alignment == 0 {
		return 0
	}
	return alignment - off%alignment
}

// ReadAllRecords calls fn for every record in r.
func ReadAllRecords(r io.Reader, fn func(name string, flags SliceFlags, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, alignment)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("timeslice: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("timeslice: unsupported version %d", h.Version)
	}

	var table map[TimesliceID]SliceInfo
	if err := json.NewDecoder(io.LimitReader(buf, int64(h.KindsLength))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := buf.Discard(padding(binary.Size(h) + int(h.KindsLength))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		kind, ok := table[rec.ID]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", rec.ID)
		}
		if err := fn(kind.Name, kind.Flags, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
}

// Summary aggregates the samples of one kind.
type Summary struct {
	Name  string
	Flags SliceFlags
	Count int
	Total time.Duration
	Max   time.Duration
}

func (s Summary) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summarize reads r and returns one Summary per kind, ordered by total
// time, largest first.
func Summarize(r io.Reader) ([]Summary, error) {
	byName := make(map[string]*Summary)
	if err := ReadAllRecords(r, func(name string, flags SliceFlags, d time.Duration) error {
		s, ok := byName[name]
		if !ok {
			s = &Summary{Name: name, Flags: flags}
			byName[name] = s
		}
		s.Count++
		s.Total += d
		if d > s.Max {
			s.Max = d
		}
		return nil
	}); err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}
