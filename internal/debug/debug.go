// Package debug is a binary trace log for hot paths. Writers reserve space
// with one atomic add and write without locks, so tracing from many vCPU
// threads at once does not serialize them. When no log is open every call
// returns immediately.
//
// Each record is laid out as:
//   - 2 bytes kind (1 = bytes, 2 = string)
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - source bytes
//   - message bytes
package debug

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

const headerSize = 16

type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

// Writer is the sink of an open log.
type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	current atomic.Pointer[writer]
	offset  atomic.Int64
)

// OpenFile opens a log backed by filename, truncating it.
func OpenFile(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open starts logging to w. An error means a previous log was still open;
// it has been replaced and any records racing with the swap may be lost.
func Open(w Writer) error {
	offset.Store(0)
	if current.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

// Close stops logging and closes the sink.
func Close() error {
	w := current.Swap(nil)
	offset.Store(0)
	if w != nil {
		return w.w.Close()
	}
	return nil
}

// Enabled reports whether a log is open.
func Enabled() bool { return current.Load() != nil }

func encodeHeader(kind Kind, source string, data []byte, ts int64) []byte {
	header := make([]byte, headerSize, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(header[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[8:16], uint64(ts))
	return header
}

func decodeHeader(header []byte) (kind Kind, sourceLen uint16, dataLen uint32, ts int64) {
	kind = Kind(binary.LittleEndian.Uint16(header[0:2]))
	sourceLen = binary.LittleEndian.Uint16(header[2:4])
	dataLen = binary.LittleEndian.Uint32(header[4:8])
	ts = int64(binary.LittleEndian.Uint64(header[8:16]))
	return
}

func write(kind Kind, source string, data []byte) {
	w := current.Load()
	if w == nil {
		return
	}
	record := encodeHeader(kind, source, data, time.Now().UnixNano())
	record = append(record, source...)
	record = append(record, data...)

	off := offset.Add(int64(len(record))) - int64(len(record))
	if _, err := w.w.WriteAt(record, off); err != nil {
		panic(err)
	}
}

func WriteBytes(source string, data []byte) {
	write(KindBytes, source, data)
}

func Write(source string, data string) {
	write(KindString, source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	if !Enabled() {
		return
	}
	write(KindString, source, fmt.Appendf(nil, format, args...))
}

// Source writes records tagged with a fixed source name.
type Source interface {
	WriteBytes(data []byte)
	Write(data string)
	Writef(format string, args ...any)
}

type source string

func (s source) WriteBytes(data []byte)            { WriteBytes(string(s), data) }
func (s source) Write(data string)                 { Write(string(s), data) }
func (s source) Writef(format string, args ...any) { Writef(string(s), format, args...) }

func WithSource(name string) Source { return source(name) }

// Memory is an in-memory Writer. Records can land out of order, so it keeps
// them keyed by offset until Bytes assembles them.
type Memory struct {
	mu     sync.Mutex
	chunks map[int64][]byte
	size   int64
}

func NewMemory() *Memory {
	return &Memory{chunks: make(map[int64][]byte)}
}

func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[off] = append([]byte(nil), p...)
	if end := off + int64(len(p)); end > m.size {
		m.size = end
	}
	return len(p), nil
}

func (m *Memory) Close() error { return nil }

// Bytes returns the log contents.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.size)
	for off, chunk := range m.chunks {
		copy(out[off:], chunk)
	}
	return out
}
