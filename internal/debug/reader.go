package debug

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"time"
)

// Entry is one decoded record.
type Entry struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

func (e Entry) String() string {
	if e.Kind == KindBytes {
		return fmt.Sprintf("%s [%s] % x", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
	}
	return fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339Nano), e.Source, e.Data)
}

// SearchOptions filters ReadAll. Zero values match everything.
type SearchOptions struct {
	Source *regexp.Regexp
	Match  *regexp.Regexp

	// Limit keeps the first N matching entries, or the last N with Tail.
	Limit int
	Tail  bool
}

// ReadAll decodes every record of r and returns the matching ones in
// timestamp order.
func ReadAll(r io.Reader, opts SearchOptions) ([]Entry, error) {
	br := bufio.NewReaderSize(r, 1<<20)

	var entries []Entry
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(br, header); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("debug: read header: %w", err)
		}
		kind, sourceLen, dataLen, ts := decodeHeader(header)
		if kind == KindInvalid {
			// Zero padding left by a writer that never completed.
			break
		}
		body := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("debug: read record: %w", err)
		}
		e := Entry{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(body[:sourceLen]),
			Data:   body[sourceLen:],
		}
		if opts.Source != nil && !opts.Source.MatchString(e.Source) {
			continue
		}
		if opts.Match != nil && !opts.Match.Match(e.Data) {
			continue
		}
		entries = append(entries, e)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})

	if opts.Limit > 0 && len(entries) > opts.Limit {
		if opts.Tail {
			entries = entries[len(entries)-opts.Limit:]
		} else {
			entries = entries[:opts.Limit]
		}
	}
	return entries, nil
}

// ReadFile is ReadAll on a log file.
func ReadFile(filename string, opts SearchOptions) ([]Entry, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("debug: open log: %w", err)
	}
	defer f.Close()
	return ReadAll(f, opts)
}
