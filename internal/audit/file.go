package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileSink appends records as JSON lines. Search re-reads the file, which
// is fine for the audit volumes a single node produces.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileSink{path: path, f: f, w: bufio.NewWriter(f)}, nil
}

func (s *FileSink) Append(_ context.Context, record *Record) error {
	data, err := json.Marshal(redact(record))
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return s.w.Flush()
}

func (s *FileSink) Search(_ context.Context, query Query) ([]*Record, error) {
	query.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("audit: open for search: %w", err)
	}
	defer f.Close()

	var matched []*Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			continue // skip torn lines rather than failing the query
		}
		if query.matches(&r) {
			matched = append(matched, &r)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}

	// Newest first, capped.
	out := make([]*Record, 0, query.Limit)
	for i := len(matched) - 1; i >= 0 && len(out) < query.Limit; i-- {
		out = append(out, matched[i])
	}
	return out, nil
}

// Clear truncates the log. Test use only.
func (s *FileSink) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Reset(s.f) // drop anything still buffered
	if err := s.f.Truncate(0); err != nil {
		return err
	}
	_, err := s.f.Seek(0, 0)
	return err
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.f.Close()
}
