package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kilianp07/hoistsched/core/model"
)

const maxLine = 64 << 20

// JSONLStore writes one Record per line.
type JSONLStore struct {
	path string
	mode Mode
	mu   sync.Mutex
	now  func() time.Time
}

// NewJSONLStore creates the file if needed.
func NewJSONLStore(path string, mode Mode) (*JSONLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if cerr := f.Close(); cerr != nil {
		return nil, cerr
	}
	return &JSONLStore{path: path, mode: mode, now: time.Now}, nil
}

// Begin drops the lines of run in overwrite mode.
func (s *JSONLStore) Begin(_ context.Context, run string) error {
	if s.mode != ModeOverwrite {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keep []Record
	err := s.scan(func(r Record) {
		if r.Run != run {
			keep = append(keep, r)
		}
	})
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Append writes one line.
func (s *JSONLStore) Append(_ context.Context, run string, component int, sc model.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return json.NewEncoder(f).Encode(Record{Run: run, Component: component, Time: s.now().UTC(), Schedule: sc})
}

// Load reads every line of run.
func (s *JSONLStore) Load(_ context.Context, run string) (model.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out model.Schedule
	err := s.scan(func(r Record) {
		if r.Run == run {
			out.Append(r.Schedule)
		}
	})
	return out, err
}

func (s *JSONLStore) scan(fn func(Record)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			return fmt.Errorf("%s:%d: %w", s.path, line, err)
		}
		fn(r)
	}
	return scanner.Err()
}

func (s *JSONLStore) Close() error { return nil }
