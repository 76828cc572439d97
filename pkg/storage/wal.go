package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one journal line.
type Entry struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Batch  uint32    `json:"batch"`
	Time   time.Time `json:"time"`
	Fields any       `json:"fields,omitempty"`
}

type WAL interface {
	Append(e Entry) error
	Close() error
}

type NopWAL struct{}

func NewNopWAL() *NopWAL               { return &NopWAL{} }
func (w *NopWAL) Append(_ Entry) error { return nil }
func (w *NopWAL) Close() error         { return nil }

// FileWAL appends entries to a file as JSON lines.
type FileWAL struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f, enc: json.NewEncoder(f)}, nil
}

func (w *FileWAL) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

var _ WAL = (*NopWAL)(nil)
var _ WAL = (*FileWAL)(nil)
