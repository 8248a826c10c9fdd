// Package writer serializes processed items to output destinations.
package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spindleworks/spindle/internal/spider"
)

// Format selects the on-disk encoding.
type Format string

// Supported output formats.
const (
	FormatJSONLines Format = "jsonl"
	FormatJSON      Format = "json"
)

// Config captures how a writer is constructed: destination path, encoding,
// whether to append to an existing file, and whether to track the number of
// items written.
type Config struct {
	Destination   string
	Format        Format
	Append        bool
	TrackPosition bool
}

// FileWriter writes one encoded item per line to a local file.
type FileWriter struct {
	mu       sync.Mutex
	f        *os.File
	cfg      Config
	position int64
}

// NewFileWriter opens (or creates) the destination file.
func NewFileWriter(cfg Config) (*FileWriter, error) {
	if cfg.Destination == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if cfg.Format == "" {
		cfg.Format = FormatJSONLines
	}
	if cfg.Format != FormatJSONLines && cfg.Format != FormatJSON {
		return nil, fmt.Errorf("unsupported format %q", cfg.Format)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Destination), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if cfg.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(cfg.Destination, flags, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Destination, err)
	}
	return &FileWriter{f: f, cfg: cfg}, nil
}

// Write appends one item to the destination.
func (w *FileWriter) Write(item spider.Item) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("writer closed")
	}

	var (
		payload []byte
		err     error
	)
	if w.cfg.Format == FormatJSON {
		payload, err = json.MarshalIndent(item, "", "  ")
	} else {
		payload, err = json.Marshal(item)
	}
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if _, err := w.f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write item: %w", err)
	}
	if w.cfg.TrackPosition {
		w.position++
	}
	return nil
}

// Position reports how many items were written, when tracking is enabled.
func (w *FileWriter) Position() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.position
}

// Close flushes and closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", w.cfg.Destination, err)
	}
	return nil
}
