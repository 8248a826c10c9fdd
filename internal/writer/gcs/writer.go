// Package gcs provides an ItemWriter backed by Google Cloud Storage. Items
// are buffered as JSON lines and uploaded as one object on Close.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/spindleworks/spindle/internal/spider"
)

// Config captures the parameters required to write to GCS.
type Config struct {
	Bucket string
	Object string
}

// Writer accumulates items and uploads them on Close.
type Writer struct {
	ctx    context.Context
	client *storage.Client
	cfg    Config
	buf    bytes.Buffer
}

// New creates a GCS-backed item writer.
func New(ctx context.Context, client *storage.Client, cfg Config) (*Writer, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.Object == "" {
		return nil, fmt.Errorf("object name is required")
	}
	return &Writer{
		ctx:    ctx,
		client: client,
		cfg:    cfg,
	}, nil
}

// Write buffers one item as a JSON line.
func (w *Writer) Write(item spider.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	w.buf.Write(payload)
	w.buf.WriteByte('\n')
	return nil
}

// Close uploads the buffered items to the configured bucket.
func (w *Writer) Close() error {
	if w.buf.Len() == 0 {
		return nil
	}
	writer := w.client.Bucket(w.cfg.Bucket).Object(w.cfg.Object).NewWriter(w.ctx)
	writer.ContentType = "application/x-ndjson"
	if _, err := writer.Write(w.buf.Bytes()); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("upload items: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("upload items: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	w.buf.Reset()
	return nil
}
