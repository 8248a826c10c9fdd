package writer

import (
	"fmt"

	"github.com/spindleworks/spindle/internal/spider"
)

// OpenFunc constructs a writer for a destination.
type OpenFunc func(destination string) (spider.ItemWriter, error)

// Cache holds writers keyed by destination path. It is owned by exactly one
// worker and never shared, so it needs no locking.
type Cache struct {
	open    OpenFunc
	writers map[string]spider.ItemWriter
}

// NewCache constructs a Cache using open to create writers on demand.
func NewCache(open OpenFunc) *Cache {
	return &Cache{
		open:    open,
		writers: make(map[string]spider.ItemWriter),
	}
}

// Get returns the writer for destination, creating it on first use.
func (c *Cache) Get(destination string) (spider.ItemWriter, error) {
	if w, ok := c.writers[destination]; ok {
		return w, nil
	}
	w, err := c.open(destination)
	if err != nil {
		return nil, fmt.Errorf("open writer for %s: %w", destination, err)
	}
	c.writers[destination] = w
	return w, nil
}

// CloseAll closes every cached writer, returning the first error seen.
func (c *Cache) CloseAll() error {
	var firstErr error
	for dest, w := range c.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer %s: %w", dest, err)
		}
	}
	c.writers = make(map[string]spider.ItemWriter)
	return firstErr
}
