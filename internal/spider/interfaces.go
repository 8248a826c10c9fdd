package spider

import (
	"context"
	"time"
)

// Session is the exclusively-owned fetch layer behind a resource handle.
// Visit returns false on a recoverable fetch failure; the caller skips the
// request without raising.
type Session interface {
	Visit(ctx context.Context, url string, delay time.Duration) bool
	Response(kind ResponseKind) (*Response, error)
	Destroy() error
}

// DedupStore is the shared uniqueness engine. TestAndInsert must be atomic:
// at most one caller observes true per (scope, value) under concurrency.
type DedupStore interface {
	TestAndInsert(ctx context.Context, scope, value string) (bool, error)
	Contains(ctx context.Context, scope, value string) (bool, error)
}

// Stage is one step in the ordered item-processing chain. It returns a
// possibly-transformed item, or an error to drop the item.
type Stage interface {
	Name() string
	Process(ctx context.Context, item Item, opts map[string]any) (Item, error)
}

// ItemWriter serializes processed items to a destination.
type ItemWriter interface {
	Write(item Item) error
	Close() error
}

// Publisher pushes run summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content-level deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// RunContext is handed to handlers so they can schedule follow-up work
// against the run that invoked them. Its lifetime is scoped to one run (or
// one worker of a run); it is never ambient state.
type RunContext interface {
	// Dispatch validates, dedups, fetches and routes one URL to a handler.
	Dispatch(ctx context.Context, handlerName, url string, delay time.Duration, data map[string]any, kind ResponseKind) error
	// RunParallel fans work out across workerCount independent workers.
	RunParallel(ctx context.Context, handlerName string, items []Work, workerCount int, delay time.Duration, data map[string]any, kind ResponseKind) error
	// ProcessItem threads an item through the pipeline; false means dropped.
	ProcessItem(ctx context.Context, item Item, opts map[string]map[string]any) bool
}

// Handler is a named parse callback. resp is nil when the handler is invoked
// directly without a fetch.
type Handler func(ctx context.Context, rc RunContext, resp *Response, data map[string]any) error
