package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spindleworks/spindle/internal/dedup"
	"github.com/spindleworks/spindle/internal/spider"
)

// Dedup scope used by the content-hash stage.
const itemHashScope = "items_hashes"

// ValidateStage drops items missing required fields.
type ValidateStage struct {
	Required []string
}

// Name implements spider.Stage.
func (ValidateStage) Name() string { return "validate" }

// Process checks every required field is present and non-empty.
func (s ValidateStage) Process(_ context.Context, item spider.Item, opts map[string]any) (spider.Item, error) {
	required := s.Required
	if extra, ok := opts["required"].([]string); ok {
		required = append(required, extra...)
	}
	for _, field := range required {
		v, ok := item[field]
		if !ok || v == nil || v == "" {
			return nil, fmt.Errorf("missing required field %q", field)
		}
	}
	return item, nil
}

// ContentHashStage drops items whose canonical JSON hash was already seen,
// using a dedup scope independent from URL-level admission.
type ContentHashStage struct {
	Gate   *dedup.Gate
	Hasher spider.Hasher
}

// Name implements spider.Stage.
func (ContentHashStage) Name() string { return "content_hash" }

// Process hashes the item and consults the gate under the items_hashes scope.
func (s ContentHashStage) Process(ctx context.Context, item spider.Item, _ map[string]any) (spider.Item, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal item for hashing: %w", err)
	}
	hash, err := s.Hasher.Hash(payload)
	if err != nil {
		return nil, fmt.Errorf("hash item: %w", err)
	}
	if !s.Gate.Admit(ctx, itemHashScope, hash) {
		return nil, fmt.Errorf("duplicate item (hash %s)", hash[:12])
	}
	item["content_hash"] = hash
	return item, nil
}

// WriteStage serializes the item through the worker's writer cache. The
// destination comes from the per-stage options or the configured default.
type WriteStage struct {
	Writers     *writerCacheRef
	Destination string
}

// writerCacheRef defers cache binding so one stage definition can be shared
// across workers, each with its own private cache.
type writerCacheRef struct {
	get func(destination string) (spider.ItemWriter, error)
}

// NewWriteStage constructs a WriteStage over a destination-keyed lookup.
func NewWriteStage(get func(destination string) (spider.ItemWriter, error), defaultDest string) WriteStage {
	return WriteStage{
		Writers:     &writerCacheRef{get: get},
		Destination: defaultDest,
	}
}

// Name implements spider.Stage.
func (WriteStage) Name() string { return "write" }

// Process writes the item to its destination.
func (s WriteStage) Process(_ context.Context, item spider.Item, opts map[string]any) (spider.Item, error) {
	dest := s.Destination
	if override, ok := opts["destination"].(string); ok && override != "" {
		dest = override
	}
	if dest == "" {
		return nil, fmt.Errorf("no output destination configured")
	}
	w, err := s.Writers.get(dest)
	if err != nil {
		return nil, err
	}
	if err := w.Write(item); err != nil {
		return nil, fmt.Errorf("write item: %w", err)
	}
	return item, nil
}
