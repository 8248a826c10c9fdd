// Package dedup wraps the shared uniqueness store behind a configurable
// admission policy.
package dedup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/spider"
)

// DefaultRequestScope is the dedup scope used for URL-level admission when
// the policy does not name one.
const DefaultRequestScope = "requests_urls"

// Policy controls how the gate consults the store.
type Policy struct {
	// Enabled turns deduplication on. When false every value is admitted.
	Enabled bool
	// Scope overrides the scope passed by the call site when non-empty.
	Scope string
	// CheckOnly performs a non-mutating membership test instead of the
	// atomic test-and-insert, so the value is never recorded as seen.
	CheckOnly bool
}

// PolicyFromOption resolves the skip_duplicate_requests configuration value:
// false, true, or a map with "scope" and "check_only" keys.
func PolicyFromOption(v any) (Policy, error) {
	switch opt := v.(type) {
	case nil:
		return Policy{}, nil
	case bool:
		return Policy{Enabled: opt}, nil
	case map[string]any:
		p := Policy{Enabled: true}
		if scope, ok := opt["scope"].(string); ok {
			p.Scope = scope
		}
		if checkOnly, ok := opt["check_only"].(bool); ok {
			p.CheckOnly = checkOnly
		}
		return p, nil
	default:
		return Policy{}, fmt.Errorf("unsupported skip_duplicate_requests value %T", v)
	}
}

// Gate applies a Policy over a shared DedupStore. Different call sites
// (URL-level vs content-hash-level) share one store under independent
// scopes without cross-contamination.
type Gate struct {
	store  spider.DedupStore
	policy Policy
	logger *zap.Logger
}

// NewGate constructs a Gate.
func NewGate(store spider.DedupStore, policy Policy, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		store:  store,
		policy: policy,
		logger: logger,
	}
}

// Enabled reports whether the gate consults the store at all.
func (g *Gate) Enabled() bool {
	return g != nil && g.policy.Enabled && g.store != nil
}

// Admit reports whether value is first-seen in the effective scope. When the
// policy is disabled it always admits. Store failures admit the value so a
// broken store degrades to refetching rather than silently dropping work.
func (g *Gate) Admit(ctx context.Context, scope, value string) bool {
	if !g.Enabled() {
		return true
	}
	effScope := scope
	if g.policy.Scope != "" {
		effScope = g.policy.Scope
	}
	if effScope == "" {
		effScope = DefaultRequestScope
	}

	var (
		seen bool
		err  error
	)
	if g.policy.CheckOnly {
		seen, err = g.store.Contains(ctx, effScope, value)
	} else {
		var inserted bool
		inserted, err = g.store.TestAndInsert(ctx, effScope, value)
		seen = !inserted
	}
	if err != nil {
		g.logger.Warn("dedup store failed, admitting value",
			zap.String("scope", effScope),
			zap.String("value", value),
			zap.Error(err),
		)
		return true
	}
	return !seen
}
