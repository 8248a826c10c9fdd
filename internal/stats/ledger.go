// Package stats implements the thread-safe run ledger: visit and item
// counters plus nested event tallies, serialized through one run-scoped lock.
package stats

import "sync"

// Event scopes with built-in meaning. Callers may add their own scopes;
// all tallies are default-zero.
const (
	ScopeRequestErrors     = "requests_errors"
	ScopeDropItemErrors    = "drop_items_errors"
	ScopeDuplicateRequests = "duplicate_requests"
	ScopeCustom            = "custom"
)

// VisitCounts tracks fetch-layer request/response totals.
type VisitCounts struct {
	Requests  int64 `json:"requests"`
	Responses int64 `json:"responses"`
}

// ItemCounts tracks pipeline throughput. Sent minus Processed is the
// dropped-item count.
type ItemCounts struct {
	Sent      int64 `json:"sent"`
	Processed int64 `json:"processed"`
}

// Ledger aggregates counters and events for one run. All mutations take the
// same mutex, so final tallies are exact regardless of worker interleaving.
// A nil Ledger is a valid no-op sink for untracked calls.
type Ledger struct {
	mu     sync.Mutex
	visits VisitCounts
	items  ItemCounts
	events map[string]map[string]int64
}

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{
		events: make(map[string]map[string]int64),
	}
}

// AddRequest records one dispatched fetch request.
func (l *Ledger) AddRequest() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visits.Requests++
}

// AddResponse records one received fetch response.
func (l *Ledger) AddResponse() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.visits.Responses++
}

// ItemSent records an item entering the pipeline.
func (l *Ledger) ItemSent() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items.Sent++
}

// ItemProcessed records an item surviving the full pipeline.
func (l *Ledger) ItemProcessed() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items.Processed++
}

// AddEvent increments the tally for name under scope.
func (l *Ledger) AddEvent(scope, name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byName, ok := l.events[scope]
	if !ok {
		byName = make(map[string]int64)
		l.events[scope] = byName
	}
	byName[name]++
}

// Visits returns the current visit counters.
func (l *Ledger) Visits() VisitCounts {
	if l == nil {
		return VisitCounts{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.visits
}

// Items returns the current item counters.
func (l *Ledger) Items() ItemCounts {
	if l == nil {
		return ItemCounts{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items
}

// EventCount returns the tally for name under scope, zero if never recorded.
func (l *Ledger) EventCount(scope, name string) int64 {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[scope][name]
}

// Events returns a deep copy of all event tallies.
func (l *Ledger) Events() map[string]map[string]int64 {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]map[string]int64, len(l.events))
	for scope, byName := range l.events {
		cp := make(map[string]int64, len(byName))
		for name, n := range byName {
			cp[name] = n
		}
		out[scope] = cp
	}
	return out
}
