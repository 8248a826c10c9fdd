// Package spider defines core types shared across subsystems.
package spider

import (
	"net/http"
	"time"

	"github.com/spindleworks/spindle/internal/stats"
)

// RunStatus represents the lifecycle state of a spider run.
type RunStatus string

// Run status values reported by the engine.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ResponseKind selects how a fetched body is shaped before handler delivery.
type ResponseKind string

// Supported response kinds.
const (
	ResponseHTML ResponseKind = "html"
	ResponseJSON ResponseKind = "json"
	ResponseRaw  ResponseKind = "raw"
)

// Item is one unit of scraped output flowing through the pipeline.
type Item map[string]any

// Work is a single unit submitted to the parallel executor. A Work with a
// URL is routed through the dispatcher; a zero Work invokes the handler
// directly with no fetch.
type Work struct {
	URL  string
	Data map[string]any
}

// WorkFromURLs wraps bare seed URLs into Work values.
func WorkFromURLs(urls []string) []Work {
	out := make([]Work, 0, len(urls))
	for _, u := range urls {
		out = append(out, Work{URL: u})
	}
	return out
}

// Response is the parsed fetch result handed to a handler.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Kind       ResponseKind
	// JSON holds the decoded body when Kind is ResponseJSON.
	JSON map[string]any
	// Duration is the fetch latency reported by the session.
	Duration time.Duration
}

// RunInfo is the shared mutable state for one active run. Counter and event
// mutations go through the Ledger's lock; the remaining fields are written
// only by the engine.
type RunInfo struct {
	ID       string
	Spider   string
	Status   RunStatus
	Started  time.Time
	Stopped  time.Time
	ErrorTxt string
	Ledger   *stats.Ledger
}

// RunningTime reports how long the run has been (or was) active.
func (r *RunInfo) RunningTime(now time.Time) time.Duration {
	if r == nil || r.Started.IsZero() {
		return 0
	}
	if r.Stopped.IsZero() {
		return now.Sub(r.Started)
	}
	return r.Stopped.Sub(r.Started)
}

// RunResult is the terminal summary returned to the caller of a run.
type RunResult struct {
	RunID       string                      `json:"run_id"`
	Spider      string                      `json:"spider"`
	Status      RunStatus                   `json:"status"`
	Started     time.Time                   `json:"started_at"`
	Stopped     time.Time                   `json:"stopped_at,omitempty"`
	RunningTime time.Duration               `json:"running_time"`
	Visits      stats.VisitCounts           `json:"visits"`
	Items       stats.ItemCounts            `json:"items"`
	Events      map[string]map[string]int64 `json:"events,omitempty"`
	ErrorTxt    string                      `json:"error,omitempty"`
}
