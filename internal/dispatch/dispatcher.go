// Package dispatch routes validated requests through the dedup gate and the
// worker's fetch session, and fans work lists out across parallel workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/dedup"
	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/internal/session"
	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
)

// ErrInvalidURL marks a malformed request URL. It is fatal to the call and
// never swallowed.
var ErrInvalidURL = errors.New("invalid request url")

// ErrUnknownHandler marks a dispatch against a handler name that was never
// registered.
var ErrUnknownHandler = errors.New("unknown handler")

// Dispatcher validates a URL, applies the dedup gate, fetches through the
// owning worker's session handle, and invokes the named handler with the
// shaped response.
type Dispatcher struct {
	handlers map[string]spider.Handler
	gate     *dedup.Gate
	handle   *session.Handle
	ledger   *stats.Ledger
	logger   *zap.Logger
	rc       spider.RunContext
}

// NewDispatcher constructs a Dispatcher. The run context back-reference is
// bound by the worker context that owns this dispatcher.
func NewDispatcher(
	handlers map[string]spider.Handler,
	gate *dedup.Gate,
	handle *session.Handle,
	ledger *stats.Ledger,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: handlers,
		gate:     gate,
		handle:   handle,
		ledger:   ledger,
		logger:   logger,
	}
}

func (d *Dispatcher) bind(rc spider.RunContext) {
	d.rc = rc
}

// Dispatch performs the full request flow for one URL. A malformed URL or
// unknown handler is a fatal error; a duplicate URL or failed fetch is a
// recoverable no-op.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	handlerName string,
	rawURL string,
	delay time.Duration,
	data map[string]any,
	kind spider.ResponseKind,
) error {
	if err := spider.ValidateRequestURL(rawURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	handler, ok := d.handlers[handlerName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, handlerName)
	}

	if d.gate.Enabled() {
		value := rawURL
		if norm, err := spider.NormalizeURL(rawURL); err == nil {
			value = norm
		}
		if !d.gate.Admit(ctx, dedup.DefaultRequestScope, value) {
			d.ledger.AddEvent(stats.ScopeDuplicateRequests, value)
			metrics.ObserveDuplicateRequest()
			d.logger.Debug("skipping duplicate request", zap.String("url", value))
			return nil
		}
	}

	sess, err := d.handle.Session(ctx)
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	if !sess.Visit(ctx, rawURL, delay) {
		d.logger.Warn("fetch failed, skipping request", zap.String("url", rawURL))
		return nil
	}
	resp, err := sess.Response(kind)
	if err != nil {
		d.logger.Warn("response unavailable, skipping request",
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return nil
	}

	return handler(ctx, d.rc, resp, data)
}

// Invoke calls the named handler directly, with no fetch and a nil response.
func (d *Dispatcher) Invoke(ctx context.Context, handlerName string, data map[string]any) error {
	handler, ok := d.handlers[handlerName]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, handlerName)
	}
	return handler(ctx, d.rc, nil, data)
}
