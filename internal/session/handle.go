// Package session manages the exclusively-owned fetch session behind each
// worker: lazy creation on first use and guaranteed teardown.
package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/spider"
)

// ErrReleased is returned when a session is requested from a handle that has
// already been released.
var ErrReleased = errors.New("session handle released")

// Factory builds a fresh fetch session.
type Factory func(ctx context.Context) (spider.Session, error)

// Handle owns at most one session. The session is created lazily on the
// first Session call and destroyed exactly once by Release, on every exit
// path of the owner.
type Handle struct {
	factory Factory
	logger  *zap.Logger

	mu       sync.Mutex
	sess     spider.Session
	released bool
}

// NewHandle constructs a Handle around factory.
func NewHandle(factory Factory, logger *zap.Logger) *Handle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handle{
		factory: factory,
		logger:  logger,
	}
}

// Session returns the owned session, creating it on first use.
func (h *Handle) Session(ctx context.Context) (spider.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, ErrReleased
	}
	if h.sess != nil {
		return h.sess, nil
	}
	sess, err := h.factory(ctx)
	if err != nil {
		return nil, err
	}
	h.sess = sess
	return sess, nil
}

// Active reports whether a session has been created and not yet released.
func (h *Handle) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess != nil && !h.released
}

// Release destroys the owned session if one was created. It is idempotent;
// calling it on a never-used handle is a no-op.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	if h.sess == nil {
		return
	}
	if err := h.sess.Destroy(); err != nil {
		h.logger.Warn("destroy session failed", zap.Error(err))
	}
	h.sess = nil
}
