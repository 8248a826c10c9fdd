// Package browser implements a fetch session backed by headless Chrome via
// chromedp. Each session owns one browser context; tabs are opened per visit.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
)

// Config controls the headless browser session.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Session renders pages with JavaScript enabled. It is owned by exactly one
// worker and must be destroyed when the worker finishes.
type Session struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	cfg             Config
	ledger          *stats.Ledger
	logger          *zap.Logger

	mu   sync.Mutex
	last *spider.Response
}

// New launches a headless browser and returns a Session bound to it.
// ledger may be nil for untracked use.
func New(cfg Config, ledger *stats.Ledger, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Session{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		cfg:             cfg,
		ledger:          ledger,
		logger:          logger,
	}, nil
}

// Visit renders url in a fresh tab, optionally after delay. It returns false
// on any fetch failure; the caller treats that as a recoverable skip.
func (s *Session) Visit(ctx context.Context, url string, delay time.Duration) bool {
	if delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}

	s.ledger.AddRequest()
	metrics.ObserveRequest()

	start := time.Now()
	resp, err := s.render(ctx, url, start)
	if err != nil {
		s.ledger.AddEvent(stats.ScopeRequestErrors, err.Error())
		s.logger.Warn("render failed", zap.String("url", url), zap.Error(err))
		return false
	}

	s.ledger.AddResponse()
	metrics.ObserveResponse(resp.StatusCode, len(resp.Body))

	s.mu.Lock()
	s.last = resp
	s.mu.Unlock()
	return true
}

// Response shapes the last rendered page for handler delivery.
func (s *Session) Response(kind spider.ResponseKind) (*spider.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil, fmt.Errorf("no response available")
	}
	resp := *s.last
	if kind == "" {
		kind = spider.ResponseHTML
	}
	resp.Kind = kind
	if kind == spider.ResponseJSON {
		decoded := make(map[string]any)
		if err := json.Unmarshal(resp.Body, &decoded); err != nil {
			return nil, fmt.Errorf("decode json body: %w", err)
		}
		resp.JSON = decoded
	}
	return &resp, nil
}

// Destroy tears down the browser and allocator contexts.
func (s *Session) Destroy() error {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	s.browserCancel()
	s.allocatorCancel()
	return nil
}

func (s *Session) render(ctx context.Context, url string, start time.Time) (*spider.Response, error) {
	tabCtx, cancelTab := chromedp.NewContext(s.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, s.cfg.Timeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := newResponseMeta()
	s.recordResponse(tabCtx, meta)

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	return &spider.Response{
		URL:        meta.finalURL(url),
		StatusCode: meta.statusCode,
		Headers:    meta.headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

type responseMeta struct {
	once       sync.Once
	statusCode int
	headers    http.Header
	url        string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: make(http.Header),
	}
}

func (m *responseMeta) finalURL(raw string) string {
	if m.url == "" {
		return raw
	}
	return m.url
}

func (s *Session) recordResponse(tabCtx context.Context, meta *responseMeta) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok || resp.Type != network.ResourceTypeDocument {
			return
		}
		meta.once.Do(func() {
			meta.statusCode = int(resp.Response.Status)
			meta.url = resp.Response.URL
			for k, v := range resp.Response.Headers {
				meta.headers.Add(k, fmt.Sprint(v))
			}
		})
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
