// Package collyhttp implements a fetch session using the Colly collector.
package collyhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	Headers       map[string]string
	DomainRPS     float64
	RespectRobots bool
}

// Session fetches pages over plain HTTP. It is owned by exactly one worker;
// the last response is kept until the next Visit.
type Session struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	limiter       *domainLimiter
	ledger        *stats.Ledger
	logger        *zap.Logger

	mu   sync.Mutex
	last *spider.Response
}

// New builds a Session. ledger may be nil for untracked use.
func New(cfg Config, ledger *stats.Ledger, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	return &Session{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		limiter:       newDomainLimiter(cfg.DomainRPS),
		ledger:        ledger,
		logger:        logger,
	}
}

// Visit fetches url, optionally after delay. It returns false on any fetch
// failure; the caller treats that as a recoverable skip.
func (s *Session) Visit(ctx context.Context, url string, delay time.Duration) bool {
	if delay > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
	}
	if err := s.limiter.Wait(ctx, url); err != nil {
		s.logger.Warn("rate limit wait failed", zap.String("url", url), zap.Error(err))
		return false
	}

	s.ledger.AddRequest()
	metrics.ObserveRequest()

	start := time.Now()
	resp, err := s.fetch(ctx, url, start)
	if err != nil {
		s.ledger.AddEvent(stats.ScopeRequestErrors, errClass(err))
		s.logger.Warn("fetch failed", zap.String("url", url), zap.Error(err))
		return false
	}

	s.ledger.AddResponse()
	metrics.ObserveResponse(resp.StatusCode, len(resp.Body))

	s.mu.Lock()
	s.last = resp
	s.mu.Unlock()
	return true
}

// Response shapes the last fetched body for handler delivery.
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

// Destroy releases idle connections held by the transport.
func (s *Session) Destroy() error {
	s.mu.Lock()
	s.last = nil
	s.mu.Unlock()
	if s.transport != nil {
		s.transport.CloseIdleConnections()
	}
	return nil
}

func (s *Session) fetch(ctx context.Context, url string, start time.Time) (*spider.Response, error) {
	var (
		result   *spider.Response
		fetchErr error
	)
	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !s.cfg.RespectRobots
	timeout := s.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(s.transport)

	collector.OnRequest(func(r *colly.Request) {
		for key, value := range s.cfg.Headers {
			r.Headers.Set(key, value)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = &spider.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("response failed: %w", fetchErr)
		}
		if result == nil {
			return nil, fmt.Errorf("no response received")
		}
		return result, nil
	}
}

func errClass(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return err.Error()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
