package collyhttp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// domainLimiter holds one token bucket per hostname so a session stays
// polite toward each domain independently.
type domainLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
}

func newDomainLimiter(rps float64) *domainLimiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &domainLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      limit,
	}
}

// Wait blocks until a token is available for the URL's domain, respecting
// the context.
func (l *domainLimiter) Wait(ctx context.Context, rawURL string) error {
	if l.rps == rate.Inf {
		return nil
	}
	host, err := hostOf(rawURL)
	if err != nil {
		return err
	}

	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.rps, 1)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url has no host")
	}
	return host, nil
}
