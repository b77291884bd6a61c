package ratelimit

import (
	"context"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimiter interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

// SimpleRateLimiter spaces actions by a random delay between min and max.
type SimpleRateLimiter struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	lastAction time.Time
	mu         sync.Mutex
	jitter     bool
}

func NewSimpleRateLimiter(minDelay, maxDelay time.Duration) *SimpleRateLimiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &SimpleRateLimiter{
		minDelay: minDelay,
		maxDelay: maxDelay,
		jitter:   true,
	}
}

func (r *SimpleRateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := time.Since(r.lastAction)
	delay := r.calculateDelay()

	if elapsed < delay {
		t := time.NewTimer(delay - elapsed)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	r.lastAction = time.Now()
	return nil
}

func (r *SimpleRateLimiter) SetDelay(min, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max < min {
		max = min
	}
	r.minDelay = min
	r.maxDelay = max
}

func (r *SimpleRateLimiter) calculateDelay() time.Duration {
	if !r.jitter || r.minDelay >= r.maxDelay {
		return r.minDelay
	}
	delta := r.maxDelay - r.minDelay
	return r.minDelay + time.Duration(rand.Int63n(int64(delta)))
}

// AdaptiveRateLimiter backs off after repeated failures against a site and
// slowly speeds up again on success.
type AdaptiveRateLimiter struct {
	*SimpleRateLimiter
	floor         time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
}

func NewAdaptiveRateLimiter(minDelay, maxDelay time.Duration) *AdaptiveRateLimiter {
	return &AdaptiveRateLimiter{
		SimpleRateLimiter: NewSimpleRateLimiter(minDelay, maxDelay),
		floor:             minDelay,
		maxErrorCount:     3,
		backoffFactor:     1.5,
	}
}

func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		newMin := time.Duration(float64(a.minDelay) * 0.9)
		if newMin < a.floor {
			newMin = a.floor
		}
		a.minDelay = newMin
		if a.maxDelay < newMin {
			a.maxDelay = newMin
		}
		a.successCount = 0
	}
}

func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		newMin := time.Duration(float64(a.minDelay) * a.backoffFactor)
		newMax := time.Duration(float64(a.maxDelay) * a.backoffFactor)

		if newMin > 60*time.Second {
			newMin = 60 * time.Second
		}
		if newMax > 120*time.Second {
			newMax = 120 * time.Second
		}

		a.minDelay = newMin
		a.maxDelay = newMax
		a.errorCount = 0
	}
}

// Delays returns the current delay window.
func (a *AdaptiveRateLimiter) Delays() (time.Duration, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.minDelay, a.maxDelay
}

// HostLimiter keeps one token bucket per host so crawling one brand site
// never slows another.
type HostLimiter struct {
	every time.Duration
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewHostLimiter(every time.Duration, burst int) *HostLimiter {
	if every <= 0 {
		every = time.Millisecond
	}
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{every: every, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

// WaitURL blocks until a request to rawURL's host is allowed.
func (h *HostLimiter) WaitURL(ctx context.Context, rawURL string) error {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
	}
	return h.limiter(host).Wait(ctx)
}

func (h *HostLimiter) limiter(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(h.every), h.burst)
		h.limiters[host] = l
	}
	return l
}

// Polite combines a per-host bucket with a jittered pause, the pacing a
// browser crawl uses between page loads.
type Polite struct {
	hosts  *HostLimiter
	jitter RateLimiter
}

func NewPolite(hosts *HostLimiter, jitter RateLimiter) *Polite {
	return &Polite{hosts: hosts, jitter: jitter}
}

func (p *Polite) WaitURL(ctx context.Context, rawURL string) error {
	if p.hosts != nil {
		if err := p.hosts.WaitURL(ctx, rawURL); err != nil {
			return err
		}
	}
	return p.Wait(ctx)
}

// RecordSuccess and RecordError pass site feedback to an adaptive pause.
func (p *Polite) RecordSuccess() {
	if a, ok := p.jitter.(*AdaptiveRateLimiter); ok {
		a.RecordSuccess()
	}
}

func (p *Polite) RecordError() {
	if a, ok := p.jitter.(*AdaptiveRateLimiter); ok {
		a.RecordError()
	}
}

// Wait applies only the jittered pause.
func (p *Polite) Wait(ctx context.Context) error {
	if p.jitter == nil {
		return ctx.Err()
	}
	return p.jitter.Wait(ctx)
}
