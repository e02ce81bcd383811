package utils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultRetries is the attempt budget applied to every external call
	// unless a caller overrides it.
	DefaultRetries   = 3
	DefaultBaseDelay = 2 * time.Second
	DefaultMaxDelay  = 10 * time.Second
)

// Retrier re-runs an operation with exponential backoff. Only transient
// failures should be retried; callers wrap terminal errors with Permanent to
// stop early.
type Retrier struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewRetrier returns a retrier with the shared 3-attempt, 2s→10s policy.
func NewRetrier() Retrier {
	return Retrier{Attempts: DefaultRetries, BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, fn returns a
// Permanent error, or ctx is done. The delay doubles per attempt and is capped
// at MaxDelay.
func (r Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.BaseDelay
	if delay <= 0 {
		delay = DefaultBaseDelay
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, lastErr)
}

// NewHTTPClient builds the pooled client shared by the external API wrappers:
// keep-alive pool of 100, 5s connect, 5s read.
func NewHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   100,
			MaxConnsPerHost:       100,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: 5 * time.Second,
		},
	}
}

// HostGate caps in-flight requests per host so a slow upstream cannot pile up
// goroutines behind it.
type HostGate struct {
	sem *semaphore.Weighted
}

func NewHostGate(width int64) *HostGate {
	if width <= 0 {
		width = 10
	}
	return &HostGate{sem: semaphore.NewWeighted(width)}
}

func (g *HostGate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *HostGate) Release() {
	g.sem.Release(1)
}
