package delivery

import (
	"fmt"
	"strings"
	"time"

	"pacebot/internal/faults"
	"pacebot/internal/transport"
)

// RetryPolicy decides what happens after a failed publish.
//
// attempt is the number of publish calls already made for the current
// message (1 after the first failure).
type RetryPolicy interface {
	Name() string
	ShouldRetry(attempt int, f *transport.Failure) bool
	Backoff(attempt int, f *transport.Failure) time.Duration
	// SuppressWaitAfterFailure skips the pacing wait before the message that
	// follows a Failed one.
	SuppressWaitAfterFailure() bool
}

const (
	PolicyBounded    = "bounded"
	PolicySingle     = "single"
	PolicyClassified = "classified"
)

const (
	DefaultMaxAttempts   = 10
	DefaultRetryBackoff  = 5 * time.Second
	DefaultRetryMaxDelay = 15 * time.Minute
)

// PolicyConfig selects and parameterises a RetryPolicy.
type PolicyConfig struct {
	Name          string
	MaxAttempts   int
	Backoff       time.Duration
	RetryMaxDelay time.Duration
}

// NewPolicy builds the policy named by cfg.Name ("" means bounded).
func NewPolicy(cfg PolicyConfig) (RetryPolicy, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultRetryBackoff
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultRetryMaxDelay
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", PolicyBounded:
		return BoundedRetry{MaxAttempts: cfg.MaxAttempts, Delay: cfg.Backoff}, nil
	case PolicySingle:
		return SingleAttempt{}, nil
	case PolicyClassified:
		return ClassifiedRetry{MaxAttempts: cfg.MaxAttempts, Base: cfg.Backoff, MaxDelay: cfg.RetryMaxDelay}, nil
	default:
		return nil, fmt.Errorf("%w: unknown retry policy %q", faults.ErrConfiguration, cfg.Name)
	}
}

// BoundedRetry resends the same message after a fixed delay, regardless of
// failure kind, up to MaxAttempts calls in total. An indeterminate failure is
// never resent. Pacing between distinct messages is never suppressed.
type BoundedRetry struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p BoundedRetry) Name() string { return PolicyBounded }

func (p BoundedRetry) ShouldRetry(attempt int, f *transport.Failure) bool {
	if f != nil && f.Indeterminate {
		return false
	}
	return attempt < p.MaxAttempts
}

func (p BoundedRetry) Backoff(int, *transport.Failure) time.Duration { return p.Delay }

func (p BoundedRetry) SuppressWaitAfterFailure() bool { return false }

// SingleAttempt never retries; a failure lets the next message go out
// without waiting.
type SingleAttempt struct{}

func (SingleAttempt) Name() string                                  { return PolicySingle }
func (SingleAttempt) ShouldRetry(int, *transport.Failure) bool      { return false }
func (SingleAttempt) Backoff(int, *transport.Failure) time.Duration { return 0 }
func (SingleAttempt) SuppressWaitAfterFailure() bool                { return true }

// ClassifiedRetry retries only failures that may succeed later (rate limits
// and unknown errors that did not leave a send in flight). Rate limits wait for the server's hint when one is
// given; everything else backs off exponentially from Base.
type ClassifiedRetry struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func (p ClassifiedRetry) Name() string { return PolicyClassified }

func (p ClassifiedRetry) ShouldRetry(attempt int, f *transport.Failure) bool {
	if attempt >= p.MaxAttempts || f == nil || f.Indeterminate {
		return false
	}
	switch f.Kind {
	case transport.KindRateLimited, transport.KindUnknown:
		return true
	default:
		return false
	}
}

func (p ClassifiedRetry) Backoff(attempt int, f *transport.Failure) time.Duration {
	if f != nil && f.Kind == transport.KindRateLimited && f.RetryAfter > 0 {
		return min(f.RetryAfter, p.MaxDelay)
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

func (p ClassifiedRetry) SuppressWaitAfterFailure() bool { return true }
