package transport

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig configures the protective decorators applied around a Publisher.
type GuardConfig struct {
	// MinInterval enforces a minimum spacing between Publish calls.
	// 0 disables the spacing guard.
	MinInterval time.Duration

	// BreakerThreshold opens the circuit after this many consecutive failed
	// calls. 0 disables the breaker.
	BreakerThreshold int
	// BreakerReset is how long the circuit stays open before a trial call.
	BreakerReset time.Duration

	// OnBreakerChange is called on every breaker state transition.
	OnBreakerChange func(from, to string)
}

// Guard decorates a Publisher with an optional spacing limiter and circuit
// breaker. It returns p unchanged if both are disabled.
func Guard(p Publisher, cfg GuardConfig) Publisher {
	if cfg.MinInterval <= 0 && cfg.BreakerThreshold <= 0 {
		return p
	}
	g := &guarded{next: p}
	if cfg.MinInterval > 0 {
		g.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	if cfg.BreakerThreshold > 0 {
		reset := cfg.BreakerReset
		if reset <= 0 {
			reset = time.Minute
		}
		threshold := uint32(cfg.BreakerThreshold)
		onChange := cfg.OnBreakerChange
		g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        p.Name(),
			MaxRequests: 1,
			Timeout:     reset,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// Server-side rejections of one message say nothing about the
			// endpoint's health.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				var f *Failure
				return errors.As(err, &f) && f.Kind == KindRemoteRejected
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				if onChange != nil {
					onChange(from.String(), to.String())
				}
			},
		})
	}
	return g
}

type guarded struct {
	next    Publisher
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func (g *guarded) Name() string { return g.next.Name() }

func (g *guarded) Login(ctx context.Context) error { return g.next.Login(ctx) }

func (g *guarded) Publish(ctx context.Context, text string) error {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Unknown(err)
		}
	}
	if g.breaker == nil {
		return g.next.Publish(ctx, text)
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.next.Publish(ctx, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Unknown(err)
	}
	return err
}
