package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pacebot/internal/eventbus"
	"pacebot/internal/faults"
	"pacebot/internal/message"
	"pacebot/internal/pacing"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

// Config controls one run of the Dispatcher.
type Config struct {
	RunID string
	// WindowSeconds is the total pacing window the batch is spread over.
	WindowSeconds float64
	Policy        RetryPolicy
	// PublishTimeout bounds each Publish call. 0 disables the bound.
	PublishTimeout time.Duration
}

type Option func(*Dispatcher)

// WithSleeper replaces the default TimerSleeper.
func WithSleeper(s Sleeper) Option { return func(d *Dispatcher) { d.sleep = s } }

// WithBus publishes lifecycle events to bus.
func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

// Dispatcher delivers a Batch sequentially through a Publisher, pacing sends
// evenly across the configured window.
//
// A Dispatcher owns the batch for the duration of Run; it is not safe to call
// Run concurrently.
type Dispatcher struct {
	cfg   Config
	pub   transport.Publisher
	log   logx.Logger
	sleep Sleeper
	bus   eventbus.Bus
}

func New(cfg Config, pub transport.Publisher, log logx.Logger, opts ...Option) *Dispatcher {
	if cfg.Policy == nil {
		cfg.Policy = BoundedRetry{MaxAttempts: DefaultMaxAttempts, Delay: DefaultRetryBackoff}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{cfg: cfg, pub: pub, log: log, sleep: TimerSleeper{}}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run delivers every message of batch in order and returns the report.
//
// An empty batch is a configuration error: nothing is published and nothing
// waits. Per-message failures never abort the run. If ctx ends, the
// remaining messages are recorded as skipped and ctx.Err() is returned with
// the partial report.
func (d *Dispatcher) Run(ctx context.Context, batch message.Batch) (*Report, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: no eligible messages to deliver", faults.ErrConfiguration)
	}
	seconds, err := pacing.PerMessageDelay(d.cfg.WindowSeconds, len(batch))
	if err != nil {
		return nil, err
	}
	delay := pacing.Duration(seconds)
	total := len(batch)

	rep := &Report{
		RunID:     d.cfg.RunID,
		Publisher: d.pub.Name(),
		Delay:     delay,
		Total:     total,
		Started:   time.Now(),
		Results:   make([]Result, 0, total),
	}
	d.log.Info("sending messages",
		logx.Int("total", total),
		logx.Float64("delay_seconds", seconds),
		logx.String("policy", d.cfg.Policy.Name()),
	)

	var runErr error
	prevFailed := false
	for i, msg := range batch {
		ordinal := i + 1
		if runErr == nil && ordinal > 1 {
			runErr = d.pace(ctx, rep, ordinal, delay, prevFailed)
		}
		if runErr == nil {
			runErr = ctx.Err()
		}
		if runErr != nil {
			res := Result{Ordinal: ordinal, Message: msg, Outcome: OutcomeSkipped, Reason: "cancelled", At: time.Now()}
			rep.record(res)
			d.publish(EventSkipped, Event{Ordinal: ordinal, Total: total, Sent: rep.Sent, Failed: rep.Failed})
			continue
		}

		res := d.deliver(ctx, ordinal, total, msg)
		rep.record(res)
		prevFailed = res.Outcome == OutcomeFailed
		if res.Outcome == OutcomeSkipped {
			runErr = ctx.Err()
		}
	}
	rep.Finished = time.Now()

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Duration("dur", rep.Finished.Sub(rep.Started)),
	}
	if rep.Failed > 0 || rep.Skipped > 0 {
		d.log.Warn("delivery finished with failures", fields...)
	} else {
		d.log.Info("delivery finished", fields...)
	}
	d.publish(EventFinished, Event{Total: total, Sent: rep.Sent, Failed: rep.Failed})
	return rep, runErr
}

// pace waits the per-message delay before ordinal, unless the previous
// message failed and the policy suppresses that wait.
func (d *Dispatcher) pace(ctx context.Context, rep *Report, ordinal int, delay time.Duration, prevFailed bool) error {
	if prevFailed && d.cfg.Policy.SuppressWaitAfterFailure() {
		d.log.Info("previous message failed; sending next without waiting", logx.Int("ordinal", ordinal))
		return nil
	}
	if delay <= 0 {
		return nil
	}
	d.log.Info("waiting before sending next message",
		logx.Float64("seconds", delay.Seconds()),
		logx.Int("ordinal", ordinal),
	)
	d.publish(EventWaiting, Event{Ordinal: ordinal, Total: rep.Total, Sent: rep.Sent, Failed: rep.Failed, Delay: delay})
	return d.sleep.Sleep(ctx, delay)
}

// deliver runs the attempt loop for one message.
func (d *Dispatcher) deliver(ctx context.Context, ordinal, total int, msg string) Result {
	res := Result{Ordinal: ordinal, Message: msg}
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt
		d.log.Info("sending message",
			logx.Int("ordinal", ordinal),
			logx.Int("total", total),
			logx.Int("attempt", attempt),
			logx.String("content", msg),
		)
		d.publish(EventSending, Event{Ordinal: ordinal, Total: total, Attempt: attempt})

		err := d.publishOnce(ctx, msg)
		if err == nil {
			res.Outcome = OutcomeSent
			res.At = time.Now()
			d.publish(EventSent, Event{Ordinal: ordinal, Total: total, Attempt: attempt})
			return res
		}

		f := transport.Classify(err)
		res.Failure = f
		d.logFailure(ordinal, attempt, f)

		if !d.cfg.Policy.ShouldRetry(attempt, f) {
			if attempt > 1 {
				d.log.Error("maximum number of retries reached", logx.Int("ordinal", ordinal), logx.Int("attempts", attempt))
			}
			res.Outcome = OutcomeFailed
			res.Reason = f.Error()
			res.At = time.Now()
			d.publish(EventFailed, Event{Ordinal: ordinal, Total: total, Attempt: attempt, Error: res.Reason})
			return res
		}

		backoff := d.cfg.Policy.Backoff(attempt, f)
		d.log.Warn("retrying message",
			logx.Int("ordinal", ordinal),
			logx.Int("retry", attempt),
			logx.Duration("backoff", backoff),
		)
		d.publish(EventRetrying, Event{Ordinal: ordinal, Total: total, Attempt: attempt, Delay: backoff, Error: f.Error()})
		if err := d.sleep.Sleep(ctx, backoff); err != nil {
			res.Outcome = OutcomeSkipped
			res.Reason = "cancelled during retry backoff"
			res.At = time.Now()
			d.publish(EventSkipped, Event{Ordinal: ordinal, Total: total, Attempt: attempt})
			return res
		}
	}
}

func (d *Dispatcher) publishOnce(ctx context.Context, msg string) error {
	callCtx := ctx
	if d.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.PublishTimeout)
		defer cancel()
	}
	err := d.pub.Publish(callCtx, msg)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// The call was cut off mid-flight; the endpoint may still accept it.
		return transport.Indeterminate(fmt.Errorf("publish timed out after %s: %w", d.cfg.PublishTimeout, err))
	}
	return err
}

func (d *Dispatcher) logFailure(ordinal, attempt int, f *transport.Failure) {
	if f.Kind == transport.KindRemoteRejected && len(f.Errors) > 0 {
		for _, e := range f.Errors {
			d.log.Error("message rejected by endpoint",
				logx.Int("ordinal", ordinal),
				logx.Int("attempt", attempt),
				logx.Int("code", e.Code),
				logx.String("detail", e.Message),
			)
		}
		return
	}
	fields := []logx.Field{
		logx.Int("ordinal", ordinal),
		logx.Int("attempt", attempt),
		logx.String("kind", string(f.Kind)),
		logx.Err(f.Err),
	}
	if f.RetryAfter > 0 {
		fields = append(fields, logx.Duration("retry_after", f.RetryAfter))
	}
	if f.Indeterminate {
		fields = append(fields, logx.Bool("indeterminate", true))
	}
	d.log.Error("problem sending message", fields...)
}

func (d *Dispatcher) publish(typ string, ev Event) {
	if d.bus == nil {
		return
	}
	ev.RunID = d.cfg.RunID
	d.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
