package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pacebot/internal/eventbus"
	"pacebot/internal/faults"
	"pacebot/internal/message"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

// fakePublisher fails according to script: script[text] is consumed one
// error per call; a nil entry (or an exhausted script) means success.
type fakePublisher struct {
	mu     sync.Mutex
	script map[string][]error
	calls  []string
}

func (p *fakePublisher) Name() string                { return "fake" }
func (p *fakePublisher) Login(context.Context) error { return nil }

func (p *fakePublisher) Publish(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, text)
	errs := p.script[text]
	if len(errs) == 0 {
		return nil
	}
	err := errs[0]
	p.script[text] = errs[1:]
	return err
}

// recordingSleeper records every requested suspension and returns at once.
type recordingSleeper struct {
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}

func newTestDispatcher(window float64, policy RetryPolicy, pub transport.Publisher, sl Sleeper) *Dispatcher {
	return New(Config{RunID: "test", WindowSeconds: window, Policy: policy}, pub, logx.Nop(), WithSleeper(sl))
}

func TestRunEmptyBatchIsConfigurationError(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	sl := &recordingSleeper{}
	d := newTestDispatcher(14400, SingleAttempt{}, pub, sl)

	rep, err := d.Run(context.Background(), nil)
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
	if rep != nil {
		t.Fatalf("expected nil report, got %+v", rep)
	}
	if len(pub.calls) != 0 || len(sl.waits) != 0 {
		t.Fatalf("expected no publishes and no waits, got %d publishes, %d waits", len(pub.calls), len(sl.waits))
	}
}

func TestRunPacesEvenlyWithNoWaitBeforeFirst(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	sl := &recordingSleeper{}
	d := newTestDispatcher(14400, BoundedRetry{MaxAttempts: 10, Delay: 5 * time.Second}, pub, sl)

	batch := message.Batch{"a", "b", "c", "d"}
	rep, err := d.Run(context.Background(), batch)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []time.Duration{time.Hour, time.Hour, time.Hour}
	if diff := cmp.Diff(want, sl.waits); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string(batch), pub.calls); diff != "" {
		t.Fatalf("publish order mismatch (-want +got):\n%s", diff)
	}
	if rep.Sent != 4 || rep.Failed != 0 || rep.Skipped != 0 {
		t.Fatalf("unexpected totals: %+v", rep)
	}
	if rep.Delay != time.Hour {
		t.Fatalf("Delay = %v, want 1h", rep.Delay)
	}
}

func TestRunHelplineScenario(t *testing.T) {
	t.Parallel()
	batch := message.Batch{"Help is available", "You are not alone"}

	tests := []struct {
		name      string
		firstErr  error
		wantWaits []time.Duration
		wantFirst Outcome
	}{
		{name: "first sent", firstErr: nil, wantWaits: []time.Duration{time.Hour}, wantFirst: OutcomeSent},
		{name: "first failed", firstErr: transport.Unknown(errors.New("boom")), wantWaits: nil, wantFirst: OutcomeFailed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			pub := &fakePublisher{script: map[string][]error{}}
			if tt.firstErr != nil {
				pub.script[batch[0]] = []error{tt.firstErr}
			}
			sl := &recordingSleeper{}
			d := newTestDispatcher(7200, SingleAttempt{}, pub, sl)

			rep, err := d.Run(context.Background(), batch)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if diff := cmp.Diff(tt.wantWaits, sl.waits); diff != "" {
				t.Fatalf("waits mismatch (-want +got):\n%s", diff)
			}
			if rep.Results[0].Outcome != tt.wantFirst {
				t.Fatalf("first outcome = %s, want %s", rep.Results[0].Outcome, tt.wantFirst)
			}
			if rep.Results[1].Outcome != OutcomeSent {
				t.Fatalf("second outcome = %s, want sent", rep.Results[1].Outcome)
			}
		})
	}
}

func TestBoundedRetryExhaustsAfterTenAttempts(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	pub := &fakePublisher{script: map[string][]error{"bad": repeat(boom, 10)}}
	sl := &recordingSleeper{}
	d := newTestDispatcher(20, BoundedRetry{MaxAttempts: 10, Delay: 5 * time.Second}, pub, sl)

	rep, err := d.Run(context.Background(), message.Batch{"bad", "good"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	badCalls := 0
	for _, c := range pub.calls {
		if c == "bad" {
			badCalls++
		}
	}
	if badCalls != 10 {
		t.Fatalf("publisher called %d times for failing message, want 10", badCalls)
	}

	// 9 retry backoffs of 5s, then the regular pacing wait before "good".
	want := append(repeat5s(9), 10*time.Second)
	if diff := cmp.Diff(want, sl.waits); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}

	first := rep.Results[0]
	if first.Outcome != OutcomeFailed || first.Attempts != 10 {
		t.Fatalf("first result = %+v, want failed after 10 attempts", first)
	}
	if rep.Results[1].Outcome != OutcomeSent {
		t.Fatalf("second outcome = %s, want sent", rep.Results[1].Outcome)
	}
}

func repeat5s(n int) []time.Duration {
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = 5 * time.Second
	}
	return out
}

func TestBoundedRetryRecoversInPlace(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	pub := &fakePublisher{script: map[string][]error{"a": {boom, boom}}}
	sl := &recordingSleeper{}
	d := newTestDispatcher(10, BoundedRetry{MaxAttempts: 10, Delay: 5 * time.Second}, pub, sl)

	rep, err := d.Run(context.Background(), message.Batch{"a", "b"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	wantCalls := []string{"a", "a", "a", "b"}
	if diff := cmp.Diff(wantCalls, pub.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if rep.Results[0].Outcome != OutcomeSent || rep.Results[0].Attempts != 3 {
		t.Fatalf("first result = %+v", rep.Results[0])
	}
	if rep.Sent != 2 {
		t.Fatalf("Sent = %d, want 2", rep.Sent)
	}
}

func TestSingleAttemptWaitSuppressionOnlyAfterFailure(t *testing.T) {
	t.Parallel()
	fail := transport.RemoteRejected(errors.New("403"), transport.RemoteError{Code: 187, Message: "Status is a duplicate."})
	pub := &fakePublisher{script: map[string][]error{"b": {fail}}}
	sl := &recordingSleeper{}
	d := newTestDispatcher(400, SingleAttempt{}, pub, sl)

	rep, err := d.Run(context.Background(), message.Batch{"a", "b", "c", "d"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// before b: wait (a sent); before c: none (b failed); before d: wait (c sent).
	want := []time.Duration{100 * time.Second, 100 * time.Second}
	if diff := cmp.Diff(want, sl.waits); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}
	if len(pub.calls) != 4 {
		t.Fatalf("calls = %v, want one per message", pub.calls)
	}
	got := []Outcome{}
	for _, r := range rep.Results {
		got = append(got, r.Outcome)
	}
	if diff := cmp.Diff([]Outcome{OutcomeSent, OutcomeFailed, OutcomeSent, OutcomeSent}, got); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if rep.Results[1].Failure == nil || rep.Results[1].Failure.Kind != transport.KindRemoteRejected {
		t.Fatalf("expected remote_rejected failure, got %+v", rep.Results[1].Failure)
	}
}

func TestNonPositiveWindowNeverWaits(t *testing.T) {
	t.Parallel()
	for _, window := range []float64{0, -60} {
		pub := &fakePublisher{}
		sl := &recordingSleeper{}
		d := newTestDispatcher(window, BoundedRetry{MaxAttempts: 1, Delay: time.Second}, pub, sl)
		if _, err := d.Run(context.Background(), message.Batch{"a", "b", "c"}); err != nil {
			t.Fatalf("Run(window=%v): %v", window, err)
		}
		if len(sl.waits) != 0 {
			t.Fatalf("window=%v: expected no waits, got %v", window, sl.waits)
		}
	}
}

func TestClassifiedRetryHonorsKinds(t *testing.T) {
	t.Parallel()
	limited := transport.RateLimited(errors.New("429"), 90*time.Second)
	rejected := transport.RemoteRejected(errors.New("400"), transport.RemoteError{Code: 186, Message: "Tweet needs to be a bit shorter."})
	pub := &fakePublisher{script: map[string][]error{
		"a": {limited},
		"b": {rejected},
	}}
	sl := &recordingSleeper{}
	policy := ClassifiedRetry{MaxAttempts: 5, Base: 5 * time.Second, MaxDelay: time.Minute}
	d := newTestDispatcher(30, policy, pub, sl)

	rep, err := d.Run(context.Background(), message.Batch{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// a: retry-after capped at 1m; pacing 10s before b; b rejected, not retried,
	// so no wait before c.
	want := []time.Duration{time.Minute, 10 * time.Second}
	if diff := cmp.Diff(want, sl.waits); diff != "" {
		t.Fatalf("waits mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a", "a", "b", "c"}, pub.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	if rep.Results[1].Outcome != OutcomeFailed || rep.Results[1].Attempts != 1 {
		t.Fatalf("rejected result = %+v", rep.Results[1])
	}
}

func TestRunCancelledMarksRemainingSkipped(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	pub := &fakePublisher{}
	sl := SleeperFunc(func(c context.Context, d time.Duration) error {
		cancel()
		return c.Err()
	})
	d := newTestDispatcher(30, SingleAttempt{}, pub, sl)

	rep, err := d.Run(ctx, message.Batch{"a", "b", "c"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if rep == nil {
		t.Fatal("expected partial report")
	}
	if rep.Sent != 1 || rep.Skipped != 2 {
		t.Fatalf("unexpected totals: sent=%d skipped=%d", rep.Sent, rep.Skipped)
	}
	if len(pub.calls) != 1 {
		t.Fatalf("calls = %v, want only the first message", pub.calls)
	}
}

// slowPublisher blocks until its context ends.
type slowPublisher struct{}

func (slowPublisher) Name() string                { return "slow" }
func (slowPublisher) Login(context.Context) error { return nil }
func (slowPublisher) Publish(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPublishTimeoutClassifiesAsUnknown(t *testing.T) {
	t.Parallel()
	d := New(Config{WindowSeconds: 0, Policy: BoundedRetry{MaxAttempts: 3, Delay: time.Second}, PublishTimeout: 10 * time.Millisecond},
		slowPublisher{}, logx.Nop(), WithSleeper(&recordingSleeper{}))

	rep, err := d.Run(context.Background(), message.Batch{"a"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := rep.Results[0]
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", res.Outcome)
	}
	if res.Failure == nil || res.Failure.Kind != transport.KindUnknown {
		t.Fatalf("failure = %+v, want unknown", res.Failure)
	}
	if !errors.Is(res.Failure, context.DeadlineExceeded) {
		t.Fatalf("failure should wrap DeadlineExceeded: %v", res.Failure)
	}
	// The timed-out call may still land, so it is never sent a second time.
	if !res.Failure.Indeterminate || res.Attempts != 1 {
		t.Fatalf("attempts = %d, indeterminate = %v; want one attempt, indeterminate", res.Attempts, res.Failure.Indeterminate)
	}
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(64, "delivery.")
	defer unsub()

	pub := &fakePublisher{script: map[string][]error{"b": {errors.New("x")}}}
	d := New(Config{RunID: "r1", WindowSeconds: 2, Policy: SingleAttempt{}}, pub, logx.Nop(),
		WithSleeper(&recordingSleeper{}), WithBus(bus))
	if _, err := d.Run(context.Background(), message.Batch{"a", "b"}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []string
	for len(ch) > 0 {
		ev := <-ch
		types = append(types, ev.Type)
		if de, ok := ev.Data.(Event); !ok || de.RunID != "r1" {
			t.Fatalf("unexpected event data: %#v", ev.Data)
		}
	}
	want := []string{EventSending, EventSent, EventWaiting, EventSending, EventFailed, EventFinished}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}
}
