package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"pacebot/internal/delivery"
	"pacebot/internal/faults"
	"pacebot/internal/message"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		wantKind  transport.Kind
		wantAfter time.Duration
		wantCode  int
	}{
		{name: "flood", err: tele.FloodError{RetryAfter: 7}, wantKind: transport.KindRateLimited, wantAfter: 7 * time.Second},
		{name: "unauthorized", err: tele.ErrUnauthorized, wantKind: transport.KindAuthentication},
		{name: "chat not found", err: tele.ErrChatNotFound, wantKind: transport.KindRemoteRejected, wantCode: 400},
		{name: "unmapped api error", err: fmt.Errorf("telegram: Bad Request: something odd (400)"), wantKind: transport.KindRemoteRejected, wantCode: 400},
		{name: "unmapped server error", err: fmt.Errorf("telegram: Bad Gateway (502)"), wantKind: transport.KindUnknown},
		{name: "network", err: errors.New("dial tcp: connection refused"), wantKind: transport.KindUnknown},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := classify(tt.err)
			if f.Kind != tt.wantKind {
				t.Fatalf("Kind = %s, want %s", f.Kind, tt.wantKind)
			}
			if f.RetryAfter != tt.wantAfter {
				t.Fatalf("RetryAfter = %v, want %v", f.RetryAfter, tt.wantAfter)
			}
			if tt.wantCode != 0 {
				if len(f.Errors) != 1 || f.Errors[0].Code != tt.wantCode {
					t.Fatalf("Errors = %+v, want one with code %d", f.Errors, tt.wantCode)
				}
			}
		})
	}
}

// fakeBotAPI answers getMe and sendMessage like the Bot API does.
type fakeBotAPI struct {
	mu       sync.Mutex
	sent     []string
	threads  []int
	failWith string
	// delay holds sendMessage back before the message is accepted.
	delay time.Duration
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/getMe"):
		if !strings.Contains(r.URL.Path, "/botgood-token/") {
			_, _ = w.Write([]byte(`{"ok":false,"error_code":401,"description":"Unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"id":7,"is_bot":true,"first_name":"Pace","username":"pace_bot"}}`))
	case strings.HasSuffix(r.URL.Path, "/sendMessage"):
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failWith != "" {
			_, _ = w.Write([]byte(f.failWith))
			return
		}
		text, _ := in["text"].(string)
		f.sent = append(f.sent, text)
		thread := 0
		switch v := in["message_thread_id"].(type) {
		case float64:
			thread = int(v)
		case string:
			_, _ = fmt.Sscan(v, &thread)
		}
		f.threads = append(f.threads, thread)
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":-100,"type":"channel"},"text":"ok"}}`))
	default:
		http.NotFound(w, r)
	}
}

func TestLoginPublish(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	a := New(Config{Token: "good-token", ChatID: -100, ThreadID: 9, URL: srv.URL}, logx.Nop())
	ctx := context.Background()
	if err := a.Publish(ctx, "early"); transport.Classify(err).Kind != transport.KindUnknown {
		t.Fatalf("publish before login: %v", err)
	}
	if err := a.Login(ctx); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := a.Publish(ctx, "You are not alone"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := a.SendText(ctx, transport.ChatTarget{ChatID: -200}, "[WARN] alert"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.sent) != 2 || api.sent[0] != "You are not alone" || api.sent[1] != "[WARN] alert" {
		t.Fatalf("sent = %q", api.sent)
	}
	if api.threads[0] != 9 {
		t.Fatalf("thread = %d, want 9", api.threads[0])
	}
}

func TestLoginRejected(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(&fakeBotAPI{})
	t.Cleanup(srv.Close)

	a := New(Config{Token: "bad-token", URL: srv.URL}, logx.Nop())
	if err := a.Login(context.Background()); !errors.Is(err, faults.ErrPublisherAuth) {
		t.Fatalf("err = %v, want ErrPublisherAuth", err)
	}
	if err := New(Config{}, logx.Nop()).Login(context.Background()); !errors.Is(err, faults.ErrPublisherAuth) {
		t.Fatalf("empty token err = %v, want ErrPublisherAuth", err)
	}
}

func TestPublishFlood(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{failWith: `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 5","parameters":{"retry_after":5}}`}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	a := New(Config{Token: "good-token", ChatID: -100, URL: srv.URL}, logx.Nop())
	if err := a.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	f := transport.Classify(a.Publish(context.Background(), "hi"))
	if f == nil || f.Kind != transport.KindRateLimited || f.RetryAfter != 5*time.Second {
		t.Fatalf("failure = %+v, want rate_limited after 5s", f)
	}
}

func TestSlowSendIsNotResent(t *testing.T) {
	t.Parallel()
	api := &fakeBotAPI{delay: 150 * time.Millisecond}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	tests := []struct {
		name   string
		policy delivery.RetryPolicy
	}{
		{"bounded", delivery.BoundedRetry{MaxAttempts: 3}},
		{"classified", delivery.ClassifiedRetry{MaxAttempts: 3, Base: time.Millisecond, MaxDelay: time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, clientTimeout := range []time.Duration{50 * time.Millisecond, time.Second} {
				a := New(Config{Token: "good-token", ChatID: -100, URL: srv.URL, Timeout: clientTimeout}, logx.Nop())
				if err := a.Login(context.Background()); err != nil {
					t.Fatalf("Login: %v", err)
				}
				d := delivery.New(delivery.Config{Policy: tt.policy, PublishTimeout: 80 * time.Millisecond},
					a, logx.Nop(), delivery.WithSleeper(delivery.NoWait{}))
				rep, err := d.Run(context.Background(), message.Batch{tt.name})
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				res := rep.Results[0]
				if res.Outcome != delivery.OutcomeFailed || res.Attempts != 1 {
					t.Fatalf("client timeout %s: outcome=%s attempts=%d, want failed after 1 attempt", clientTimeout, res.Outcome, res.Attempts)
				}
				if res.Failure == nil || !res.Failure.Indeterminate {
					t.Fatalf("client timeout %s: failure = %+v, want indeterminate", clientTimeout, res.Failure)
				}
			}
		})
	}

	// Let the held-back handlers finish before counting what the server took.
	srv.Close()
	api.mu.Lock()
	defer api.mu.Unlock()
	counts := map[string]int{}
	for _, s := range api.sent {
		counts[s]++
	}
	for _, name := range []string{"bounded", "classified"} {
		if counts[name] > 2 {
			t.Fatalf("server accepted %d posts of %q, want at most one per run", counts[name], name)
		}
	}
}

func TestClientTimeoutIsIndeterminate(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("telebot: %w", &timeoutErr{})
	if f := classify(err); f.Kind != transport.KindUnknown || !f.Indeterminate {
		t.Fatalf("failure = %+v, want indeterminate unknown", f)
	}
	if f := classify(errors.New("dial tcp: connection refused")); f.Indeterminate {
		t.Fatalf("refused connection should be resendable: %+v", f)
	}
}

type timeoutErr struct{}

func (*timeoutErr) Error() string   { return "Client.Timeout exceeded while awaiting headers" }
func (*timeoutErr) Timeout() bool   { return true }
func (*timeoutErr) Temporary() bool { return true }
