package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"

	logx "pacebot/pkg/logx"
)

// lockedBuffer collects log output written from the watcher's goroutines.
type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func loadForReload(t *testing.T, body string) (*Manager, string, *lockedBuffer) {
	t.Helper()
	path := writeFile(t, t.TempDir(), "config.json", body)
	m := NewManager(path)
	m.SetLookuper(envconfig.MapLookuper(nil))
	logs := &lockedBuffer{}
	m.SetLogger(logx.NewWriter(logs, "debug"))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return m, path, logs
}

func TestWatchPublishesEdit(t *testing.T) {
	t.Parallel()
	m, path, _ := loadForReload(t, `{"logging": {"level": "info"}}`)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch: %v", err)
		}
	}()

	// The watcher starts asynchronously; rewrite until an edit is seen.
	deadline := time.After(5 * time.Second)
	for {
		writeFile(t, filepath.Dir(path), "config.json", `{"logging": {"level": "debug"}}`)
		select {
		case cfg := <-ch:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
			}
			if m.Get() != cfg {
				t.Fatal("published config was not committed")
			}
			return
		case <-time.After(500 * time.Millisecond):
		case <-deadline:
			t.Fatal("no reload published after editing the config")
		}
	}
}

func TestReloadRejectsInvalidEdit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"unknown key", `{"logging": {"level": "debug"}, "tweetshift": 5}`},
		{"bad policy", `{"delivery": {"retry_policy": "forever"}}`},
		{"broken json", `{"logging": `},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, path, logs := loadForReload(t, `{"logging": {"level": "info"}}`)
			before := m.Get()
			ch := m.Subscribe(1)
			defer m.Unsubscribe(ch)

			if err := writeTo(path, tt.body); err != nil {
				t.Fatal(err)
			}
			m.reload(context.Background())

			select {
			case cfg := <-ch:
				t.Fatalf("invalid edit was published: %+v", cfg)
			default:
			}
			if m.Get() != before {
				t.Fatal("invalid edit replaced the committed config")
			}
			if !strings.Contains(logs.String(), "config reload rejected") {
				t.Fatalf("missing rejection log:\n%s", logs.String())
			}
		})
	}
}

func TestReloadWarnsAboutFrozenSections(t *testing.T) {
	t.Parallel()
	m, path, logs := loadForReload(t, `{"tweet_shift": 7200, "logging": {"level": "info"}}`)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := writeTo(path, `{"tweet_shift": 60, "logging": {"level": "info"}}`); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())

	var cfg *Config
	select {
	case cfg = <-ch:
	default:
		t.Fatal("valid edit was not published")
	}
	out := logs.String()
	if !strings.Contains(out, "ignored until the next run") || !strings.Contains(out, `"sections":"tweet_shift"`) {
		t.Fatalf("missing frozen-section warning:\n%s", out)
	}
	if !strings.Contains(out, `"logging_changed":false`) {
		t.Fatalf("logging should be reported unchanged:\n%s", out)
	}
	if cfg.Window() != 60 {
		t.Fatalf("published window = %v, want 60", cfg.Window())
	}

	// Same content again is not republished.
	m.reload(context.Background())
	select {
	case <-ch:
		t.Fatal("unchanged config was republished")
	default:
	}
}

func writeTo(path, body string) error {
	return os.WriteFile(path, []byte(body), 0o600)
}
