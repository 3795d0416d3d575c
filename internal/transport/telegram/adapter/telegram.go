// Package adapter publishes messages to a Telegram chat with telebot and
// doubles as the sender for operator log alerts.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"pacebot/internal/faults"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

const telegramTextLimit = 4096

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint (tests).
	URL string
	// Timeout bounds each Bot API call; keep it at or below the dispatcher's
	// publish timeout so an abandoned send is actually aborted.
	Timeout time.Duration
}

// Adapter implements transport.Publisher and transport.TextSender.
type Adapter struct {
	cfg Config
	log logx.Logger

	mu  sync.RWMutex
	bot *tele.Bot
}

var (
	_ transport.Publisher  = (*Adapter)(nil)
	_ transport.TextSender = (*Adapter)(nil)
)

func New(cfg Config, log logx.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log}
}

func (a *Adapter) Name() string { return "telegram" }

// Login creates the bot; telebot calls getMe, which validates the token.
func (a *Adapter) Login(ctx context.Context) error {
	if strings.TrimSpace(a.cfg.Token) == "" {
		return fmt.Errorf("%w: telegram token is empty", faults.ErrPublisherAuth)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  a.cfg.Token,
		URL:    a.cfg.URL,
		Client: &http.Client{Timeout: a.cfg.Timeout},
	})
	if err != nil {
		return fmt.Errorf("%w: telegram: %v", faults.ErrPublisherAuth, err)
	}
	a.mu.Lock()
	a.bot = b
	a.mu.Unlock()
	if b.Me != nil {
		a.log.Info("logged in", logx.String("username", b.Me.Username), logx.Int64("bot_id", b.Me.ID))
	}
	return nil
}

func (a *Adapter) current() *tele.Bot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.bot
}

// Publish sends text to the configured chat.
func (a *Adapter) Publish(ctx context.Context, text string) error {
	return a.send(ctx, transport.ChatTarget{ChatID: a.cfg.ChatID, ThreadID: a.cfg.ThreadID}, text)
}

// SendText delivers operator text, truncated to the Bot API limit.
func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string) error {
	if rs := []rune(text); len(rs) > telegramTextLimit {
		text = string(rs[:telegramTextLimit-1]) + "…"
	}
	return a.send(ctx, to, text)
}

func (a *Adapter) send(ctx context.Context, to transport.ChatTarget, text string) error {
	b := a.current()
	if b == nil {
		return transport.Unknown(errors.New("telegram: not logged in"))
	}
	if err := ctx.Err(); err != nil {
		return transport.Unknown(err)
	}
	// telebot has no context support; run the call so ctx can abandon it.
	done := make(chan error, 1)
	go func() {
		_, err := b.Send(&tele.Chat{ID: to.ChatID}, text, &tele.SendOptions{
			ThreadID:              to.ThreadID,
			DisableWebPagePreview: true,
		})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		return nil
	case <-ctx.Done():
		// The request is already out; the client timeout aborts it, but the
		// Bot API may have accepted the message first.
		return transport.Indeterminate(ctx.Err())
	}
}

// unmapped Bot API errors come back from telebot as "telegram: <desc> (<code>)".
var apiErrorRe = regexp.MustCompile(`^telegram: (.*) \((\d+)\)$`)

func classify(err error) *transport.Failure {
	// A client timeout may fire after the Bot API already took the message.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return transport.Indeterminate(err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) && apiErr != nil {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return transport.AuthenticationError(err)
		case http.StatusTooManyRequests:
			return transport.RateLimited(err, 0)
		}
		return transport.RemoteRejected(err, transport.RemoteError{Code: apiErr.Code, Message: apiErr.Description})
	}

	if m := apiErrorRe.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[2])
		switch code {
		case http.StatusUnauthorized:
			return transport.AuthenticationError(err)
		case http.StatusTooManyRequests:
			return transport.RateLimited(err, 0)
		}
		if code >= 500 {
			return transport.Unknown(err)
		}
		return transport.RemoteRejected(err, transport.RemoteError{Code: code, Message: m[1]})
	}
	return transport.Unknown(err)
}
