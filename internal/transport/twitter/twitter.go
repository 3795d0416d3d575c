// Package twitter publishes messages as posts through the Twitter/X v2 API,
// signing every request with OAuth 1.0a user credentials.
package twitter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"pacebot/internal/faults"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

const DefaultAPIBase = "https://api.twitter.com"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

type Config struct {
	ConsumerKey       string
	ConsumerSecret    string
	AccessToken       string
	AccessTokenSecret string
	APIBase           string
	// HTTPClient supplies the base transport that oauth1 wraps.
	HTTPClient *http.Client
	// Now is used to turn x-rate-limit-reset into a wait; defaults to time.Now.
	Now func() time.Time
}

type Publisher struct {
	cfg  Config
	base string
	http *http.Client
	log  logx.Logger

	username string
}

var _ transport.Publisher = (*Publisher)(nil)

func New(cfg Config, log logx.Logger) *Publisher {
	base := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/")
	if base == "" {
		base = DefaultAPIBase
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	inner := cfg.HTTPClient
	if inner == nil {
		inner = &http.Client{}
	}
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, inner)
	client := oauth1.NewConfig(cfg.ConsumerKey, cfg.ConsumerSecret).
		Client(ctx, oauth1.NewToken(cfg.AccessToken, cfg.AccessTokenSecret))
	return &Publisher{cfg: cfg, base: base, http: client, log: log}
}

func (p *Publisher) Name() string { return "twitter" }

// Username is the handle resolved by Login.
func (p *Publisher) Username() string { return p.username }

// Login verifies the credentials by fetching the authenticated user.
func (p *Publisher) Login(ctx context.Context) error {
	var out struct {
		Data struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"data"`
	}
	if err := p.do(ctx, http.MethodGet, "/2/users/me", nil, &out); err != nil {
		return fmt.Errorf("%w: twitter: %v", faults.ErrPublisherAuth, err)
	}
	p.username = out.Data.Username
	p.log.Info("logged in", logx.String("username", out.Data.Username), logx.String("user_id", out.Data.ID))
	return nil
}

// Publish creates one post. Failures are returned as *transport.Failure.
func (p *Publisher) Publish(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return transport.Unknown(err)
	}
	var out struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := p.do(ctx, http.MethodPost, "/2/tweets", body, &out); err != nil {
		return err
	}
	p.log.Debug("post created", logx.String("id", out.Data.ID))
	return nil
}

func (p *Publisher) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, rd)
	if err != nil {
		return transport.Unknown(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if ctx.Err() != nil && body != nil {
			// Cut off after the request was written; the post may exist.
			return transport.Indeterminate(err)
		}
		return transport.Unknown(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return transport.Unknown(fmt.Errorf("decode %s response: %w", path, err))
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classify(resp.StatusCode, resp.Header, raw, p.cfg.Now())
}

// errorBody covers both the v1.1 {"errors":[{code,message}]} shape and the
// v2 problem shape with optional errors[].
type errorBody struct {
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Title   string `json:"title"`
		Detail  string `json:"detail"`
	} `json:"errors"`
	Title  string `json:"title"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

// v1.1 codes that mean the credentials themselves are bad.
var authCodes = map[int]bool{32: true, 89: true, 99: true, 135: true, 215: true, 326: true}

// v1.1 codes for rate and daily posting limits, which may come without a 429.
var limitCodes = map[int]bool{88: true, 185: true}

func classify(status int, h http.Header, raw []byte, now time.Time) *transport.Failure {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	var errs []transport.RemoteError
	for _, e := range eb.Errors {
		msg := firstNonEmpty(e.Message, e.Detail, e.Title)
		errs = append(errs, transport.RemoteError{Code: e.Code, Message: msg})
	}
	if len(errs) == 0 && (eb.Title != "" || eb.Detail != "") {
		errs = append(errs, transport.RemoteError{Code: status, Message: firstNonEmpty(eb.Detail, eb.Title)})
	}
	httpErr := fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(raw)))

	switch {
	case status == http.StatusTooManyRequests:
		return transport.RateLimited(httpErr, retryAfter(h, now))
	case status == http.StatusUnauthorized:
		return transport.AuthenticationError(httpErr)
	case status == http.StatusForbidden && hasCode(errs, authCodes):
		return transport.AuthenticationError(httpErr)
	case hasCode(errs, limitCodes):
		f := transport.RateLimited(httpErr, retryAfter(h, now))
		f.Errors = errs
		return f
	case len(errs) > 0:
		return transport.RemoteRejected(httpErr, errs...)
	case status >= 500:
		return transport.Unknown(httpErr)
	default:
		return transport.RemoteRejected(httpErr, transport.RemoteError{Code: status, Message: http.StatusText(status)})
	}
}

func hasCode(errs []transport.RemoteError, codes map[int]bool) bool {
	for _, e := range errs {
		if codes[e.Code] {
			return true
		}
	}
	return false
}

// retryAfter reads the server's wait hint. Retry-After (seconds) wins over
// x-rate-limit-reset (unix epoch seconds).
func retryAfter(h http.Header, now time.Time) time.Duration {
	if s := strings.TrimSpace(h.Get("Retry-After")); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	if s := strings.TrimSpace(h.Get("X-Rate-Limit-Reset")); s != "" {
		if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Unix(epoch, 0).Sub(now); d > 0 {
				return d
			}
		}
	}
	return 0
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
