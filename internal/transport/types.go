package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pacebot/internal/faults"
)

// Publisher posts one message per call to a remote endpoint.
//
// Login must succeed before Publish is called. Publish returns nil on
// success; on failure it returns an error that Classify can turn into a
// *Failure (adapters return *Failure directly).
type Publisher interface {
	Name() string
	Login(ctx context.Context) error
	Publish(ctx context.Context, text string) error
}

// ChatTarget addresses a chat (and optional forum thread) for TextSender.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// TextSender is implemented by adapters that can deliver free-form operator
// text (used by the logging alert sink).
type TextSender interface {
	SendText(ctx context.Context, to ChatTarget, text string) error
}

// Kind classifies a publish failure.
type Kind string

const (
	KindUnknown        Kind = "unknown"
	KindRateLimited    Kind = "rate_limited"
	KindAuthentication Kind = "authentication_error"
	KindRemoteRejected Kind = "remote_rejected"
)

// RemoteError is one structured sub-error reported by the endpoint.
type RemoteError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Failure is the classified result of a failed Publish call.
type Failure struct {
	Kind   Kind
	Errors []RemoteError
	// RetryAfter is the server's hint for RateLimited failures (0 if none).
	RetryAfter time.Duration
	// Indeterminate marks a call abandoned while the request was in flight:
	// the endpoint may have accepted the message, so it must not be resent.
	Indeterminate bool
	Err           error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	for i, e := range f.Errors {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "[%d] %s", e.Code, e.Message)
	}
	if len(f.Errors) == 0 && f.Err != nil {
		b.WriteString(": ")
		b.WriteString(f.Err.Error())
	}
	if f.Indeterminate {
		b.WriteString(" (outcome indeterminate)")
	}
	return b.String()
}

func (f *Failure) Unwrap() error { return f.Err }

// Is lets callers match any classified failure with faults.ErrPublish.
func (f *Failure) Is(target error) bool { return target == faults.ErrPublish }

func RateLimited(err error, after time.Duration) *Failure {
	if after < 0 {
		after = 0
	}
	return &Failure{Kind: KindRateLimited, RetryAfter: after, Err: err}
}

func AuthenticationError(err error) *Failure {
	return &Failure{Kind: KindAuthentication, Err: err}
}

func RemoteRejected(err error, errs ...RemoteError) *Failure {
	return &Failure{Kind: KindRemoteRejected, Errors: errs, Err: err}
}

func Unknown(err error) *Failure {
	return &Failure{Kind: KindUnknown, Err: err}
}

// Indeterminate is an Unknown failure for a call that was abandoned after the
// request may already have reached the endpoint.
func Indeterminate(err error) *Failure {
	return &Failure{Kind: KindUnknown, Indeterminate: true, Err: err}
}

// Classify returns the *Failure wrapped in err, or wraps err as Unknown.
// It returns nil only for a nil err.
func Classify(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f
	}
	return Unknown(err)
}
