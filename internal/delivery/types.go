package delivery

import (
	"time"

	"pacebot/internal/transport"
)

// Outcome is the terminal state of one message.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Result records what happened to one ordinal of the batch.
type Result struct {
	Ordinal  int                `json:"ordinal"`
	Message  string             `json:"message"`
	Outcome  Outcome            `json:"outcome"`
	Attempts int                `json:"attempts"`
	Reason   string             `json:"reason,omitempty"`
	Failure  *transport.Failure `json:"-"`
	At       time.Time          `json:"at"`
}

// Report summarises one run.
type Report struct {
	RunID     string
	Publisher string
	Delay     time.Duration
	Total     int
	Sent      int
	Failed    int
	Skipped   int
	Started   time.Time
	Finished  time.Time
	Results   []Result
}

func (r *Report) record(res Result) {
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	}
}

// Event is published on the event bus for dispatcher lifecycle changes.
// Keep it small; subscribers may log or serialize it.
type Event struct {
	RunID   string        `json:"run_id"`
	Ordinal int           `json:"ordinal,omitempty"`
	Total   int           `json:"total"`
	Attempt int           `json:"attempt,omitempty"`
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Delay   time.Duration `json:"delay,omitempty"`
	Error   string        `json:"error,omitempty"`
}

const (
	EventWaiting  = "delivery.waiting"
	EventSending  = "delivery.sending"
	EventRetrying = "delivery.retrying"
	EventSent     = "delivery.sent"
	EventFailed   = "delivery.failed"
	EventSkipped  = "delivery.skipped"
	EventFinished = "delivery.finished"
)
