package storage

import (
	"context"
	"errors"
	"time"

	"pacebot/internal/delivery"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the append-only run history.
type Store interface {
	AppendOutcome(ctx context.Context, o OutcomeRecord) error
	AppendRun(ctx context.Context, r RunRecord) error
	Close() error
}

// OutcomeRecord is one message's terminal state. Keep it schema-stable.
type OutcomeRecord struct {
	RunID    string    `json:"run_id"`
	Ordinal  int       `json:"ordinal"`
	Message  string    `json:"message"`
	Outcome  string    `json:"outcome"`
	Attempts int       `json:"attempts"`
	Kind     string    `json:"kind,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// RunRecord summarises one run.
type RunRecord struct {
	RunID        string    `json:"run_id"`
	Publisher    string    `json:"publisher"`
	Source       string    `json:"source,omitempty"`
	DelaySeconds float64   `json:"delay_seconds"`
	Total        int       `json:"total"`
	Sent         int       `json:"sent"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	Started      time.Time `json:"started"`
	Finished     time.Time `json:"finished"`
}

// SaveReport appends every result of rep followed by the run summary.
// It stops at the first error.
func SaveReport(ctx context.Context, s Store, rep *delivery.Report, source string) error {
	if s == nil || rep == nil {
		return nil
	}
	for _, res := range rep.Results {
		o := OutcomeRecord{
			RunID:    rep.RunID,
			Ordinal:  res.Ordinal,
			Message:  res.Message,
			Outcome:  string(res.Outcome),
			Attempts: res.Attempts,
			Reason:   res.Reason,
			At:       res.At,
		}
		if res.Failure != nil {
			o.Kind = string(res.Failure.Kind)
		}
		if err := s.AppendOutcome(ctx, o); err != nil {
			return err
		}
	}
	return s.AppendRun(ctx, RunRecord{
		RunID:        rep.RunID,
		Publisher:    rep.Publisher,
		Source:       source,
		DelaySeconds: rep.Delay.Seconds(),
		Total:        rep.Total,
		Sent:         rep.Sent,
		Failed:       rep.Failed,
		Skipped:      rep.Skipped,
		Started:      rep.Started,
		Finished:     rep.Finished,
	})
}
