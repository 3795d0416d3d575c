// Package faults holds the run-level error taxonomy.
//
// Fatal errors (ErrConfiguration, ErrSourceUnavailable, ErrPublisherAuth)
// abort a run before any delivery. ErrPublish marks per-message failures,
// which never abort a batch.
package faults

import "errors"

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrSourceUnavailable = errors.New("message source unavailable")
	ErrPublisherAuth     = errors.New("publisher authentication failed")
	ErrPublish           = errors.New("publish failed")
)

// Fatal reports whether err belongs to the fatal part of the taxonomy.
func Fatal(err error) bool {
	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrSourceUnavailable) ||
		errors.Is(err, ErrPublisherAuth)
}
