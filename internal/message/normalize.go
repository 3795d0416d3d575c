// Package message turns raw source lines into the ordered batch eligible for
// delivery.
package message

import (
	"strings"
	"unicode"
	"unicode/utf8"

	logx "pacebot/pkg/logx"
)

// DefaultMaxRunes is the historical per-message limit.
const DefaultMaxRunes = 140

// Batch is the ordered set of messages eligible for delivery.
// Index order is send order.
type Batch []string

// Options controls normalization.
type Options struct {
	// FilterLength drops messages longer than MaxRunes. When false every
	// non-empty message is trusted.
	FilterLength bool
	// MaxRunes is the limit in Unicode code points (DefaultMaxRunes if <= 0).
	MaxRunes int
}

// DefaultOptions returns length filtering at DefaultMaxRunes.
func DefaultOptions() Options {
	return Options{FilterLength: true, MaxRunes: DefaultMaxRunes}
}

// Stats summarises one Normalize call.
type Stats struct {
	Raw      int
	Eligible int
	Empty    int
	TooLong  int
}

// Normalizer filters raw messages into a Batch.
type Normalizer struct {
	opt Options
	log logx.Logger
}

func NewNormalizer(opt Options, log logx.Logger) *Normalizer {
	if opt.MaxRunes <= 0 {
		opt.MaxRunes = DefaultMaxRunes
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Normalizer{opt: opt, log: log}
}

// Normalize trims trailing whitespace (leading whitespace is kept), drops
// empty results and, when enabled, over-length ones. Relative order is
// preserved.
func (n *Normalizer) Normalize(raw []string) (Batch, Stats) {
	st := Stats{Raw: len(raw)}
	out := make(Batch, 0, len(raw))
	for i, r := range raw {
		msg := strings.TrimRightFunc(r, unicode.IsSpace)
		if msg == "" {
			st.Empty++
			continue
		}
		if n.opt.FilterLength {
			if l := utf8.RuneCountInString(msg); l > n.opt.MaxRunes {
				st.TooLong++
				n.log.Error("message exceeds length limit; dropped",
					logx.Int("line", i+1),
					logx.Int("length", l),
					logx.Int("max", n.opt.MaxRunes),
					logx.String("raw", r),
				)
				continue
			}
		}
		out = append(out, msg)
	}
	st.Eligible = len(out)
	return out, st
}
