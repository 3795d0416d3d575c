// Package dryrun provides a Publisher that only logs.
package dryrun

import (
	"context"
	"sync"

	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

type Publisher struct {
	log logx.Logger

	mu        sync.Mutex
	published []string
}

var _ transport.Publisher = (*Publisher)(nil)

func New(log logx.Logger) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{log: log}
}

func (p *Publisher) Name() string { return "dryrun" }

func (p *Publisher) Login(context.Context) error {
	p.log.Info("dry run: no messages will be published")
	return nil
}

func (p *Publisher) Publish(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return transport.Unknown(err)
	}
	p.mu.Lock()
	p.published = append(p.published, text)
	n := len(p.published)
	p.mu.Unlock()
	p.log.Info("dry run publish", logx.Int("n", n), logx.String("content", text))
	return nil
}

// Published returns the messages seen so far, in order.
func (p *Publisher) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}
