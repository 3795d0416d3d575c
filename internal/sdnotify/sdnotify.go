// Package sdnotify reports run progress to systemd. Outside a systemd unit
// (no NOTIFY_SOCKET) every call is a no-op.
package sdnotify

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pacebot/internal/delivery"
	"pacebot/internal/eventbus"
	logx "pacebot/pkg/logx"
)

// NotifyFunc matches daemon.SdNotify.
type NotifyFunc func(unsetEnvironment bool, state string) (bool, error)

type Notifier struct {
	notify   NotifyFunc
	watchdog func() (time.Duration, error)
	log      logx.Logger
}

func New(log logx.Logger) *Notifier {
	return &Notifier{
		notify:   daemon.SdNotify,
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
		log:      log,
	}
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n *Notifier) Ready()            { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()         { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Status(msg string) { n.send("STATUS=" + msg) }

// Run forwards delivery events from bus as STATUS lines until ctx ends.
// If the unit has WatchdogSec set, it also pings at half the interval so
// long pacing waits do not trip the watchdog.
func (n *Notifier) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(64, "delivery.")
	defer unsubscribe()

	var tick <-chan time.Time
	if every, err := n.watchdog(); err == nil && every > 0 {
		t := time.NewTicker(every / 2)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			n.send(daemon.SdNotifyWatchdog)
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if msg := statusLine(e); msg != "" {
				n.Status(msg)
			}
		}
	}
}

func statusLine(e eventbus.Event) string {
	ev, ok := e.Data.(delivery.Event)
	if !ok {
		return ""
	}
	switch e.Type {
	case delivery.EventWaiting:
		return fmt.Sprintf("waiting %s before message %d/%d (sent %d, failed %d)",
			ev.Delay.Round(time.Second), ev.Ordinal, ev.Total, ev.Sent, ev.Failed)
	case delivery.EventSending:
		return fmt.Sprintf("sending message %d/%d (attempt %d)", ev.Ordinal, ev.Total, ev.Attempt)
	case delivery.EventRetrying:
		return fmt.Sprintf("retrying message %d/%d in %s", ev.Ordinal, ev.Total, ev.Delay.Round(time.Second))
	case delivery.EventFinished:
		return fmt.Sprintf("finished: sent %d/%d, failed %d", ev.Sent, ev.Total, ev.Failed)
	}
	return ""
}
