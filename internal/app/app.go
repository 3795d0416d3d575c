// Package app wires one delivery run: config, logging, source, publisher,
// dispatcher and the optional report store.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pacebot/internal/config"
	"pacebot/internal/delivery"
	"pacebot/internal/eventbus"
	"pacebot/internal/faults"
	"pacebot/internal/message"
	"pacebot/internal/runtime/supervisor"
	"pacebot/internal/sdnotify"
	"pacebot/internal/source"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	"pacebot/internal/transport/dryrun"
	telegram "pacebot/internal/transport/telegram/adapter"
	"pacebot/internal/transport/twitter"
	logx "pacebot/pkg/logx"
)

// Options are the command-line inputs of a run.
type Options struct {
	ConfigPath string
	// TweetsPath selects the local file source; empty means the spreadsheet.
	TweetsPath string
	DryRun     bool
	// LogLevel overrides logging.level when set.
	LogLevel string

	// Publisher replaces the configured endpoint (tests).
	Publisher transport.Publisher
	// Sleeper replaces the dispatcher's timer (tests).
	Sleeper delivery.Sleeper
}

type App struct {
	opts Options

	cfgm *config.Manager
	cfg  *config.Config

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *sdnotify.Notifier

	src   source.Source
	pub   transport.Publisher
	store storage.Store
}

// New loads and validates the configuration and builds every component.
// Nothing is fetched or published yet.
func New(ctx context.Context, opts Options) (*App, error) {
	cfgm := config.NewManager(opts.ConfigPath)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if err := config.Validate(cfg, opts.DryRun || opts.Publisher != nil); err != nil {
		return nil, err
	}

	callTimeout, err := mapPublishTimeout(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrConfiguration, err)
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)
	pub, alerts := buildPublisher(cfg, opts, callTimeout, bootLog)

	var sender transport.TextSender
	if alerts != nil {
		sender = alerts
	}
	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		opts: opts,
		cfgm: cfgm,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		sd:   sdnotify.New(log.With(logx.String("comp", "sdnotify"))),
		pub:  pub,
	}

	// The alert sender needs its own bot session unless it is the publisher.
	if alerts != nil && transport.Publisher(alerts) != pub {
		if err := alerts.Login(ctx); err != nil {
			a.log.Warn("operator alerts disabled: telegram login failed", logx.Err(err))
			logSvc.SetAlertSender(nil)
		}
	}

	if a.src, err = buildSource(cfg, opts, log.With(logx.String("comp", "source"))); err != nil {
		_ = a.Close()
		return nil, err
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("%w: %v", faults.ErrConfiguration, err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("%w: report store: %v", faults.ErrConfiguration, err)
		}
		a.store = st
		a.log.Info("report store enabled", logx.String("driver", sc.Driver))
	}
	return a, nil
}

// buildPublisher returns the delivery endpoint and, when operator alerts
// are enabled, the telegram adapter that sends them. callTimeout caps the
// telegram client so a send the dispatcher gave up on is aborted too.
func buildPublisher(cfg *config.Config, opts Options, callTimeout time.Duration, log logx.Logger) (transport.Publisher, *telegram.Adapter) {
	var alerts *telegram.Adapter
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "" {
		alerts = telegram.New(telegram.Config{Token: cfg.Telegram.Token}, log.With(logx.String("comp", "alerts")))
	}

	switch {
	case opts.Publisher != nil:
		return opts.Publisher, alerts
	case opts.DryRun:
		return dryrun.New(log.With(logx.String("comp", "dryrun"))), alerts
	case cfg.PublisherKind() == config.PublisherTelegram:
		ad := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
			Timeout:  callTimeout,
		}, log.With(logx.String("comp", "telegram")))
		if alerts != nil {
			alerts = ad
		}
		return ad, alerts
	default:
		return twitter.New(twitter.Config{
			ConsumerKey:       cfg.Twitter.ConsumerKey,
			ConsumerSecret:    cfg.Twitter.ConsumerSecret,
			AccessToken:       cfg.Twitter.AccessToken,
			AccessTokenSecret: cfg.Twitter.AccessTokenSecret,
			APIBase:           cfg.Twitter.APIBase,
		}, log.With(logx.String("comp", "twitter"))), alerts
	}
}

func buildSource(cfg *config.Config, opts Options, log logx.Logger) (source.Source, error) {
	if p := strings.TrimSpace(opts.TweetsPath); p != "" {
		return source.File{Path: p}, nil
	}
	if strings.TrimSpace(cfg.HelplineTweetsDocKey) == "" {
		return nil, fmt.Errorf("%w: no message source: pass --tweets or set helpline_tweets_doc_key", faults.ErrConfiguration)
	}
	if len(cfg.GoogleDocs) == 0 {
		return nil, fmt.Errorf("%w: google_docs is required to read helpline_tweets_doc_key", faults.ErrConfiguration)
	}
	sa, err := source.ParseServiceAccount(cfg.GoogleDocs)
	if err != nil {
		return nil, err
	}
	return &source.Sheets{Account: sa, DocKey: cfg.HelplineTweetsDocKey, Sheet: cfg.Sheet(), Log: log}, nil
}

// Run fetches the batch, logs in and delivers it. A nil report with an
// error means nothing was delivered.
func (a *App) Run(ctx context.Context) (*delivery.Report, error) {
	runID := uuid.NewString()
	log := a.log.With(logx.String("run_id", runID))

	sup := supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Stop(stopCtx)
	}()
	sup.Go("config.watch", a.cfgm.Watch)
	reloads := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(reloads)
	sup.Go0("config.apply", func(ctx context.Context) { a.applyReloads(ctx, reloads) })
	sup.GoRestart("sdnotify", func(ctx context.Context) error { return a.sd.Run(ctx, a.bus) })

	raw, err := a.src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	batch, stats := message.NewNormalizer(mapNormalizerOptions(a.cfg), log.With(logx.String("comp", "normalizer"))).Normalize(raw)
	log.Info("messages loaded",
		logx.String("source", a.src.Name()),
		logx.Int("raw", stats.Raw),
		logx.Int("eligible", stats.Eligible),
		logx.Int("empty", stats.Empty),
		logx.Int("too_long", stats.TooLong),
	)
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: no eligible messages in %s", faults.ErrConfiguration, a.src.Name())
	}

	log.Info("logging in", logx.String("publisher", a.pub.Name()))
	if err := a.pub.Login(ctx); err != nil {
		if !errors.Is(err, faults.ErrPublisherAuth) {
			err = fmt.Errorf("%w: %v", faults.ErrPublisherAuth, err)
		}
		return nil, err
	}

	guardCfg, err := mapGuardConfig(a.cfg, log.With(logx.String("comp", "guard")))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrConfiguration, err)
	}
	policy, err := mapPolicy(a.cfg)
	if err != nil {
		return nil, err
	}
	timeout, err := mapPublishTimeout(a.cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrConfiguration, err)
	}

	opts := []delivery.Option{delivery.WithBus(a.bus)}
	switch {
	case a.opts.Sleeper != nil:
		opts = append(opts, delivery.WithSleeper(a.opts.Sleeper))
	case a.opts.DryRun:
		opts = append(opts, delivery.WithSleeper(delivery.NoWait{}))
	}
	d := delivery.New(delivery.Config{
		RunID:          runID,
		WindowSeconds:  a.cfg.Window(),
		Policy:         policy,
		PublishTimeout: timeout,
	}, transport.Guard(a.pub, guardCfg), log.With(logx.String("comp", "dispatcher")), opts...)

	a.sd.Ready()
	rep, runErr := d.Run(ctx, batch)
	a.sd.Stopping()

	if rep != nil && a.store != nil {
		// The run context may already be cancelled; history is still written.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := storage.SaveReport(saveCtx, a.store, rep, a.src.Name()); err != nil {
			log.Warn("report store write failed", logx.Err(err))
		}
		cancel()
	}
	return rep, runErr
}

// applyReloads applies the logging section of every accepted config edit.
func (a *App) applyReloads(ctx context.Context, ch <-chan *config.Config) {
	current := *a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			if cfg == nil {
				continue
			}
			if lvl := strings.TrimSpace(a.opts.LogLevel); lvl != "" {
				cfg.Logging.Level = lvl
			}
			if !config.LoggingChanged(&current, cfg) {
				continue
			}
			// Only logging changes mid-run; the rest of current stays as loaded.
			current.Logging = cfg.Logging
			a.logs.Apply(mapLogConfig(&current))
			a.log.Info("logging reconfigured", logx.String("level", cfg.Logging.Level))
		}
	}
}

// FailExitCode reports whether a run with failed messages should exit
// non-zero.
func (a *App) FailExitCode() bool { return a.cfg.Delivery.FailExitCode }

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
