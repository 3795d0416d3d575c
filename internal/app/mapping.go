package app

import (
	"fmt"
	"strings"
	"time"

	"pacebot/internal/config"
	"pacebot/internal/delivery"
	"pacebot/internal/message"
	"pacebot/internal/storage"
	"pacebot/internal/transport"
	logx "pacebot/pkg/logx"
)

const defaultPublishTimeout = 30 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	chatID := cfg.Logging.Telegram.ChatID
	if chatID == 0 {
		chatID = cfg.Telegram.ChatID
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     chatID,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapNormalizerOptions(cfg *config.Config) message.Options {
	opt := message.Options{FilterLength: cfg.Delivery.FilterLength(), MaxRunes: cfg.Delivery.MaxLength}
	if opt.MaxRunes <= 0 {
		opt.MaxRunes = message.DefaultMaxRunes
	}
	return opt
}

func mapPolicy(cfg *config.Config) (delivery.RetryPolicy, error) {
	d := cfg.Delivery
	backoff, err := config.ParseDurationOrDefault("delivery.retry_backoff", d.RetryBackoff, delivery.DefaultRetryBackoff)
	if err != nil {
		return nil, err
	}
	maxDelay, err := config.ParseDurationOrDefault("delivery.retry_max_delay", d.RetryMaxDelay, delivery.DefaultRetryMaxDelay)
	if err != nil {
		return nil, err
	}
	return delivery.NewPolicy(delivery.PolicyConfig{
		Name:          d.RetryPolicy,
		MaxAttempts:   d.MaxAttempts,
		Backoff:       backoff,
		RetryMaxDelay: maxDelay,
	})
}

func mapPublishTimeout(cfg *config.Config) (time.Duration, error) {
	return config.ParseSwitchableDuration("delivery.publish_timeout", cfg.Delivery.PublishTimeout, defaultPublishTimeout)
}

func mapGuardConfig(cfg *config.Config, log logx.Logger) (transport.GuardConfig, error) {
	p := cfg.Publisher
	minInterval, err := config.ParseDurationField("publisher.min_interval", p.MinInterval)
	if err != nil {
		return transport.GuardConfig{}, err
	}
	reset, err := config.ParseDurationOrDefault("publisher.breaker.reset_timeout", p.Breaker.ResetTimeout, time.Minute)
	if err != nil {
		return transport.GuardConfig{}, err
	}
	return transport.GuardConfig{
		MinInterval:      minInterval,
		BreakerThreshold: p.Breaker.FailureThreshold,
		BreakerReset:     reset,
		OnBreakerChange: func(from, to string) {
			log.Warn("publisher circuit breaker changed state", logx.String("from", from), logx.String("to", to))
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Report == nil {
		return storage.Config{}, false, nil
	}
	rc := cfg.Report
	driver := strings.ToLower(strings.TrimSpace(rc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(rc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.ParseDurationOrDefault("report.busy_timeout", rc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown report.driver: %s", rc.Driver)
	}
}
