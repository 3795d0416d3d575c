package config

import (
	"fmt"
	"strings"

	"pacebot/internal/delivery"
	"pacebot/internal/faults"
	logx "pacebot/pkg/logx"
)

const (
	PublisherTwitter  = "twitter"
	PublisherTelegram = "telegram"
)

// PublisherKind returns the normalized publisher kind.
func (c *Config) PublisherKind() string {
	k := strings.ToLower(strings.TrimSpace(c.Publisher.Kind))
	if k == "" {
		return PublisherTwitter
	}
	return k
}

// Validate checks cfg for a run. dryRun skips publisher credential checks.
// Every returned error wraps faults.ErrConfiguration.
func Validate(cfg *Config, dryRun bool) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", faults.ErrConfiguration)
	}
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch kind := cfg.PublisherKind(); kind {
	case PublisherTwitter:
		if !dryRun {
			t := cfg.Twitter
			for _, f := range []struct{ name, v string }{
				{"twitter.consumer_key", t.ConsumerKey},
				{"twitter.consumer_secret", t.ConsumerSecret},
				{"twitter.access_token", t.AccessToken},
				{"twitter.access_token_secret", t.AccessTokenSecret},
			} {
				if strings.TrimSpace(f.v) == "" {
					add("%s is required", f.name)
				}
			}
		}
	case PublisherTelegram:
		if !dryRun {
			if strings.TrimSpace(cfg.Telegram.Token) == "" {
				add("telegram.token is required")
			}
			if cfg.Telegram.ChatID == 0 {
				add("telegram.chat_id is required")
			}
		}
	default:
		add("publisher.kind %q is not supported", kind)
	}

	if _, err := ParseDurationField("publisher.min_interval", cfg.Publisher.MinInterval); err != nil {
		add("%v", err)
	}
	if cfg.Publisher.Breaker.FailureThreshold < 0 {
		add("publisher.breaker.failure_threshold must be >= 0")
	}
	if _, err := ParseDurationField("publisher.breaker.reset_timeout", cfg.Publisher.Breaker.ResetTimeout); err != nil {
		add("%v", err)
	}

	d := cfg.Delivery
	if _, err := delivery.NewPolicy(delivery.PolicyConfig{Name: d.RetryPolicy}); err != nil {
		add("delivery.retry_policy %q is not supported", d.RetryPolicy)
	}
	if d.MaxAttempts < 0 {
		add("delivery.max_attempts must be >= 1")
	}
	if d.MaxLength < 0 {
		add("delivery.max_length must be >= 1")
	}
	for path, raw := range map[string]string{
		"delivery.retry_backoff":   d.RetryBackoff,
		"delivery.retry_max_delay": d.RetryMaxDelay,
		"delivery.publish_timeout": d.PublishTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			add("%v", err)
		}
	}

	if cfg.SheetNumber < 0 {
		add("sheet_number must be >= 1")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		add("logging.level %q is not a valid level", lvl)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path is required when logging.file.enabled is true")
	}
	if cfg.Report != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Report.Driver)) {
		case "", "none":
		case "file", "sqlite":
			if strings.TrimSpace(cfg.Report.Path) == "" {
				add("report.path is required for driver %q", cfg.Report.Driver)
			}
		default:
			add("report.driver %q is not supported", cfg.Report.Driver)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", faults.ErrConfiguration, strings.Join(problems, "; "))
}
