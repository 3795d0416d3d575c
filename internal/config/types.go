package config

import (
	"encoding/json"
)

// DefaultTweetShift is the pacing window (seconds) used when tweet_shift is
// omitted.
const DefaultTweetShift = 14400

type Config struct {
	Twitter  TwitterConfig  `json:"twitter"`
	Telegram TelegramConfig `json:"telegram"`

	// TweetShift is the total pacing window in seconds. A pointer so that an
	// explicit 0 (send back-to-back) is distinguishable from "omitted".
	TweetShift *float64 `json:"tweet_shift,omitempty"`

	// GoogleDocs is the raw service-account key. It is decoded leniently by
	// the sheets source since Google adds fields to it over time.
	GoogleDocs           json.RawMessage `json:"google_docs,omitempty"`
	HelplineTweetsDocKey string          `json:"helpline_tweets_doc_key,omitempty"`
	// SheetNumber is 1-based; 0 means the first sheet.
	SheetNumber int `json:"sheet_number,omitempty"`

	Publisher PublisherConfig `json:"publisher"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Logging   LoggingConfig   `json:"logging"`
	Report    *ReportConfig   `json:"report,omitempty"`

	// EnvFile is an optional dotenv file loaded before the environment
	// overlay. Relative paths resolve against the config file directory.
	EnvFile string `json:"env_file,omitempty"`
}

// Window returns the pacing window in seconds.
func (c *Config) Window() float64 {
	if c == nil || c.TweetShift == nil {
		return DefaultTweetShift
	}
	return *c.TweetShift
}

// Sheet returns the 1-based sheet number.
func (c *Config) Sheet() int {
	if c == nil || c.SheetNumber <= 0 {
		return 1
	}
	return c.SheetNumber
}

type TwitterConfig struct {
	ConsumerKey       string `json:"consumer_key"`
	ConsumerSecret    string `json:"consumer_secret"`
	AccessToken       string `json:"access_token"`
	AccessTokenSecret string `json:"access_token_secret"`
	// APIBase overrides https://api.twitter.com (tests, proxies).
	APIBase string `json:"api_base,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// PublisherConfig selects and decorates the delivery endpoint.
//
// Example:
//
//	"publisher": { "kind": "twitter", "min_interval": "1s",
//	               "breaker": { "failure_threshold": 5, "reset_timeout": "1m" } }
type PublisherConfig struct {
	// Kind is "twitter" (default) or "telegram".
	Kind        string        `json:"kind,omitempty"`
	MinInterval string        `json:"min_interval,omitempty"`
	Breaker     BreakerConfig `json:"breaker,omitempty"`
}

type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker. 0 disables it.
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
}

// DeliveryConfig controls the dispatcher.
//
// Defaults (when fields are omitted/zero):
//   - retry_policy: "bounded"
//   - max_attempts: 10
//   - retry_backoff: "5s"
//   - retry_max_delay: "15m" (classified only)
//   - publish_timeout: "30s"
//   - length_filter: true
//   - max_length: 140
type DeliveryConfig struct {
	RetryPolicy    string `json:"retry_policy,omitempty"`
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	RetryBackoff   string `json:"retry_backoff,omitempty"`
	RetryMaxDelay  string `json:"retry_max_delay,omitempty"`
	PublishTimeout string `json:"publish_timeout,omitempty"`
	// LengthFilter is a pointer so an explicit false disables filtering.
	LengthFilter *bool `json:"length_filter,omitempty"`
	MaxLength    int   `json:"max_length,omitempty"`
	// FailExitCode makes a run with failed messages exit with status 3.
	FailExitCode bool `json:"fail_exit_code,omitempty"`
}

// FilterLength reports whether over-length messages are dropped.
func (d DeliveryConfig) FilterLength() bool {
	return d.LengthFilter == nil || *d.LengthFilter
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to an operator chat. The bot token
// is telegram.token.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ReportConfig controls the optional run history store.
//
// Example:
//
//	"report": { "driver": "sqlite", "path": "./pacebot.db" }
type ReportConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
