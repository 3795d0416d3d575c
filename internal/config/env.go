package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// envOverlay lists the settings that may come from the environment instead
// of the config file. Non-empty values win over the file.
type envOverlay struct {
	ConsumerKey       string `env:"PACEBOT_TWITTER_CONSUMER_KEY"`
	ConsumerSecret    string `env:"PACEBOT_TWITTER_CONSUMER_SECRET"`
	AccessToken       string `env:"PACEBOT_TWITTER_ACCESS_TOKEN"`
	AccessTokenSecret string `env:"PACEBOT_TWITTER_ACCESS_TOKEN_SECRET"`
	TelegramToken     string `env:"PACEBOT_TELEGRAM_TOKEN"`
	TweetShift        string `env:"PACEBOT_TWEET_SHIFT"`
	LogLevel          string `env:"PACEBOT_LOG_LEVEL"`
}

// loadDotEnv loads the dotenv file for cfg into the process environment.
// Variables already set are left alone. A missing implicit .env is not an
// error; a missing explicit env_file is.
func loadDotEnv(configPath string, cfg *Config) error {
	dir := filepath.Dir(configPath)
	path := strings.TrimSpace(cfg.EnvFile)
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("env_file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env_file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays environment values from l onto cfg.
func applyEnv(ctx context.Context, cfg *Config, l envconfig.Lookuper) error {
	var ov envOverlay
	if err := envconfig.ProcessWith(ctx, &ov, l); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Twitter.ConsumerKey, ov.ConsumerKey)
	set(&cfg.Twitter.ConsumerSecret, ov.ConsumerSecret)
	set(&cfg.Twitter.AccessToken, ov.AccessToken)
	set(&cfg.Twitter.AccessTokenSecret, ov.AccessTokenSecret)
	set(&cfg.Telegram.Token, ov.TelegramToken)
	set(&cfg.Logging.Level, ov.LogLevel)

	if s := strings.TrimSpace(ov.TweetShift); s != "" {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("PACEBOT_TWEET_SHIFT: invalid number %q", s)
		}
		cfg.TweetShift = &v
	}
	return nil
}
