package config

import (
	"reflect"
)

// LoggingChanged reports whether the logging section differs.
func LoggingChanged(oldCfg, newCfg *Config) bool {
	if oldCfg == nil || newCfg == nil {
		return oldCfg != newCfg
	}
	return !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging)
}

// FrozenSections lists the sections that differ between oldCfg and newCfg
// but only take effect on the next run. Secrets are compared, never
// returned.
func FrozenSections(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Twitter != newCfg.Twitter {
		out = append(out, "twitter")
	}
	if oldCfg.Telegram != newCfg.Telegram {
		out = append(out, "telegram")
	}
	if oldCfg.Window() != newCfg.Window() {
		out = append(out, "tweet_shift")
	}
	if !reflect.DeepEqual(oldCfg.Delivery, newCfg.Delivery) {
		out = append(out, "delivery")
	}
	if oldCfg.Publisher != newCfg.Publisher {
		out = append(out, "publisher")
	}
	if oldCfg.HelplineTweetsDocKey != newCfg.HelplineTweetsDocKey || oldCfg.SheetNumber != newCfg.SheetNumber {
		out = append(out, "source")
	}
	if !reflect.DeepEqual(oldCfg.Report, newCfg.Report) {
		out = append(out, "report")
	}
	return out
}
