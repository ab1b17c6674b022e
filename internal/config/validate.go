package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks everything that must hold before the app starts.
// It returns the first problem found.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	tok := strings.TrimSpace(cfg.Telegram.Token)
	if tok == "" {
		return errors.New("telegram.token is required (or IXBOT_TELEGRAM_TOKEN)")
	}
	// Token shape: "<bot id>:<secret>".
	if i := strings.IndexByte(tok, ':'); i <= 0 || i == len(tok)-1 {
		return errors.New("telegram.token looks malformed (expected <id>:<secret>)")
	}

	if strings.TrimSpace(cfg.Feed.URL) == "" {
		return errors.New("feed.url is required (or IXBOT_FEED_URL)")
	}
	if !strings.HasPrefix(cfg.Feed.URL, "http://") && !strings.HasPrefix(cfg.Feed.URL, "https://") {
		return fmt.Errorf("feed.url must be http(s), got %q", cfg.Feed.URL)
	}

	if s := cfg.Feed.Interval; s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("feed.interval: %w", err)
		}
		if d < minPollInterval {
			return fmt.Errorf("feed.interval %s is below the %s floor", d, minPollInterval)
		}
	}
	if n := cfg.Feed.MaxEventAgeDays; n != 0 && (n < 1 || n > 30) {
		return fmt.Errorf("feed.max_event_age_days must be 1-30, got %d", n)
	}

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}

	if n := cfg.RateLimit.CommandsPerMinute; n < 0 {
		return fmt.Errorf("rate_limit.commands_per_minute must be >= 1, got %d", n)
	}

	if cfg.Backup.Enabled && cfg.Backup.ChatID == 0 {
		return errors.New("backup.enabled requires backup.chat_id")
	}

	return nil
}
