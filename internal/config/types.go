package config

import (
	"time"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Feed      FeedConfig      `json:"feed"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
	Backup    BackupConfig    `json:"backup,omitempty"`
	Health    HealthConfig    `json:"health,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AdminUserIDs may run /backup, /restore and /stats.
	AdminUserIDs []int64 `json:"admin_user_ids,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// FeedConfig controls the status-feed poller.
//
// All durations are Go duration strings (e.g. "5m", "300s").
type FeedConfig struct {
	URL string `json:"url"`
	// Interval between polls. Floor: 60s (upstream rate-limit courtesy).
	Interval string `json:"interval,omitempty"`
	// MaxEventAgeDays drops feed entries older than this (1-30).
	MaxEventAgeDays int `json:"max_event_age_days,omitempty"`
	// FetchTimeout bounds one HTTP request.
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file,omitempty"`
	Telegram LoggingTelegram `json:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy_timeout pragma).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RateLimitConfig struct {
	// CommandsPerMinute per chat; 0 means the default of 10.
	CommandsPerMinute int `json:"commands_per_minute,omitempty"`
}

type BackupConfig struct {
	// Enabled turns on the daily 03:00 automatic export.
	Enabled bool `json:"enabled"`
	// ChatID receives the exported document.
	ChatID int64 `json:"chat_id,omitempty"`
	// MaxRestoreBytes caps accepted restore uploads (default 1 MiB).
	MaxRestoreBytes int64 `json:"max_restore_bytes,omitempty"`
}

type HealthConfig struct {
	// File is touched every 30s for container liveness probes.
	// Empty disables the writer.
	File string `json:"file,omitempty"`
}

// ---- Derived accessors (defaults applied) ----

const (
	minPollInterval    = 60 * time.Second
	defaultInterval    = 5 * time.Minute
	defaultFetchTO     = 30 * time.Second
	defaultMaxAgeDays  = 7
	defaultRateLimit   = 10
	defaultRestoreMax  = 1 << 20
	defaultPollTimeout = 10 * time.Second
)

func (c *Config) PollInterval() time.Duration {
	d := parseDuration(c.Feed.Interval, defaultInterval)
	if d < minPollInterval {
		d = minPollInterval
	}
	return d
}

func (c *Config) FetchTimeout() time.Duration {
	return parseDuration(c.Feed.FetchTimeout, defaultFetchTO)
}

func (c *Config) MaxEventAge() time.Duration {
	days := c.Feed.MaxEventAgeDays
	if days <= 0 {
		days = defaultMaxAgeDays
	}
	return time.Duration(days) * 24 * time.Hour
}

func (c *Config) TelegramPollTimeout() time.Duration {
	return parseDuration(c.Telegram.PollTimeout, defaultPollTimeout)
}

func (c *Config) StorageBusyTimeout() time.Duration {
	return parseDuration(c.Storage.BusyTimeout, 5*time.Second)
}

func (c *Config) CommandsPerMinute() int {
	if c.RateLimit.CommandsPerMinute <= 0 {
		return defaultRateLimit
	}
	return c.RateLimit.CommandsPerMinute
}

func (c *Config) MaxRestoreBytes() int64 {
	if c.Backup.MaxRestoreBytes <= 0 {
		return defaultRestoreMax
	}
	return c.Backup.MaxRestoreBytes
}

func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
