// Package config loads and hot-reloads the relay's JSON or YAML config file.
//
// Durations are Go duration strings ("2m", "500ms"). Unknown keys are
// rejected so typos surface at load time instead of silently using defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Upstream  UpstreamConfig  `json:"upstream"`
	Relay     RelayConfig     `json:"relay"`
	Notifier  NotifierConfig  `json:"notifier"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OwnerUserIDs may change subscriptions. Empty means everyone may.
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChat receives forwarded warnings when logging.forward is enabled.
	LogChat     int64  `json:"log_chat,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	ParseMode   string `json:"parse_mode,omitempty"`
}

// UpstreamConfig points at the catalog service that serves the change feed
// and package metadata.
type UpstreamConfig struct {
	BaseURL        string `json:"base_url"`
	Timeout        string `json:"timeout,omitempty"`
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
	HealthInterval string `json:"health_interval,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
}

type RelayConfig struct {
	Interval         string `json:"interval,omitempty"`
	RetryAttempts    int    `json:"retry_attempts,omitempty"`
	RetryDelay       string `json:"retry_delay,omitempty"`
	RegistryDocument string `json:"registry_document,omitempty"`
	NamesDocument    string `json:"names_document,omitempty"`
}

type NotifierConfig struct {
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
}

// StorageConfig selects the durable store.
//
//	"storage": { "driver": "sqlite", "path": "./relay.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type SchedulerConfig struct {
	// Enabled is a pointer so an omitted key means enabled.
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	// NameRefresh is the display-name backfill schedule. "off" disables it.
	NameRefresh string `json:"name_refresh,omitempty"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Forward LoggingForward `json:"forward"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingForward struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

const DefaultNameRefresh = "@every 6h"

var (
	ErrNoToken   = errors.New("telegram.token is required")
	ErrNoBaseURL = errors.New("upstream.base_url is required")
)

// Validate checks required fields and every duration string.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Telegram.Token) == "" {
		errs = append(errs, ErrNoToken)
	}
	if raw := strings.TrimSpace(c.Upstream.BaseURL); raw == "" {
		errs = append(errs, ErrNoBaseURL)
	} else if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.base_url: %q is not an absolute URL", raw))
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"upstream.timeout", c.Upstream.Timeout},
		{"upstream.reconnect_delay", c.Upstream.ReconnectDelay},
		{"upstream.health_interval", c.Upstream.HealthInterval},
		{"relay.interval", c.Relay.Interval},
		{"relay.retry_delay", c.Relay.RetryDelay},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
		{"notifier.dedup_window", c.Notifier.DedupWindow},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Relay.RetryAttempts < 0 {
		errs = append(errs, errors.New("relay.retry_attempts must be >= 0"))
	}
	if c.Notifier.RatePerSec < 0 {
		errs = append(errs, errors.New("notifier.rate_per_sec must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for driver "+c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if c.Logging.Forward.Enabled && c.Telegram.LogChat == 0 {
		errs = append(errs, errors.New("logging.forward needs telegram.log_chat"))
	}
	return errors.Join(errs...)
}
