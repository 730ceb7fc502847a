package app

import (
	"strings"
	"time"

	"buildrelay/internal/catalog/httpcatalog"
	"buildrelay/internal/config"
	"buildrelay/internal/notifier"
	"buildrelay/internal/relay"
	"buildrelay/internal/retry"
	"buildrelay/internal/storage"
	"buildrelay/internal/task/scheduler"
	"buildrelay/internal/transport/telegram"
	"buildrelay/internal/watch"
	logx "buildrelay/pkg/logx"
)

// The mappers below run on configs that passed config.Validate, so duration
// parsing cannot fail here.

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Forward: logx.ForwardConfig{
			Enabled:     cfg.Logging.Forward.Enabled,
			Destination: destinationOf(cfg.Telegram.LogChat),
			MinLevel:    cfg.Logging.Forward.MinLevel,
			RatePerSec:  cfg.Logging.Forward.RatePerSec,
		},
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, time.Second),
	}
}

func mapTelegram(cfg *config.Config) telegram.Config {
	return telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
		ParseMode:   cfg.Telegram.ParseMode,
	}
}

func mapUpstream(cfg *config.Config) (httpcatalog.Config, httpcatalog.SessionConfig) {
	return httpcatalog.Config{
			BaseURL:   cfg.Upstream.BaseURL,
			Timeout:   config.DurationOr(cfg.Upstream.Timeout, httpcatalog.DefaultTimeout),
			UserAgent: cfg.Upstream.UserAgent,
		}, httpcatalog.SessionConfig{
			ReconnectDelay: config.DurationOr(cfg.Upstream.ReconnectDelay, httpcatalog.DefaultReconnectDelay),
			HealthInterval: config.DurationOr(cfg.Upstream.HealthInterval, httpcatalog.DefaultHealthInterval),
		}
}

func mapRetry(cfg *config.Config) retry.Config {
	return retry.Config{
		Attempts: cfg.Relay.RetryAttempts,
		Delay:    config.DurationOr(cfg.Relay.RetryDelay, retry.DefaultDelay),
	}
}

func mapLoop(cfg *config.Config) relay.LoopConfig {
	return relay.LoopConfig{Interval: config.DurationOr(cfg.Relay.Interval, relay.DefaultInterval)}
}

func documents(cfg *config.Config) (registry, names string) {
	registry = strings.TrimSpace(cfg.Relay.RegistryDocument)
	if registry == "" {
		registry = watch.DefaultRegistryDocument
	}
	names = strings.TrimSpace(cfg.Relay.NamesDocument)
	if names == "" {
		names = watch.DefaultNamesDocument
	}
	return registry, names
}

func mapNotifier(cfg *config.Config) notifier.Config {
	return notifier.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: config.DurationOr(cfg.Notifier.SendTimeout, 0),
		DedupWindow: config.DurationOr(cfg.Notifier.DedupWindow, 0),
		HistorySize: cfg.Notifier.HistorySize,
	}
}

func mapScheduler(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:  cfg.Scheduler.IsEnabled(),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
}

// nameRefreshSchedule returns "" when the backfill job is turned off.
func nameRefreshSchedule(cfg *config.Config) string {
	s := strings.TrimSpace(cfg.Scheduler.NameRefresh)
	switch strings.ToLower(s) {
	case "":
		return config.DefaultNameRefresh
	case "off", "none", "disabled":
		return ""
	}
	return s
}
