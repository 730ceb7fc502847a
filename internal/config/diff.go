package config

import (
	"reflect"
	"sort"
	"strings"

	logx "buildrelay/pkg/logx"
)

// Sections that the running process can apply without a restart.
var liveSections = map[string]bool{
	"logging":  true,
	"notifier": true,
	"owners":   true,
}

// Change describes the difference between two configs.
type Change struct {
	// Sections that changed, sorted.
	Sections []string
	// Attrs summarize the new values for logging. Secrets are never included.
	Attrs []logx.Field
}

func (c Change) Empty() bool { return len(c.Sections) == 0 }

// RestartRequired lists changed sections that only take effect after a restart.
func (c Change) RestartRequired() []string {
	var out []string
	for _, s := range c.Sections {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Diff compares two configs section by section. Owner list changes are
// reported as their own "owners" section because they apply live while the
// rest of the telegram section does not.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	add := func(section string, attrs ...logx.Field) {
		ch.Sections = append(ch.Sections, section)
		ch.Attrs = append(ch.Attrs, attrs...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token || ot.LogChat != nt.LogChat ||
		strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) || ot.ParseMode != nt.ParseMode {
		add("telegram",
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
			logx.String("telegram.poll_timeout", nt.PollTimeout),
			logx.Bool("telegram.log_chat_set", nt.LogChat != 0),
		)
	}
	if !reflect.DeepEqual(ot.OwnerUserIDs, nt.OwnerUserIDs) {
		add("owners", logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)))
	}
	if oldCfg.Upstream != newCfg.Upstream {
		add("upstream",
			logx.String("upstream.base_url", newCfg.Upstream.BaseURL),
			logx.String("upstream.timeout", newCfg.Upstream.Timeout),
		)
	}
	if oldCfg.Relay != newCfg.Relay {
		add("relay",
			logx.String("relay.interval", newCfg.Relay.Interval),
			logx.Int("relay.retry_attempts", newCfg.Relay.RetryAttempts),
			logx.String("relay.retry_delay", newCfg.Relay.RetryDelay),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		add("notifier",
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.String("notifier.send_timeout", newCfg.Notifier.SendTimeout),
			logx.String("notifier.dedup_window", newCfg.Notifier.DedupWindow),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		add("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}
	osch, ns := oldCfg.Scheduler, newCfg.Scheduler
	if osch.IsEnabled() != ns.IsEnabled() || osch.Timezone != ns.Timezone || osch.NameRefresh != ns.NameRefresh {
		add("scheduler",
			logx.Bool("scheduler.enabled", ns.IsEnabled()),
			logx.String("scheduler.timezone", ns.Timezone),
			logx.String("scheduler.name_refresh", ns.NameRefresh),
		)
	}
	if oldCfg.Logging != newCfg.Logging {
		add("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.forward", newCfg.Logging.Forward.Enabled),
		)
	}
	sort.Strings(ch.Sections)
	return ch
}
