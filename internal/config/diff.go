package config

import (
	"sort"
	"strings"

	logx "timerbot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets (bot token,
// database DSN) are never included, only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		fields  []logx.Field
	)
	section := func(name string, diff bool, f ...logx.Field) {
		if !diff {
			return
		}
		changed = append(changed, name)
		fields = append(fields, f...)
	}

	o, n := oldCfg.Telegram, newCfg.Telegram
	section("telegram",
		o.Token != n.Token || trimmed(o.PollTimeout) != trimmed(n.PollTimeout) || o.LogChatID != n.LogChatID,
		logx.Bool("telegram.token_changed", o.Token != n.Token),
		logx.String("telegram.poll_timeout", trimmed(n.PollTimeout)),
		logx.Bool("telegram.log_chat_set", n.LogChatID != 0),
	)

	ol, nl := oldCfg.Logging, newCfg.Logging
	section("logging",
		ol.Level != nl.Level || boolOr(ol.Console, true) != boolOr(nl.Console, true) ||
			ol.File != nl.File || ol.Telegram != nl.Telegram,
		logx.String("logging.level", nl.Level),
		logx.Bool("logging.console", boolOr(nl.Console, true)),
		logx.Bool("logging.file", nl.File.Enabled),
		logx.Bool("logging.telegram", nl.Telegram.Enabled),
	)

	ost, nst := oldCfg.Storage, newCfg.Storage
	section("storage",
		trimmed(ost.Driver) != trimmed(nst.Driver) || trimmed(ost.Path) != trimmed(nst.Path) ||
			ost.DSN != nst.DSN || trimmed(ost.BusyTimeout) != trimmed(nst.BusyTimeout),
		logx.String("storage.driver", trimmed(nst.Driver)),
		logx.String("storage.path", trimmed(nst.Path)),
		logx.Bool("storage.dsn_set", trimmed(nst.DSN) != ""),
	)

	section("timers", oldCfg.Timers != newCfg.Timers,
		logx.String("timers.timezone", newCfg.Timers.Timezone),
		logx.String("timers.min_duration", newCfg.Timers.MinDuration),
		logx.Int("timers.max_comment", newCfg.Timers.MaxComment),
	)
	section("dispatch", oldCfg.Dispatch != newCfg.Dispatch,
		logx.String("dispatch.interval", newCfg.Dispatch.Interval),
		logx.Int("dispatch.batch_size", newCfg.Dispatch.BatchSize),
	)
	section("notifier", oldCfg.Notifier != newCfg.Notifier,
		logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		logx.String("notifier.send_timeout", newCfg.Notifier.SendTimeout),
	)
	section("housekeeping",
		boolOr(oldCfg.Housekeeping.Enabled, true) != boolOr(newCfg.Housekeeping.Enabled, true) ||
			oldCfg.Housekeeping.Schedule != newCfg.Housekeeping.Schedule,
		logx.Bool("housekeeping.enabled", boolOr(newCfg.Housekeeping.Enabled, true)),
		logx.String("housekeeping.schedule", newCfg.Housekeeping.Schedule),
	)
	section("http", oldCfg.HTTP != newCfg.HTTP,
		logx.Bool("http.enabled", newCfg.HTTP.Enabled),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Bool("http.pprof", newCfg.HTTP.Pprof),
	)

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired reports sections that only take effect after a restart.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "telegram", "storage", "http":
			out = append(out, s)
		}
	}
	return out
}

func trimmed(s string) string { return strings.TrimSpace(s) }

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
