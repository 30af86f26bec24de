package config

import (
	"reflect"
	"sort"
	"strings"

	logx "locatorbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging. Tokens, passwords and broker credentials are
// never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!reflect.DeepEqual(ot.AdminUserIDs, nt.AdminUserIDs) ||
		strings.TrimSpace(ot.LogChat) != strings.TrimSpace(nt.LogChat) ||
		ot.Token != nt.Token {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.admin_count", len(nt.AdminUserIDs)),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(nt.LogChat) != ""),
			logx.Bool("telegram.token_changed", ot.Token != nt.Token),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Provider, newCfg.Provider) {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.Bool("provider.base_url_set", strings.TrimSpace(newCfg.Provider.BaseURL) != ""),
			logx.String("provider.timeout", newCfg.Provider.Timeout),
			logx.Float64("provider.rate_per_sec", newCfg.Provider.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.String("poller.tick", newCfg.Poller.Tick),
			logx.Float64("poller.min_write_distance_m", newCfg.Poller.MinWriteDistanceM),
			logx.String("poller.failure_backoff", newCfg.Poller.FailureBackoff.Policy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Retention, newCfg.Retention) {
		changed = append(changed, "retention")
		attrs = append(attrs,
			logx.Bool("retention.enabled", newCfg.Retention.Enabled),
			logx.String("retention.schedule", newCfg.Retention.Schedule),
			logx.String("retention.max_age", newCfg.Retention.MaxAge),
		)
	}

	oh, nh := oldCfg.HTTP, newCfg.HTTP
	if !reflect.DeepEqual(oh, nh) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", nh.Enabled),
			logx.String("http.addr", strings.TrimSpace(nh.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(nh.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Publish, newCfg.Publish) {
		changed = append(changed, "publish")
		attrs = append(attrs,
			logx.Bool("publish.kafka", newCfg.Publish.Kafka.Enabled),
			logx.Int("publish.kafka_brokers", len(newCfg.Publish.Kafka.Brokers)),
			logx.Bool("publish.mqtt", newCfg.Publish.MQTT.Enabled),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports which of the changed sections only take effect after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "provider", "publish":
			out = append(out, s)
		}
	}
	return out
}
