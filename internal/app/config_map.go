package app

import (
	"strconv"
	"strings"
	"time"

	"locatorbot/internal/config"
	"locatorbot/internal/httpapi"
	"locatorbot/internal/poller"
	"locatorbot/internal/provider/googlemaps"
	"locatorbot/internal/publish"
	"locatorbot/internal/retention"
	"locatorbot/internal/storage"
	logx "locatorbot/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, config.Invalid("storage.path", "required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, config.Invalid("storage.driver", "unknown driver %q", sc.Driver)
	}
}

func mapProviderConfig(cfg *config.Config) (googlemaps.Config, error) {
	pc := cfg.Provider
	timeout, err := config.ParseDurationOrDefault("provider.timeout", pc.Timeout, googlemaps.DefaultTimeout)
	if err != nil {
		return googlemaps.Config{}, err
	}
	if pc.RatePerSec < 0 {
		return googlemaps.Config{}, config.Invalid("provider.rate_per_sec", "must be >= 0")
	}
	if pc.Burst < 0 {
		return googlemaps.Config{}, config.Invalid("provider.burst", "must be >= 0")
	}
	return googlemaps.Config{
		BaseURL:    strings.TrimSpace(pc.BaseURL),
		Timeout:    timeout,
		RatePerSec: pc.RatePerSec,
		Burst:      pc.Burst,
		UserAgent:  strings.TrimSpace(pc.UserAgent),
	}, nil
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	pc := cfg.Poller
	tick, err := config.ParseDurationOrDefault("poller.tick", pc.Tick, poller.DefaultTick)
	if err != nil {
		return poller.Config{}, err
	}
	if pc.MinWriteDistanceM < 0 {
		return poller.Config{}, config.Invalid("poller.min_write_distance_m", "must be >= 0")
	}
	fb := pc.FailureBackoff
	base, err := config.ParseDurationField("poller.failure_backoff.base", fb.Base)
	if err != nil {
		return poller.Config{}, err
	}
	maxWait, err := config.ParseDurationField("poller.failure_backoff.max", fb.Max)
	if err != nil {
		return poller.Config{}, err
	}
	out := poller.Config{
		Tick:             tick,
		MinWriteDistance: pc.MinWriteDistanceM,
		Failure:          poller.FailurePolicy(strings.ToLower(strings.TrimSpace(fb.Policy))),
		BackoffBase:      base,
		BackoffMax:       maxWait,
	}
	if err := out.Validate(); err != nil {
		return poller.Config{}, &config.FieldError{Path: "poller.failure_backoff", Reason: err.Error(), Err: err}
	}
	return out, nil
}

func mapRetentionConfig(cfg *config.Config) (retention.Config, error) {
	rc := cfg.Retention
	maxAge, err := config.ParseDurationField("retention.max_age", rc.MaxAge)
	if err != nil {
		return retention.Config{}, err
	}
	return retention.Config{
		Enabled:  rc.Enabled,
		Schedule: strings.TrimSpace(rc.Schedule),
		MaxAge:   maxAge,
		Timezone: strings.TrimSpace(rc.Timezone),
	}, nil
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logChat parses telegram.log_chat. An empty value means no target.
func logChat(cfg *config.Config) (int64, bool, error) {
	raw := strings.TrimSpace(cfg.Telegram.LogChat)
	if raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, config.Invalid("telegram.log_chat", "invalid chat id %q", raw)
	}
	return id, true, nil
}

func mapKafkaConfig(cfg *config.Config) publish.KafkaConfig {
	kc := cfg.Publish.Kafka
	return publish.KafkaConfig{Brokers: kc.Brokers, Topic: strings.TrimSpace(kc.Topic), Acks: kc.Acks}
}

func mapMQTTConfig(cfg *config.Config) publish.MQTTConfig {
	mc := cfg.Publish.MQTT
	return publish.MQTTConfig{
		Broker:      strings.TrimSpace(mc.Broker),
		ClientID:    strings.TrimSpace(mc.ClientID),
		TopicPrefix: mc.TopicPrefix,
		QoS:         mc.QoS,
		Username:    mc.Username,
		Password:    mc.Password,
	}
}

// validateConfig rejects a config that would fail to apply. It runs at
// startup and before every hot reload is committed.
func validateConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return config.Invalid("telegram.token", "required")
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, _, err := logChat(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProviderConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPollerConfig(cfg); err != nil {
		return err
	}
	rc, err := mapRetentionConfig(cfg)
	if err != nil {
		return err
	}
	if err := retention.Validate(rc); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	if k := cfg.Publish.Kafka; k.Enabled && (len(k.Brokers) == 0 || strings.TrimSpace(k.Topic) == "") {
		return config.Invalid("publish.kafka", "brokers and topic are required when enabled")
	}
	if m := cfg.Publish.MQTT; m.Enabled {
		if strings.TrimSpace(m.Broker) == "" {
			return config.Invalid("publish.mqtt.broker", "required when enabled")
		}
		if m.QoS < 0 || m.QoS > 2 {
			return config.Invalid("publish.mqtt.qos", "must be 0, 1 or 2")
		}
	}
	return nil
}
