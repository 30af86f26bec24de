package app

import (
	"strings"
	"testing"
	"time"

	"locatorbot/internal/config"
	"locatorbot/internal/poller"
)

func validConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc"},
		Storage:  config.StorageConfig{Driver: "sqlite", Path: "./data/locator.db"},
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "minimal"},
		{name: "memory storage", mutate: func(c *config.Config) { c.Storage = config.StorageConfig{Driver: "memory"} }},
		{name: "missing token", mutate: func(c *config.Config) { c.Telegram.Token = " " }, wantErr: "telegram.token"},
		{name: "bad poll timeout", mutate: func(c *config.Config) { c.Telegram.PollTimeout = "soon" }, wantErr: "telegram.poll_timeout"},
		{name: "bad log chat", mutate: func(c *config.Config) { c.Telegram.LogChat = "@ops" }, wantErr: "telegram.log_chat"},
		{name: "sqlite without path", mutate: func(c *config.Config) { c.Storage.Path = "" }, wantErr: "storage.path"},
		{name: "unknown driver", mutate: func(c *config.Config) { c.Storage.Driver = "mongo" }, wantErr: "storage.driver"},
		{name: "negative rate", mutate: func(c *config.Config) { c.Provider.RatePerSec = -1 }, wantErr: "provider.rate_per_sec"},
		{name: "unknown failure policy", mutate: func(c *config.Config) { c.Poller.FailureBackoff.Policy = "linear" }, wantErr: "failure policy"},
		{name: "negative distance", mutate: func(c *config.Config) { c.Poller.MinWriteDistanceM = -3 }, wantErr: "min_write_distance_m"},
		{name: "retention without max age", mutate: func(c *config.Config) { c.Retention.Enabled = true }, wantErr: "max_age"},
		{name: "retention bad schedule", mutate: func(c *config.Config) {
			c.Retention = config.RetentionConfig{Enabled: true, MaxAge: "720h", Schedule: "every day"}
		}, wantErr: "schedule"},
		{name: "retention ok", mutate: func(c *config.Config) {
			c.Retention = config.RetentionConfig{Enabled: true, MaxAge: "720h", Schedule: "0 3 * * *", Timezone: "UTC"}
		}},
		{name: "bad http timeout", mutate: func(c *config.Config) { c.HTTP.ReadTimeout = "-1s" }, wantErr: "http.read_timeout"},
		{name: "kafka without topic", mutate: func(c *config.Config) {
			c.Publish.Kafka = config.KafkaConfig{Enabled: true, Brokers: []string{"127.0.0.1:9092"}}
		}, wantErr: "publish.kafka"},
		{name: "mqtt bad qos", mutate: func(c *config.Config) {
			c.Publish.MQTT = config.MQTTConfig{Enabled: true, Broker: "tcp://127.0.0.1:1883", QoS: 3}
		}, wantErr: "qos"},
		{name: "disabled sinks are not checked", mutate: func(c *config.Config) {
			c.Publish.Kafka = config.KafkaConfig{Topic: "x"}
			c.Publish.MQTT = config.MQTTConfig{QoS: 9}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestMapPollerConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Poller = config.PollerConfig{
		Tick:              "2s",
		MinWriteDistanceM: 12,
		FailureBackoff:    config.FailureBackoffConfig{Policy: " Exponential ", Base: "5s", Max: "1m"},
	}
	pc, err := mapPollerConfig(cfg)
	if err != nil {
		t.Fatalf("mapPollerConfig: %v", err)
	}
	want := poller.Config{Tick: 2 * time.Second, MinWriteDistance: 12, Failure: poller.FailureExponential, BackoffBase: 5 * time.Second, BackoffMax: time.Minute}
	if pc != want {
		t.Fatalf("got %+v, want %+v", pc, want)
	}

	pc, err = mapPollerConfig(validConfig())
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if pc.Tick != poller.DefaultTick || pc.Failure != "" {
		t.Fatalf("defaults = %+v", pc)
	}
}

func TestMapHTTPConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.HTTP = config.HTTPConfig{Enabled: true, Addr: " 127.0.0.1:9000 ", Token: " s3cret "}
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		t.Fatalf("mapHTTPConfig: %v", err)
	}
	if hc.Addr != "127.0.0.1:9000" || hc.Token != "s3cret" {
		t.Fatalf("trimmed values = %q %q", hc.Addr, hc.Token)
	}
	if hc.ReadTimeout != 10*time.Second || hc.WriteTimeout != 30*time.Second || hc.IdleTimeout != time.Minute {
		t.Fatalf("timeouts = %s %s %s", hc.ReadTimeout, hc.WriteTimeout, hc.IdleTimeout)
	}
}
