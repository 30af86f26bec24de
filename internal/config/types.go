package config

// Config is the root of the config file. Keys are identical in JSON and YAML.

type Config struct {
	Telegram  TelegramConfig  `json:"telegram" yaml:"telegram"`
	Logging   LoggingConfig   `json:"logging" yaml:"logging"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Provider  ProviderConfig  `json:"provider" yaml:"provider"`
	Poller    PollerConfig    `json:"poller" yaml:"poller"`
	Retention RetentionConfig `json:"retention,omitempty" yaml:"retention,omitempty"`
	HTTP      HTTPConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	Publish   PublishConfig   `json:"publish,omitempty" yaml:"publish,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token" yaml:"token"`
	// AdminUserIDs may run operator commands (/poller). Anyone may register.
	AdminUserIDs []int64 `json:"admin_user_ids" yaml:"admin_user_ids"`
	// LogChat is the chat id that receives WARN+ log lines when logging.telegram is enabled.
	LogChat string `json:"log_chat" yaml:"log_chat"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout" yaml:"poll_timeout"`
}

type LoggingConfig struct {
	Level    string          `json:"level" yaml:"level"`
	Console  bool            `json:"console" yaml:"console"`
	File     LoggingFile     `json:"file" yaml:"file"`
	Telegram LoggingTelegram `json:"telegram" yaml:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	ThreadID   int    `json:"thread_id" yaml:"thread_id"`
	MinLevel   string `json:"min_level" yaml:"min_level"`
	RatePerSec int    `json:"rate_per_sec" yaml:"rate_per_sec"`
}

// StorageConfig selects the persistence gateway.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/locator.db" }
type StorageConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	Path        string `json:"path" yaml:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ProviderConfig tunes the location-sharing HTTP client.
type ProviderConfig struct {
	// BaseURL overrides the location sharing endpoint (tests, proxies).
	BaseURL    string  `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Timeout    string  `json:"timeout,omitempty" yaml:"timeout,omitempty"` // per call, default "15s"
	RatePerSec float64 `json:"rate_per_sec,omitempty" yaml:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty" yaml:"burst,omitempty"`
	UserAgent  string  `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
}

// PollerConfig controls the adaptive poller.
type PollerConfig struct {
	Tick string `json:"tick,omitempty" yaml:"tick,omitempty"` // default "1s"
	// MinWriteDistanceM is the movement (meters) a poll must exceed to persist a sample.
	MinWriteDistanceM float64              `json:"min_write_distance_m,omitempty" yaml:"min_write_distance_m,omitempty"`
	FailureBackoff    FailureBackoffConfig `json:"failure_backoff,omitempty" yaml:"failure_backoff,omitempty"`
}

// FailureBackoffConfig is the per-owner retry policy after failed polls.
//
// Policy "none" (default) retries a failing owner on every tick.
// Policy "exponential" waits base*2^(n-1), capped at max, after the n-th
// consecutive failure.
type FailureBackoffConfig struct {
	Policy string `json:"policy,omitempty" yaml:"policy,omitempty"`
	Base   string `json:"base,omitempty" yaml:"base,omitempty"`
	Max    string `json:"max,omitempty" yaml:"max,omitempty"`
}

// RetentionConfig prunes old samples on a cron schedule.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty"` // cron expression or descriptor, default "@daily"
	MaxAge   string `json:"max_age,omitempty" yaml:"max_age,omitempty"`  // Go duration string, e.g. "720h"
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// HTTPConfig controls the status/metrics HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Addr          string `json:"addr,omitempty" yaml:"addr,omitempty"`
	Token         string `json:"token,omitempty" yaml:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty" yaml:"allow_insecure,omitempty"`
	// Pprof exposes net/http/pprof under /debug/pprof (token protected).
	Pprof bool `json:"pprof,omitempty" yaml:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
}

// PublishConfig forwards written samples to external brokers.
type PublishConfig struct {
	Kafka KafkaConfig `json:"kafka,omitempty" yaml:"kafka,omitempty"`
	MQTT  MQTTConfig  `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers,omitempty" yaml:"brokers,omitempty"`
	Topic   string   `json:"topic,omitempty" yaml:"topic,omitempty"`
	Acks    int      `json:"acks,omitempty" yaml:"acks,omitempty"`
}

type MQTTConfig struct {
	Enabled     bool   `json:"enabled" yaml:"enabled"`
	Broker      string `json:"broker,omitempty" yaml:"broker,omitempty"` // e.g. "tcp://127.0.0.1:1883"
	ClientID    string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"`
	QoS         int    `json:"qos,omitempty" yaml:"qos,omitempty"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
}
