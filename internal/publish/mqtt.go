package publish

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"locatorbot/internal/tracking"
)

type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	QoS         int
	Username    string
	Password    string
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTTSink publishes each sample to <prefix>/<owner>/<object>.
type MQTTSink struct {
	client mqttPublisher
	prefix string
	qos    byte
}

const mqttConnectTimeout = 10 * time.Second

func NewMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("publish: mqtt broker is required")
	}
	if cfg.QoS < 0 || cfg.QoS > 2 {
		return nil, fmt.Errorf("publish: mqtt qos must be 0, 1 or 2, got %d", cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "locatorbot"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("publish: mqtt connect to %s timed out", cfg.Broker)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("publish: mqtt connect: %w", err)
	}
	return newMQTTSink(client, cfg), nil
}

func newMQTTSink(c mqttPublisher, cfg MQTTConfig) *MQTTSink {
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "locatorbot"
	}
	return &MQTTSink{client: c, prefix: prefix, qos: byte(cfg.QoS)}
}

func (m *MQTTSink) Name() string { return "mqtt" }

// Topic returns the topic for one object. Wildcards and separators in the
// object name are replaced.
func (m *MQTTSink) Topic(ownerID int64, object string) string {
	safe := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(object)
	return m.prefix + "/" + strconv.FormatInt(ownerID, 10) + "/" + safe
}

func (m *MQTTSink) Publish(ctx context.Context, s tracking.Sample, tickID string) error {
	b, err := encode(s, tickID)
	if err != nil {
		return err
	}
	tok := m.client.Publish(m.Topic(s.OwnerID, s.Object), m.qos, false, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

func (m *MQTTSink) Close() error {
	m.client.Disconnect(250)
	return nil
}
