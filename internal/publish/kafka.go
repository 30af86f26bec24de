package publish

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"locatorbot/internal/tracking"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// Acks: -1 waits for all replicas, anything else for the leader only.
	Acks int
}

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes samples keyed by owner and object, so one object's
// samples stay ordered within a partition.
type KafkaSink struct {
	w kafkaWriter
}

func NewKafka(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("publish: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("publish: kafka topic is required")
	}
	acks := kafka.RequireOne
	if cfg.Acks < 0 {
		acks = kafka.RequireAll
	}
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: acks,
		BatchTimeout: 50 * time.Millisecond,
	}}, nil
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, s tracking.Sample, tickID string) error {
	b, err := encode(s, tickID)
	if err != nil {
		return err
	}
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(s.OwnerID, 10) + "/" + s.Object),
		Value: b,
		Time:  s.Timestamp,
	})
}

func (k *KafkaSink) Close() error { return k.w.Close() }
