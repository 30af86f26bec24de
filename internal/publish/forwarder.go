// Package publish forwards persisted location samples to external brokers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"locatorbot/internal/eventbus"
	"locatorbot/internal/tracking"
	logx "locatorbot/pkg/logx"
)

// Sink delivers one sample to a broker.
type Sink interface {
	Name() string
	Publish(ctx context.Context, s tracking.Sample, tickID string) error
	Close() error
}

// Recorder counts deliveries; *metrics.Metrics satisfies it.
type Recorder interface {
	Published(sink string, err error)
}

// Message is the JSON document written to every sink.
type Message struct {
	tracking.Sample
	TickID      string    `json:"tick_id,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

func encode(s tracking.Sample, tickID string) ([]byte, error) {
	b, err := json.Marshal(Message{Sample: s, TickID: tickID, PublishedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("publish: encode sample: %w", err)
	}
	return b, nil
}

// Forwarder subscribes to sample.written events and hands each sample to
// every sink. A slow sink delays the others; the bus drops what does not fit
// in the subscription buffer.
type Forwarder struct {
	bus     eventbus.Bus
	sinks   []Sink
	rec     Recorder
	log     logx.Logger
	timeout time.Duration
	buffer  int
}

func NewForwarder(bus eventbus.Bus, sinks []Sink, rec Recorder, log logx.Logger) *Forwarder {
	return &Forwarder{
		bus:     bus,
		sinks:   sinks,
		rec:     rec,
		log:     log.With(logx.String("comp", "publish")),
		timeout: 10 * time.Second,
		buffer:  256,
	}
}

// Run forwards until ctx is canceled.
func (f *Forwarder) Run(ctx context.Context) error {
	if len(f.sinks) == 0 {
		return nil
	}
	ch, unsub := f.bus.Subscribe(f.buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.Type != eventbus.SampleWritten {
				continue
			}
			s, ok := ev.Data.(tracking.Sample)
			if !ok {
				continue
			}
			f.forward(ctx, s, ev.TickID)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, s tracking.Sample, tickID string) {
	for _, sink := range f.sinks {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		err := sink.Publish(cctx, s, tickID)
		cancel()
		if f.rec != nil {
			f.rec.Published(sink.Name(), err)
		}
		if err != nil {
			f.log.Warn("publish failed",
				logx.String("sink", sink.Name()),
				logx.Owner(s.OwnerID),
				logx.Object(s.Object),
				logx.Err(err),
			)
		}
	}
}

// Close closes every sink and returns the first error.
func (f *Forwarder) Close() error {
	var first error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", s.Name(), err)
		}
	}
	return first
}
