package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"fleetcommand.gg/internal/bus"
)

// Sink receives every encoded event. The journal is the only one today.
type Sink interface {
	Append(line []byte) error
}

type Publisher struct {
	bus    bus.Bus
	sink   Sink
	logger *log.Logger

	published atomic.Uint64
	failures  atomic.Uint64
}

type PublisherOptions struct {
	Sink   Sink
	Logger *log.Logger
}

func NewPublisher(b bus.Bus, opts PublisherOptions) *Publisher {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Publisher{bus: b, sink: opts.Sink, logger: opts.Logger}
}

// Publish encodes payload as a JSON object with a "topic" field and hands
// it to the bus. Callers treat the error as informational.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(topic, payload)
	if err != nil {
		p.failures.Add(1)
		return err
	}
	if p.sink != nil {
		if err := p.sink.Append(data); err != nil {
			p.logger.Printf("events: journal append topic=%s err=%v", topic, err)
		}
	}
	if err := p.bus.Publish(ctx, topic, data); err != nil {
		p.failures.Add(1)
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	p.published.Add(1)
	return nil
}

func (p *Publisher) Published() uint64 { return p.published.Load() }
func (p *Publisher) Failures() uint64  { return p.failures.Load() }

// Encode marshals payload, which must encode as a JSON object, and prefixes
// the topic field.
func Encode(topic string, payload any) ([]byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", topic, err)
	}
	b = bytes.TrimSpace(b)
	if len(b) < 2 || b[0] != '{' {
		return nil, fmt.Errorf("encode %s: payload must be an object", topic)
	}
	t, _ := json.Marshal(topic)
	var buf bytes.Buffer
	buf.Grow(len(b) + len(t) + 10)
	buf.WriteString(`{"topic":`)
	buf.Write(t)
	if rest := bytes.TrimSpace(b[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(b[1:])
	return buf.Bytes(), nil
}
