package bus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

type LocalOptions struct {
	// Buffer is the per-subscription channel capacity.
	Buffer int
	Logger *log.Logger
}

// Local fans messages out to in-process subscribers. A subscriber whose
// buffer is full misses the message; publishers never block.
type Local struct {
	buffer int
	logger *log.Logger

	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	closed bool

	dropped atomic.Uint64
}

func NewLocal(opts LocalOptions) *Local {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Local{
		buffer: opts.Buffer,
		logger: opts.Logger,
		subs:   map[string]map[*localSub]struct{}{},
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Local) Dropped() uint64 { return b.dropped.Load() }

func (b *Local) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[topic] {
		msg := Message{Topic: topic, Data: append([]byte(nil), data...)}
		select {
		case s.ch <- msg:
		default:
			b.dropped.Add(1)
			b.logger.Printf("bus: subscriber full, dropping topic=%s", topic)
		}
	}
	return nil
}

func (b *Local) Subscribe(topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	s := &localSub{bus: b, topic: topic, ch: make(chan Message, b.buffer)}
	if b.subs[topic] == nil {
		b.subs[topic] = map[*localSub]struct{}{}
	}
	b.subs[topic][s] = struct{}{}
	return s, nil
}

func (b *Local) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, set := range b.subs {
		for s := range set {
			s.closeLocked()
		}
		delete(b.subs, topic)
	}
	return nil
}

type localSub struct {
	bus   *Local
	topic string
	ch    chan Message
	done  bool
}

func (s *localSub) Messages() <-chan Message { return s.ch }

func (s *localSub) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set := s.bus.subs[s.topic]; set != nil {
		delete(set, s)
	}
	s.closeLocked()
	return nil
}

// closeLocked requires bus.mu held for writing.
func (s *localSub) closeLocked() {
	if s.done {
		return
	}
	s.done = true
	close(s.ch)
}
