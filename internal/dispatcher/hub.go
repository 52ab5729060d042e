// Package dispatcher fans bus events out to connected stream clients.
package dispatcher

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"fleetcommand.gg/internal/bus"
	"fleetcommand.gg/internal/events"
)

// Conn is one live client. Send must not block for long; transports queue
// and return an error when the client cannot keep up.
type Conn interface {
	Send(data []byte) error
	Close() error
}

type Options struct {
	Topics []string
	Logger *log.Logger
}

type Stats struct {
	Clients   int
	Delivered uint64
	Dropped   uint64
	Received  uint64
}

// Hub holds the current connection set. Messages are delivered only to
// clients connected when they arrive; nothing is buffered for later ones.
type Hub struct {
	bus    bus.Bus
	topics []string
	logger *log.Logger

	mu     sync.RWMutex
	conns  map[Conn]struct{}
	closed bool

	received  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New(b bus.Bus, opts Options) *Hub {
	if len(opts.Topics) == 0 {
		opts.Topics = events.DispatchTopics
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Hub{
		bus:    b,
		topics: append([]string(nil), opts.Topics...),
		logger: opts.Logger,
		conns:  map[Conn]struct{}{},
	}
}

func (h *Hub) Topics() []string { return append([]string(nil), h.topics...) }

// Add registers c. Once Run has shut the hub down, c is closed instead and
// Add reports false.
func (h *Hub) Add(c Conn) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = c.Close()
		return false
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	return true
}

// Remove forgets c. It reports whether c was still registered.
func (h *Hub) Remove(c Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; !ok {
		return false
	}
	delete(h.conns, c)
	return true
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends data to every current connection. A failed send drops
// that connection and never affects the others.
func (h *Hub) Broadcast(data []byte) {
	h.received.Add(1)
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.Send(data); err != nil {
			h.dropped.Add(1)
			if h.Remove(c) {
				h.logger.Printf("dispatcher: drop client err=%v", err)
				_ = c.Close()
			}
			continue
		}
		h.delivered.Add(1)
	}
}

// Run subscribes to every topic and broadcasts until ctx is done. Each topic
// has its own loop so per-topic order is kept.
func (h *Hub) Run(ctx context.Context) error {
	subs := make([]bus.Subscription, 0, len(h.topics))
	for _, topic := range h.topics {
		s, err := h.bus.Subscribe(topic)
		if err != nil {
			for _, prev := range subs {
				_ = prev.Close()
			}
			return err
		}
		subs = append(subs, s)
	}

	var wg sync.WaitGroup
	for _, s := range subs {
		wg.Add(1)
		go func(s bus.Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case m, ok := <-s.Messages():
					if !ok {
						return
					}
					h.Broadcast(m.Data)
				}
			}
		}(s)
	}

	<-ctx.Done()
	for _, s := range subs {
		_ = s.Close()
	}
	wg.Wait()
	h.closeAll()
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = map[Conn]struct{}{}
	h.closed = true
	h.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

func (h *Hub) Stats() Stats {
	return Stats{
		Clients:   h.Count(),
		Received:  h.received.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}
