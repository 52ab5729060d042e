package bus

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

type NATS struct {
	nc     *nats.Conn
	logger *log.Logger
}

func DialNATS(url string, logger *log.Logger) (*NATS, error) {
	if logger == nil {
		logger = log.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("fleetcommand"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Printf("bus: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Printf("bus: nats reconnected url=%s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{nc: nc, logger: logger}, nil
}

func (b *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.nc.IsClosed() {
		return ErrClosed
	}
	if err := b.nc.Publish(topic, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATS) Subscribe(topic string) (Subscription, error) {
	in := make(chan *nats.Msg, 256)
	sub, err := b.nc.ChanSubscribe(topic, in)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	// Make the interest visible to the server before returning.
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	s := &natsSub{
		sub:  sub,
		out:  make(chan Message, 256),
		done: make(chan struct{}),
	}
	go s.pump(in)
	return s, nil
}

func (b *NATS) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}

type natsSub struct {
	sub  *nats.Subscription
	out  chan Message
	done chan struct{}
	once sync.Once
}

func (s *natsSub) pump(in <-chan *nats.Msg) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case m := <-in:
			select {
			case s.out <- Message{Topic: m.Subject, Data: m.Data}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSub) Messages() <-chan Message { return s.out }

func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}
