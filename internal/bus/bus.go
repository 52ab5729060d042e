// Package bus carries published events from producers to the dispatcher.
// Local is the in-process default; NATS is used when a nats:// URL is set.
package bus

import (
	"context"
	"errors"
	"log"
	"strings"
)

var ErrClosed = errors.New("bus closed")

type Message struct {
	Topic string
	Data  []byte
}

type Subscription interface {
	// Messages is closed when the subscription or the bus is closed.
	Messages() <-chan Message
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, topic string, data []byte) error
	Subscribe(topic string) (Subscription, error)
	Close() error
}

// Open picks the backend from url: empty or "local" is in-process.
// buffer only applies to the in-process bus.
func Open(url string, buffer int, logger *log.Logger) (Bus, error) {
	url = strings.TrimSpace(url)
	if url == "" || url == "local" {
		return NewLocal(LocalOptions{Buffer: buffer, Logger: logger}), nil
	}
	return DialNATS(url, logger)
}
