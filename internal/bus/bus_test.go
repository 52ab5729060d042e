package bus

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"testing"
	"time"
)

func recv(t *testing.T, s Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		if !ok {
			t.Fatalf("subscription closed")
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
	}
	return Message{}
}

func TestLocal_FanOutPerTopic(t *testing.T) {
	b := NewLocal(LocalOptions{Logger: log.New(io.Discard, "", 0)})
	defer b.Close()
	a1, _ := b.Subscribe("order.applied")
	a2, _ := b.Subscribe("order.applied")
	other, _ := b.Subscribe("fleet.moved")

	if err := b.Publish(context.Background(), "order.applied", []byte(`{"orderId":"o1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for _, s := range []Subscription{a1, a2} {
		m := recv(t, s)
		if m.Topic != "order.applied" || string(m.Data) != `{"orderId":"o1"}` {
			t.Fatalf("msg=%+v", m)
		}
	}
	select {
	case m := <-other.Messages():
		t.Fatalf("unexpected message on other topic: %+v", m)
	default:
	}
}

func TestLocal_FullSubscriberDrops(t *testing.T) {
	b := NewLocal(LocalOptions{Buffer: 1, Logger: log.New(io.Discard, "", 0)})
	defer b.Close()
	s, _ := b.Subscribe("t")
	ctx := context.Background()
	_ = b.Publish(ctx, "t", []byte("1"))
	_ = b.Publish(ctx, "t", []byte("2"))
	if got := b.Dropped(); got != 1 {
		t.Fatalf("dropped=%d want=1", got)
	}
	if m := recv(t, s); string(m.Data) != "1" {
		t.Fatalf("data=%s want=1", m.Data)
	}
}

func TestLocal_CloseEndsSubscriptions(t *testing.T) {
	b := NewLocal(LocalOptions{})
	s, _ := b.Subscribe("t")
	if err := s.Close(); err != nil {
		t.Fatalf("close sub: %v", err)
	}
	if _, ok := <-s.Messages(); ok {
		t.Fatalf("expected closed channel")
	}
	s2, _ := b.Subscribe("t")
	_ = b.Close()
	if _, ok := <-s2.Messages(); ok {
		t.Fatalf("expected closed channel after bus close")
	}
	if err := b.Publish(context.Background(), "t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if _, err := b.Subscribe("t"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	_ = s.Close()
}

func TestOpen_DefaultsToLocal(t *testing.T) {
	b, err := Open("", 0, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	if _, ok := b.(*Local); !ok {
		t.Fatalf("bus=%T want *Local", b)
	}
}

func TestNATS_RoundTrip(t *testing.T) {
	url := os.Getenv("FLEETCOMMAND_TEST_NATS_URL")
	if url == "" {
		t.Skip("FLEETCOMMAND_TEST_NATS_URL not set")
	}
	b, err := Open(url, 0, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()
	s, err := b.Subscribe("fleet.moved")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer s.Close()
	if err := b.Publish(context.Background(), "fleet.moved", []byte(`{"fleetId":"f1"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if m := recv(t, s); string(m.Data) != `{"fleetId":"f1"}` {
		t.Fatalf("data=%s", m.Data)
	}
}
