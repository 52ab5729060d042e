package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetcommand.gg/internal/bus"
	"fleetcommand.gg/internal/sim"
)

func TestEncode_AddsTopic(t *testing.T) {
	b, err := Encode(TopicFleetMoved, FleetMoved{FleetID: "f1", From: "sys-1", To: "sys-2", OrderID: "o1"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"topic":"fleet.moved","fleetId":"f1","from":"sys-1","to":"sys-2","orderId":"o1"}`
	if string(b) != want {
		t.Fatalf("got=%s want=%s", b, want)
	}

	b, err = Encode(TopicTurnTick, struct{}{})
	if err != nil {
		t.Fatalf("encode empty: %v", err)
	}
	if string(b) != `{"topic":"turn.tick"}` {
		t.Fatalf("got=%s", b)
	}

	if _, err := Encode("x", []int{1}); err == nil {
		t.Fatalf("expected error for non-object payload")
	}
}

func TestPublisher_PublishesToBus(t *testing.T) {
	b := bus.NewLocal(bus.LocalOptions{Logger: log.New(io.Discard, "", 0)})
	defer b.Close()
	sub, _ := b.Subscribe(TopicOrderReceipt)
	p := NewPublisher(b, PublisherOptions{Logger: log.New(io.Discard, "", 0)})

	err := p.Publish(context.Background(), TopicOrderReceipt, OrderReceipt{
		OrderID: "o1", Status: "accepted", TargetTurn: 1, Delta: sim.Delta{Applied: true, Notes: "moved one step"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	m := <-sub.Messages()
	var got map[string]any
	if err := json.Unmarshal(m.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["topic"] != TopicOrderReceipt || got["orderId"] != "o1" || got["targetTurn"] != float64(1) {
		t.Fatalf("got=%v", got)
	}
	delta, _ := got["delta"].(map[string]any)
	if delta["applied"] != true || delta["notes"] != "moved one step" {
		t.Fatalf("delta=%v", delta)
	}
	if p.Published() != 1 || p.Failures() != 0 {
		t.Fatalf("published=%d failures=%d", p.Published(), p.Failures())
	}
}

func TestPublisher_BusFailureIsReported(t *testing.T) {
	b := bus.NewLocal(bus.LocalOptions{})
	_ = b.Close()
	p := NewPublisher(b, PublisherOptions{Logger: log.New(io.Discard, "", 0)})
	err := p.Publish(context.Background(), TopicOrderApplied, OrderApplied{OrderID: "o1", Status: "applied"})
	if !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	if p.Failures() != 1 || p.Published() != 0 {
		t.Fatalf("failures=%d published=%d", p.Failures(), p.Published())
	}
}

func TestJournal_AppendRotateRead(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)
	now := time.Date(2026, 3, 4, 10, 59, 0, 0, time.UTC)
	j.now = func() time.Time { return now }
	var closed []string
	j.OnClose = func(path string) { closed = append(closed, filepath.Base(path)) }

	b := bus.NewLocal(bus.LocalOptions{})
	defer b.Close()
	p := NewPublisher(b, PublisherOptions{Sink: j, Logger: log.New(io.Discard, "", 0)})
	ctx := context.Background()
	_ = p.Publish(ctx, TopicOrderApplied, OrderApplied{OrderID: "o1", Status: "applied"})
	_ = p.Publish(ctx, TopicOrderRejected, OrderRejected{OrderID: "o2", Reason: "insufficient_supply"})
	now = now.Add(2 * time.Minute)
	_ = p.Publish(ctx, TopicOrderApplied, OrderApplied{OrderID: "o3", Status: "applied"})
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	read := func(hour string) []string {
		f, err := os.Open(j.PathForHour(hour))
		if err != nil {
			t.Fatalf("open %s: %v", hour, err)
		}
		defer f.Close()
		var lines []string
		if err := ReadJournal(f, func(line []byte) error {
			lines = append(lines, string(line))
			return nil
		}); err != nil {
			t.Fatalf("read: %v", err)
		}
		return lines
	}
	first := read("2026-03-04-10")
	if len(first) != 2 {
		t.Fatalf("lines=%d want=2: %v", len(first), first)
	}
	if first[1] != `{"topic":"order.rejected","orderId":"o2","reason":"insufficient_supply"}` {
		t.Fatalf("line=%s", first[1])
	}
	if second := read("2026-03-04-11"); len(second) != 1 {
		t.Fatalf("second hour lines=%d want=1", len(second))
	}
	name10 := filepath.Base(j.PathForHour("2026-03-04-10"))
	name11 := filepath.Base(j.PathForHour("2026-03-04-11"))
	if !strings.HasPrefix(name10, "events-2026-03-04-10-") || !strings.HasSuffix(name10, ".jsonl.zst") {
		t.Fatalf("name=%s", name10)
	}
	if len(closed) != 2 || closed[0] != name10 || closed[1] != name11 {
		t.Fatalf("closed=%v", closed)
	}
}

func TestJournal_RestartWithinHourUsesNewFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 4, 10, 5, 0, 0, time.UTC)
	var paths []string
	for _, id := range []string{"o1", "o2"} {
		j := NewJournal(dir)
		j.now = func() time.Time { return now }
		j.OnClose = func(path string) { paths = append(paths, path) }
		line, err := Encode(TopicOrderApplied, OrderApplied{OrderID: id, Status: "applied"})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := j.Append(line); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := j.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if len(paths) != 2 || paths[0] == paths[1] {
		t.Fatalf("paths=%v want two distinct files", paths)
	}
	if filepath.Base(paths[0]) >= filepath.Base(paths[1]) {
		t.Fatalf("names not ordered by run: %v", paths)
	}
}
