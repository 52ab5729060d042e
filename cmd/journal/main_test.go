package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fleetcommand.gg/internal/events"
)

func writeJournal(t *testing.T, dir string, items ...any) {
	t.Helper()
	j := events.NewJournal(dir)
	for i := 0; i+1 < len(items); i += 2 {
		line, err := events.Encode(items[i].(string), items[i+1])
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if err := j.Append(line); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestScanFile_FiltersAndSummarises(t *testing.T) {
	dir := t.TempDir()
	writeJournal(t, dir,
		events.TopicOrderApplied, events.OrderApplied{OrderID: "o1", Status: "applied"},
		events.TopicFleetMoved, events.FleetMoved{FleetID: "f1", From: "a", To: "b", OrderID: "o1"},
		events.TopicOrderRejected, events.OrderRejected{OrderID: "o2", Reason: "insufficient_supply"},
	)
	// Unrelated files are ignored.
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	files, err := listJournalFiles(dir)
	if err != nil || len(files) == 0 {
		t.Fatalf("files=%v err=%v", files, err)
	}

	var out bytes.Buffer
	sum := newSummary()
	for _, f := range files {
		if err := scanFile(f, filter{orderID: "o1"}, sum, &out); err != nil {
			t.Fatalf("scan: %v", err)
		}
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines=%d want=2: %q", len(lines), out.String())
	}
	if !strings.Contains(lines[1], `"topic":"fleet.moved"`) {
		t.Fatalf("line=%s", lines[1])
	}
	if sum.byTopic[events.TopicOrderRejected] != 1 {
		t.Fatalf("summary=%v", sum.byTopic)
	}
	if d := sum.duplicateCompletions(); len(d) != 0 {
		t.Fatalf("dups=%v", d)
	}
}

func TestSummary_DuplicateCompletions(t *testing.T) {
	s := newSummary()
	s.add(entry{Topic: events.TopicOrderApplied, OrderID: "o1"})
	s.add(entry{Topic: events.TopicOrderRejected, OrderID: "o1"})
	s.add(entry{Topic: events.TopicOrderApplied, OrderID: "o2"})
	s.add(entry{Topic: events.TopicTurnTick})
	d := s.duplicateCompletions()
	if len(d) != 1 || d[0] != "o1" {
		t.Fatalf("dups=%v want=[o1]", d)
	}
	var buf bytes.Buffer
	s.print(&buf)
	if !strings.Contains(buf.String(), "completed_orders=2\n") {
		t.Fatalf("out=%s", buf.String())
	}
}
