package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fleetcommand.gg/internal/events"
)

func main() {
	var (
		dir     = flag.String("dir", "./data/events", "journal dir containing events-*.jsonl.zst")
		topic   = flag.String("topic", "", "only print events with this topic")
		orderID = flag.String("order", "", "only print events for this order id")
		quiet   = flag.Bool("summary", false, "print only the per-topic summary")
	)
	flag.Parse()

	files, err := listJournalFiles(*dir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list journal:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no journal files found in", *dir)
		os.Exit(1)
	}

	out := io.Writer(os.Stdout)
	if *quiet {
		out = io.Discard
	}
	sum := newSummary()
	f := filter{topic: strings.TrimSpace(*topic), orderID: strings.TrimSpace(*orderID)}
	for _, path := range files {
		if err := scanFile(path, f, sum, out); err != nil {
			fmt.Fprintln(os.Stderr, "scan:", err)
			os.Exit(1)
		}
	}
	sum.print(os.Stdout)
	if dups := sum.duplicateCompletions(); len(dups) > 0 {
		fmt.Fprintf(os.Stderr, "orders completed more than once: %s\n", strings.Join(dups, ","))
		os.Exit(1)
	}
}

func listJournalFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "events-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}

type filter struct {
	topic   string
	orderID string
}

type entry struct {
	Topic   string `json:"topic"`
	OrderID string `json:"orderId"`
}

func scanFile(path string, f filter, sum *summary, out io.Writer) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	return events.ReadJournal(fh, func(line []byte) error {
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		sum.add(e)
		if f.topic != "" && e.Topic != f.topic {
			return nil
		}
		if f.orderID != "" && e.OrderID != f.orderID {
			return nil
		}
		_, err := fmt.Fprintln(out, string(line))
		return err
	})
}

type summary struct {
	byTopic     map[string]int
	completions map[string]int
}

func newSummary() *summary {
	return &summary{byTopic: map[string]int{}, completions: map[string]int{}}
}

func (s *summary) add(e entry) {
	s.byTopic[e.Topic]++
	if e.OrderID == "" {
		return
	}
	if e.Topic == events.TopicOrderApplied || e.Topic == events.TopicOrderRejected {
		s.completions[e.OrderID]++
	}
}

// duplicateCompletions lists orders with more than one applied/rejected event.
func (s *summary) duplicateCompletions() []string {
	var out []string
	for id, n := range s.completions {
		if n > 1 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (s *summary) print(w io.Writer) {
	topics := make([]string, 0, len(s.byTopic))
	for t := range s.byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		fmt.Fprintf(w, "%s=%d\n", t, s.byTopic[t])
	}
	fmt.Fprintf(w, "completed_orders=%d\n", len(s.completions))
}
