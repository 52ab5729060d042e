package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"
)

func main() {
	var (
		url    = flag.String("url", "ws://localhost:8080/v1/stream", "stream url")
		topics = flag.String("topics", "", "comma-separated topics to print (default: all)")
		order  = flag.String("order", "", "only print events for this order id")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[watch] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	m := newMatcher(*topics, *order)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Printf("read: %v", err)
			}
			return
		}
		printEvent(os.Stdout, m, msg)
	}
}

type matcher struct {
	topics  map[string]bool
	orderID string
}

func newMatcher(topics, orderID string) matcher {
	m := matcher{orderID: strings.TrimSpace(orderID)}
	for _, t := range strings.Split(topics, ",") {
		if t = strings.TrimSpace(t); t != "" {
			if m.topics == nil {
				m.topics = map[string]bool{}
			}
			m.topics[t] = true
		}
	}
	return m
}

func (m matcher) match(topic, orderID string) bool {
	if m.topics != nil && !m.topics[topic] {
		return false
	}
	return m.orderID == "" || m.orderID == orderID
}

// printEvent writes "topic json" for matching events; undecodable frames are skipped.
func printEvent(w io.Writer, m matcher, msg []byte) bool {
	var head struct {
		Topic   string `json:"topic"`
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(msg, &head); err != nil || !m.match(head.Topic, head.OrderID) {
		return false
	}
	fmt.Fprintf(w, "%-16s %s\n", head.Topic, msg)
	return true
}
