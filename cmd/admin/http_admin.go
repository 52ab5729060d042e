package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"fleetcommand.gg/internal/protocol"
)

func readyCmd(args []string) {
	fs := flag.NewFlagSet("ready", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/readyz"
	cl := &http.Client{Timeout: 5 * time.Second}
	resp, err := cl.Get(u)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Print(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func submitCmd(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	kind := fs.String("kind", "", "order kind (required)")
	payload := fs.String("payload", "{}", "order payload json object")
	key := fs.String("key", "", "idempotency key (optional)")
	_ = fs.Parse(args)

	body, err := buildOrderBody(*kind, *payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	u := strings.TrimRight(strings.TrimSpace(*baseURL), "/") + "/v1/orders"
	req, _ := http.NewRequest(http.MethodPost, u, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if k := strings.TrimSpace(*key); k != "" {
		req.Header.Set(protocol.IdempotencyHeader, k)
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Print(string(b))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

// buildOrderBody checks the order locally so obvious mistakes never reach
// the server.
func buildOrderBody(kind, payload string) ([]byte, error) {
	body, err := json.Marshal(map[string]any{
		"kind":    strings.TrimSpace(kind),
		"payload": json.RawMessage(strings.TrimSpace(payload)),
	})
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if _, err := protocol.DecodeOrderRequest(body); err != nil {
		return nil, err
	}
	return body, nil
}
