// Package httpapi is the public HTTP surface: order intake, order lookup,
// health, readiness and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"fleetcommand.gg/internal/intake"
	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/protocol"
)

type Submitter interface {
	Submit(ctx context.Context, req intake.Request) (intake.Receipt, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (orders.Order, error)
}

// ReadyCheck is one dependency probed by /readyz.
type ReadyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Intake  Submitter
	Orders  OrderReader
	Ready   []ReadyCheck
	Metrics func() Snapshot // nil disables /metrics
	Stream  http.Handler    // served at /v1/stream when set
	Logger  *log.Logger
}

func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	a := &api{opts: opts, log: opts.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", a.index)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /v1/health", func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /readyz", a.readyz)
	mux.HandleFunc("POST /v1/orders", a.submitOrder)
	mux.HandleFunc("GET /v1/orders/{id}", a.getOrder)
	if opts.Metrics != nil {
		mux.HandleFunc("GET /metrics", func(rw http.ResponseWriter, r *http.Request) {
			rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
			WriteMetrics(rw, opts.Metrics())
		})
	}
	if opts.Stream != nil {
		mux.Handle("GET /v1/stream", opts.Stream)
	}
	return mux
}

type api struct {
	opts Options
	log  *log.Logger
}

func (a *api) index(rw http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health":  "/v1/health",
		"ready":   "/readyz",
		"orders":  "/v1/orders",
		"order":   "/v1/orders/{id}",
		"metrics": "/metrics",
	}
	if a.opts.Stream != nil {
		endpoints["stream"] = "/v1/stream"
	}
	writeJSON(rw, http.StatusOK, protocol.Index{Service: "fleetcommand", Version: protocol.Version, Endpoint: endpoints})
}

func (a *api) readyz(rw http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	ready := true
	details := map[string]string{}
	for _, c := range a.opts.Ready {
		if err := c.Check(ctx); err != nil {
			ready = false
			details[c.Name] = err.Error()
			continue
		}
		details[c.Name] = "ok"
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(rw, status, map[string]any{"ready": ready, "details": details})
}

func (a *api) submitOrder(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, protocol.MaxBodyBytes))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			a.writeError(rw, orders.Invalid("", "body too large"))
			return
		}
		a.writeError(rw, orders.Invalid("", "unreadable body"))
		return
	}
	req, err := protocol.DecodeOrderRequest(body)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	rc, err := a.opts.Intake.Submit(r.Context(), intake.Request{
		Kind:     req.Kind,
		Payload:  req.Payload,
		EmpireID: req.EmpireID,
		IdemKey:  strings.TrimSpace(r.Header.Get(protocol.IdempotencyHeader)),
	})
	if err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, protocol.OrderReceipt{OrderID: rc.OrderID, TargetTurn: rc.TargetTurn, Delta: rc.Delta})
}

func (a *api) getOrder(rw http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		a.writeError(rw, orders.Invalid("id", "required"))
		return
	}
	o, err := a.opts.Orders.GetOrder(r.Context(), id)
	if err != nil {
		a.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, o)
}

func (a *api) writeError(rw http.ResponseWriter, err error) {
	body := protocol.NewErrorBody(err)
	status := http.StatusInternalServerError
	switch body.Error.Code {
	case protocol.ErrBadRequest:
		status = http.StatusBadRequest
	case protocol.ErrNotFound:
		status = http.StatusNotFound
	case protocol.ErrStorage:
		status = http.StatusServiceUnavailable
		rw.Header().Set("Retry-After", "1")
	}
	if status >= 500 {
		a.log.Printf("http: %s err=%v", body.Error.Code, err)
	}
	writeJSON(rw, status, body)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}
