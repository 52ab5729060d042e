package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcommand.gg/internal/bus"
	"fleetcommand.gg/internal/dispatcher"
	"fleetcommand.gg/internal/events"
	"fleetcommand.gg/internal/intake"
	"fleetcommand.gg/internal/ledger"
	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/memstore"
	"fleetcommand.gg/internal/protocol"
	"fleetcommand.gg/internal/worker"
)

var quiet = log.New(io.Discard, "", 0)

type fixture struct {
	h     http.Handler
	srv   *httptest.Server
	store *memstore.Store
	pub   *events.Publisher
}

func newFixture(t *testing.T, ready ...ReadyCheck) *fixture {
	t.Helper()
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.UpsertSystem(ctx, orders.System{ID: "sys-1"}))
	require.NoError(t, st.UpsertSystem(ctx, orders.System{ID: "sys-2"}))
	require.NoError(t, st.UpsertFleet(ctx, orders.Fleet{ID: "f1", SystemID: "sys-1", Supply: 100}))

	b := bus.NewLocal(bus.LocalOptions{Logger: quiet})
	t.Cleanup(func() { _ = b.Close() })
	pub := events.NewPublisher(b, events.PublisherOptions{Logger: quiet})
	in, err := intake.New(intake.Options{
		Ledger:    ledger.New(st),
		Orders:    st,
		World:     st,
		Publisher: pub,
		Logger:    quiet,
	})
	require.NoError(t, err)

	if len(ready) == 0 {
		ready = []ReadyCheck{{Name: "store", Check: st.Ping}}
	}
	h := NewHandler(Options{
		Intake: in,
		Orders: st,
		Ready:  ready,
		Metrics: func() Snapshot {
			return Snapshot{
				WorkerEnabled:   true,
				Worker:          worker.Stats{Ticks: 3, Applied: 2, Rejected: 1},
				Dispatcher:      dispatcher.Stats{Clients: 4},
				EventsPublished: pub.Published(),
				BusDropped:      b.Dropped(),
			}
		},
		Logger: quiet,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{h: h, srv: srv, store: st, pub: pub}
}

func (f *fixture) post(t *testing.T, body, key string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/v1/orders", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(protocol.IdempotencyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decodeError(t *testing.T, data []byte) protocol.ErrorDetail {
	t.Helper()
	var body protocol.ErrorBody
	require.NoError(t, json.Unmarshal(data, &body))
	return body.Error
}

func TestSubmitOrder_Accepted(t *testing.T) {
	f := newFixture(t)
	resp, data := f.post(t, `{"kind":"move","payload":{"fleetId":"f1","toSystemId":"sys-2"}}`, "k-1")
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))

	var rc protocol.OrderReceipt
	require.NoError(t, json.Unmarshal(data, &rc))
	assert.NotEmpty(t, rc.OrderID)
	assert.Equal(t, 1, rc.TargetTurn)
	assert.True(t, rc.Delta.Applied)
	assert.Equal(t, "moved one step", rc.Delta.Notes)

	o, err := f.store.GetOrder(context.Background(), rc.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusAccepted, o.Status)
	assert.Equal(t, "k-1", o.IdemKey)
}

func TestSubmitOrder_IdempotentReplay(t *testing.T) {
	f := newFixture(t)
	body := `{"kind":"resupply","payload":{"fleetId":"f1","amount":20}}`
	_, first := f.post(t, body, "same")
	resp, second := f.post(t, body, "same")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var a, b protocol.OrderReceipt
	require.NoError(t, json.Unmarshal(first, &a))
	require.NoError(t, json.Unmarshal(second, &b))
	assert.Equal(t, a.OrderID, b.OrderID)

	list, err := f.store.ListOrders(context.Background(), "", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubmitOrder_BadRequests(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name  string
		body  string
		field string
	}{
		{"not json", `{"kind":`, ""},
		{"missing kind", `{"payload":{}}`, "kind"},
		{"empty kind", `{"kind":"","payload":{}}`, "kind"},
		{"payload not object", `{"kind":"move","payload":[1]}`, "payload"},
		{"move missing fleet", `{"kind":"move","payload":{"toSystemId":"sys-2"}}`, "fleetId"},
		{"resupply fractional", `{"kind":"resupply","payload":{"fleetId":"f1","amount":2.5}}`, "amount"},
		{"resupply zero", `{"kind":"resupply","payload":{"fleetId":"f1","amount":0}}`, "amount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, data := f.post(t, tc.body, "")
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
			detail := decodeError(t, data)
			assert.Equal(t, protocol.ErrBadRequest, detail.Code)
			if tc.field != "" {
				assert.Equal(t, tc.field, detail.Field)
			}
		})
	}
}

func TestSubmitOrder_UnknownReference(t *testing.T) {
	f := newFixture(t)
	resp, data := f.post(t, `{"kind":"move","payload":{"fleetId":"f1","toSystemId":"nowhere"}}`, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(data))
	detail := decodeError(t, data)
	assert.Equal(t, protocol.ErrBadRequest, detail.Code)
	assert.Equal(t, "toSystemId", detail.Field)
}

func TestSubmitOrder_BodyTooLarge(t *testing.T) {
	f := newFixture(t)
	big := `{"kind":"move","payload":{"pad":"` + strings.Repeat("x", protocol.MaxBodyBytes) + `"}}`
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(big)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, protocol.ErrBadRequest, decodeError(t, rec.Body.Bytes()).Code)
}

type failingIntake struct{ err error }

func (f failingIntake) Submit(context.Context, intake.Request) (intake.Receipt, error) {
	return intake.Receipt{}, f.err
}

func TestSubmitOrder_StorageUnavailable(t *testing.T) {
	st := memstore.New()
	h := NewHandler(Options{
		Intake: failingIntake{err: orders.StorageError("insert order", errors.New("disk full"))},
		Orders: st,
		Logger: quiet,
	})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(`{"kind":"resupply","payload":{"fleetId":"f1","amount":1}}`))
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
	detail := decodeError(t, rec.Body.Bytes())
	assert.Equal(t, protocol.ErrStorage, detail.Code)
	assert.NotContains(t, detail.Message, "disk full")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestSubmitOrder_UnexpectedError(t *testing.T) {
	h := NewHandler(Options{Intake: failingIntake{err: errors.New("boom")}, Orders: memstore.New(), Logger: quiet})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(`{"kind":"x","payload":{}}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, protocol.ErrInternal, decodeError(t, rec.Body.Bytes()).Code)
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t)
	_, data := f.post(t, `{"kind":"resupply","payload":{"fleetId":"f1","amount":5}}`, "")
	var rc protocol.OrderReceipt
	require.NoError(t, json.Unmarshal(data, &rc))

	resp, err := http.Get(f.srv.URL + "/v1/orders/" + rc.OrderID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var o orders.Order
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&o))
	assert.Equal(t, rc.OrderID, o.ID)
	assert.Equal(t, orders.KindResupply, o.Kind)

	missing, err := http.Get(f.srv.URL + "/v1/orders/nope")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestHealthAndIndex(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok", string(b))

	resp, err = http.Get(f.srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	var idx protocol.Index
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&idx))
	assert.Equal(t, protocol.Version, idx.Version)
	assert.Equal(t, "/v1/orders", idx.Endpoint["orders"])
	_, hasStream := idx.Endpoint["stream"]
	assert.False(t, hasStream)
}

func TestReadyz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newFixture(t, ReadyCheck{Name: "bus", Check: func(context.Context) error { return errors.New("no route") }})
	resp, err = http.Get(down.srv.URL + "/readyz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body struct {
		Ready   bool              `json:"ready"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.False(t, body.Ready)
	assert.Equal(t, "no route", body.Details["bus"])
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	f.post(t, `{"kind":"resupply","payload":{"fleetId":"f1","amount":5}}`, "")

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	text := string(b)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, text, "fleetcommand_worker_ticks_total 3\n")
	assert.Contains(t, text, `fleetcommand_orders_completed_total{status="applied"} 2`)
	assert.Contains(t, text, "fleetcommand_stream_clients 4\n")
	assert.Contains(t, text, "fleetcommand_events_published_total 1\n")
}
