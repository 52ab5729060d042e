package protocol

import (
	"errors"
	"testing"

	"fleetcommand.gg/internal/orders"
)

func TestDecodeOrderRequest_Valid(t *testing.T) {
	req, err := DecodeOrderRequest([]byte(`{"kind":"move","payload":{"fleetId":"f1","toSystemId":"sys-2"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.Kind != "move" || string(req.Payload) != `{"fleetId":"f1","toSystemId":"sys-2"}` {
		t.Fatalf("req=%+v", req)
	}
}

func TestDecodeOrderRequest_Violations(t *testing.T) {
	cases := []struct {
		body  string
		field string
	}{
		{`not json`, ""},
		{`[]`, ""},
		{`{"payload":{}}`, "kind"},
		{`{"kind":"move"}`, "payload"},
		{`{"kind":"","payload":{}}`, "kind"},
		{`{"kind":7,"payload":{}}`, "kind"},
		{`{"kind":"move","payload":[1,2]}`, "payload"},
	}
	for _, tc := range cases {
		_, err := DecodeOrderRequest([]byte(tc.body))
		if !errors.Is(err, orders.ErrInvalidRequest) {
			t.Fatalf("body=%s err=%v want invalid request", tc.body, err)
		}
		var inv *orders.InvalidRequestError
		if !errors.As(err, &inv) {
			t.Fatalf("body=%s err=%T", tc.body, err)
		}
		if inv.Field != tc.field {
			t.Fatalf("body=%s field=%q want=%q", tc.body, inv.Field, tc.field)
		}
	}
}

func TestOrderSchemaEmbedded(t *testing.T) {
	if len(OrderSchema()) == 0 {
		t.Fatalf("schema not embedded")
	}
	if _, err := compiledOrderSchema(); err != nil {
		t.Fatalf("compile: %v", err)
	}
}
