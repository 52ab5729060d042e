package sim

import (
	"encoding/json"
	"testing"
)

func TestCore_Apply(t *testing.T) {
	var c Core
	cases := []struct {
		env  Envelope
		want Delta
	}{
		{Envelope{Kind: "move", Payload: json.RawMessage(`{"fleetId":"f1"}`)}, Delta{Applied: true, Notes: "moved one step"}},
		{Envelope{Kind: "resupply", Payload: json.RawMessage(`{"fleetId":"f1","amount":3}`)}, Delta{Applied: false, Notes: "unsupported kind"}},
		{Envelope{Kind: "", Payload: json.RawMessage(`{}`)}, Delta{Applied: false, Notes: "invalid envelope"}},
		{Envelope{Kind: "move", Payload: json.RawMessage(`[1]`)}, Delta{Applied: false, Notes: "invalid envelope"}},
	}
	for i, tc := range cases {
		if got := c.Apply(tc.env); got != tc.want {
			t.Fatalf("case %d: got=%+v want=%+v", i, got, tc.want)
		}
	}
}

func TestApplyJSON(t *testing.T) {
	out := ApplyJSON(Core{}, []byte(`{"kind":"move","payload":{"fleetId":"f1"}}`))
	if string(out) != `{"applied":true,"notes":"moved one step"}` {
		t.Fatalf("out=%s", out)
	}
	out = ApplyJSON(Core{}, []byte(`not json`))
	if string(out) != `{"applied":false,"notes":"invalid envelope"}` {
		t.Fatalf("out=%s", out)
	}
}

func TestFuncAdapter(t *testing.T) {
	called := false
	s := Func(func(env Envelope) Delta {
		called = true
		return Delta{Applied: env.Kind == "x"}
	})
	if d := s.Apply(Envelope{Kind: "x"}); !d.Applied || !called {
		t.Fatalf("adapter not invoked: %+v", d)
	}
}
