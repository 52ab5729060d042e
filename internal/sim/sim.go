// Package sim is the rules engine boundary used by order intake to preview the
// effect of an order. Implementations are pure: they never touch world state.
package sim

import (
	"encoding/json"
	"strings"
)

type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type Delta struct {
	Applied bool   `json:"applied"`
	Notes   string `json:"notes"`
}

type Simulator interface {
	Apply(env Envelope) Delta
}

// Core is the built-in rules engine.
type Core struct{}

func (Core) Apply(env Envelope) Delta {
	if strings.TrimSpace(env.Kind) == "" || !isObject(env.Payload) {
		return Delta{Applied: false, Notes: "invalid envelope"}
	}
	if env.Kind == "move" {
		return Delta{Applied: true, Notes: "moved one step"}
	}
	return Delta{Applied: false, Notes: "unsupported kind"}
}

// ApplyJSON runs the simulator over a JSON encoded envelope and returns the
// JSON encoded delta, the shape used by out-of-process rule engines.
func ApplyJSON(s Simulator, in []byte) []byte {
	var env Envelope
	var d Delta
	if err := json.Unmarshal(in, &env); err != nil {
		d = Delta{Applied: false, Notes: "invalid envelope"}
	} else {
		d = s.Apply(env)
	}
	b, _ := json.Marshal(d)
	return b
}

func isObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil && m != nil
}

// Func adapts a plain function to Simulator.
type Func func(env Envelope) Delta

func (f Func) Apply(env Envelope) Delta { return f(env) }
