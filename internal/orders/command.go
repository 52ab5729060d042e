package orders

import (
	"bytes"
	"encoding/json"
	"math"
	"strings"
)

// Command is the validated, typed form of an order payload. The set of
// variants is closed; UnknownCommand carries kinds this build does not
// understand so they can still be accepted and completed as no-ops.
type Command interface {
	Kind() Kind
}

type MoveCommand struct {
	FleetID    string
	ToSystemID string
}

func (MoveCommand) Kind() Kind { return KindMove }

type ResupplyCommand struct {
	FleetID string
	Amount  int64
}

func (ResupplyCommand) Kind() Kind { return KindResupply }

type UnknownCommand struct {
	Name    Kind
	Payload json.RawMessage
}

func (c UnknownCommand) Kind() Kind { return c.Name }

// DecodeObject decodes raw as a JSON object, keeping numbers as json.Number.
func DecodeObject(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, Invalid("payload", "must be an object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil || m == nil {
		return nil, Invalid("payload", "must be an object")
	}
	return m, nil
}

// ParseCommand turns a stored or submitted payload into a Command.
// Field names are accepted in camel or snake case.
func ParseCommand(kind Kind, raw json.RawMessage) (Command, error) {
	if strings.TrimSpace(string(kind)) == "" {
		return nil, Invalid("kind", "must be a non-empty string")
	}
	fields, err := DecodeObject(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindMove:
		c := MoveCommand{
			FleetID:    stringField(fields, "fleetId", "fleet_id"),
			ToSystemID: stringField(fields, "toSystemId", "to_system_id"),
		}
		if c.FleetID == "" {
			return nil, Invalid("fleetId", "required")
		}
		if c.ToSystemID == "" {
			return nil, Invalid("toSystemId", "required")
		}
		return c, nil
	case KindResupply:
		c := ResupplyCommand{FleetID: stringField(fields, "fleetId", "fleet_id")}
		if c.FleetID == "" {
			return nil, Invalid("fleetId", "required")
		}
		amount, ok := intField(fields, "amount")
		if !ok {
			return nil, Invalid("amount", "must be an integer")
		}
		if amount <= 0 {
			return nil, Invalid("amount", "must be positive")
		}
		c.Amount = amount
		return c, nil
	default:
		return UnknownCommand{Name: kind, Payload: append(json.RawMessage(nil), raw...)}, nil
	}
}

func stringField(fields map[string]any, names ...string) string {
	for _, n := range names {
		if v, ok := fields[n].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func intField(fields map[string]any, name string) (int64, bool) {
	n, ok := fields[name].(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return i, true
	}
	// 20.0 is still an integer; 20.5 is not.
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f > math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}
