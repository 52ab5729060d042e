// Package protocol holds the HTTP and stream wire shapes.
package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/sim"
)

const Version = "1.0"

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// MaxBodyBytes caps order submission bodies.
const MaxBodyBytes = 64 << 10

type OrderRequest struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	EmpireID string          `json:"empireId,omitempty"`
}

type OrderReceipt struct {
	OrderID    string    `json:"orderId"`
	TargetTurn int       `json:"targetTurn"`
	Delta      sim.Delta `json:"delta"`
}

// Index is served at / so clients can discover endpoints.
type Index struct {
	Service  string            `json:"service"`
	Version  string            `json:"version"`
	Endpoint map[string]string `json:"endpoints"`
}

//go:embed schema/order.schema.json
var orderSchemaJSON []byte

var (
	orderSchemaOnce sync.Once
	orderSchema     *jsonschema.Schema
	orderSchemaErr  error
)

func compiledOrderSchema() (*jsonschema.Schema, error) {
	orderSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("order.schema.json", bytes.NewReader(orderSchemaJSON)); err != nil {
			orderSchemaErr = fmt.Errorf("add order schema: %w", err)
			return
		}
		orderSchema, orderSchemaErr = c.Compile("order.schema.json")
	})
	return orderSchema, orderSchemaErr
}

// OrderSchema returns the raw embedded schema document.
func OrderSchema() []byte { return append([]byte(nil), orderSchemaJSON...) }

// DecodeOrderRequest validates body against the order schema and decodes
// it. Violations come back as *orders.InvalidRequestError.
func DecodeOrderRequest(body []byte) (OrderRequest, error) {
	s, err := compiledOrderSchema()
	if err != nil {
		return OrderRequest{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return OrderRequest{}, orders.Invalid("", "body must be valid JSON")
	}
	if err := s.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return OrderRequest{}, schemaViolation(ve)
		}
		return OrderRequest{}, orders.Invalid("", err.Error())
	}
	var req OrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return OrderRequest{}, orders.Invalid("", "body must be valid JSON")
	}
	return req, nil
}

var missingProp = regexp.MustCompile(`missing propert(?:y|ies): ['"]([^'"]+)['"]`)

func schemaViolation(ve *jsonschema.ValidationError) error {
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if m := missingProp.FindStringSubmatch(leaf.Message); m != nil {
		if field != "" {
			field += "."
		}
		field += m[1]
		return orders.Invalid(field, "required")
	}
	if field == "" {
		return orders.Invalid("", "body must be a JSON object")
	}
	return orders.Invalid(field, leaf.Message)
}
