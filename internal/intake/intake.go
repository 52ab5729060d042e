// Package intake validates and persists submitted orders.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fleetcommand.gg/internal/events"
	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
	"fleetcommand.gg/internal/sim"
	"fleetcommand.gg/internal/telemetry"
)

// Ledger resolves idempotency keys to order ids.
type Ledger interface {
	LookupOrAssign(ctx context.Context, key string) (orderID string, existed bool, err error)
}

// WorldChecker answers reference checks for move orders.
type WorldChecker interface {
	FleetExists(ctx context.Context, id string) (bool, error)
	SystemExists(ctx context.Context, id string) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type Request struct {
	Kind     string
	Payload  json.RawMessage
	IdemKey  string
	EmpireID string
}

type Receipt struct {
	OrderID    string    `json:"orderId"`
	TargetTurn int       `json:"targetTurn"`
	Delta      sim.Delta `json:"delta"`
	// Duplicate is set when the idempotency key matched an existing order.
	Duplicate bool `json:"-"`
}

type Options struct {
	Ledger    Ledger
	Orders    store.OrderStore
	World     WorldChecker // optional; nil skips reference checks
	Simulator sim.Simulator
	Publisher Publisher
	Logger    *log.Logger
}

type Intake struct {
	ledger Ledger
	orders store.OrderStore
	world  WorldChecker
	sim    sim.Simulator
	pub    Publisher
	logger *log.Logger
}

func New(opts Options) (*Intake, error) {
	if opts.Ledger == nil || opts.Orders == nil || opts.Publisher == nil {
		return nil, errors.New("intake: ledger, orders and publisher are required")
	}
	if opts.Simulator == nil {
		opts.Simulator = sim.Core{}
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Intake{
		ledger: opts.Ledger,
		orders: opts.Orders,
		world:  opts.World,
		sim:    opts.Simulator,
		pub:    opts.Publisher,
		logger: opts.Logger,
	}, nil
}

// Submit validates req, binds it to an order id and persists it as accepted.
// Resubmitting an idempotency key returns the original order's receipt and
// leaves the stored order untouched.
func (in *Intake) Submit(ctx context.Context, req Request) (Receipt, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "intake.submit")
	defer span.End()
	span.SetAttributes(attribute.String("order.kind", req.Kind))

	rc, err := in.submit(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}
	span.SetAttributes(
		attribute.String("order.id", rc.OrderID),
		attribute.Bool("order.duplicate", rc.Duplicate),
	)
	return rc, nil
}

func (in *Intake) submit(ctx context.Context, req Request) (Receipt, error) {
	kind := orders.Kind(strings.TrimSpace(req.Kind))
	cmd, err := orders.ParseCommand(kind, req.Payload)
	if err != nil {
		return Receipt{}, err
	}
	if err := in.checkReferences(ctx, cmd); err != nil {
		return Receipt{}, err
	}

	id, existed, err := in.ledger.LookupOrAssign(ctx, req.IdemKey)
	if err != nil {
		return Receipt{}, orders.StorageError("resolve idempotency key", err)
	}
	if existed {
		prev, err := in.orders.GetOrder(ctx, id)
		switch {
		case err == nil:
			return in.receiptFor(prev, false), nil
		case errors.Is(err, orders.ErrNotFound):
			// Key reserved by a submit that died before persisting; finish it.
		default:
			return Receipt{}, orders.StorageError("load order", err)
		}
	}

	payload := compact(req.Payload)
	o := orders.Order{
		ID:         id,
		EmpireID:   strings.TrimSpace(req.EmpireID),
		Kind:       kind,
		Payload:    payload,
		TargetTurn: orders.DefaultTargetTurn,
		IdemKey:    strings.TrimSpace(req.IdemKey),
		Status:     orders.StatusAccepted,
	}
	stored, created, err := in.orders.InsertOrder(ctx, o)
	if err != nil {
		return Receipt{}, orders.StorageError("persist order", err)
	}
	rc := in.receiptFor(stored, created)
	if created {
		if err := in.pub.Publish(ctx, events.TopicOrderReceipt, events.OrderReceipt{
			OrderID:    rc.OrderID,
			Status:     string(orders.StatusAccepted),
			TargetTurn: rc.TargetTurn,
			Delta:      rc.Delta,
		}); err != nil {
			in.logger.Printf("intake: publish receipt id=%s err=%v", rc.OrderID, err)
		}
	}
	return rc, nil
}

func (in *Intake) receiptFor(o orders.Order, created bool) Receipt {
	return Receipt{
		OrderID:    o.ID,
		TargetTurn: o.TargetTurn,
		Delta:      in.sim.Apply(sim.Envelope{Kind: string(o.Kind), Payload: o.Payload}),
		Duplicate:  !created,
	}
}

func (in *Intake) checkReferences(ctx context.Context, cmd orders.Command) error {
	mv, ok := cmd.(orders.MoveCommand)
	if !ok || in.world == nil {
		return nil
	}
	ok, err := in.world.FleetExists(ctx, mv.FleetID)
	if err != nil {
		return orders.StorageError("check fleet", err)
	}
	if !ok {
		return orders.Invalid("fleetId", fmt.Sprintf("unknown fleet %q", mv.FleetID))
	}
	ok, err = in.world.SystemExists(ctx, mv.ToSystemID)
	if err != nil {
		return orders.StorageError("check system", err)
	}
	if !ok {
		return orders.Invalid("toSystemId", fmt.Sprintf("unknown system %q", mv.ToSystemID))
	}
	return nil
}

func compact(raw json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return append(json.RawMessage(nil), raw...)
	}
	return buf.Bytes()
}
