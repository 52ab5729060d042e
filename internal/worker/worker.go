// Package worker drains the order queue and applies orders to the world.
package worker

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fleetcommand.gg/internal/events"
	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
	"fleetcommand.gg/internal/telemetry"
)

const (
	DefaultInterval  = time.Second
	DefaultBatchSize = 1
	DefaultMaxSupply = int64(1_000_000)
)

// Rejection reasons recorded on orders and sent in order.rejected.
const (
	ReasonInsufficientSupply = "insufficient_supply"
	ReasonFleetNotFound      = "fleet_not_found"
	ReasonInvalidPayload     = "invalid_payload"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type Options struct {
	Queue     store.Queue
	Publisher Publisher
	Logger    *log.Logger

	Interval  time.Duration
	BatchSize int
	// MaxSupply caps fleet supply after a resupply.
	MaxSupply int64
	// Kinds the worker claims. Kinds other than move and resupply complete
	// as applied without touching the world.
	Kinds []orders.Kind
	// TurnTickInterval > 0 publishes turn.tick heartbeats while running.
	TurnTickInterval time.Duration
	Now              func() time.Time
}

type Stats struct {
	Ticks       uint64
	Applied     uint64
	Rejected    uint64
	Failures    uint64
	IdleTicks   uint64
	LastApplied int64
}

type Worker struct {
	queue  store.Queue
	pub    Publisher
	logger *log.Logger
	opts   Options

	ticks       atomic.Uint64
	applied     atomic.Uint64
	rejected    atomic.Uint64
	failures    atomic.Uint64
	idle        atomic.Uint64
	lastApplied atomic.Int64
}

func New(opts Options) (*Worker, error) {
	if opts.Queue == nil || opts.Publisher == nil {
		return nil, errors.New("worker: queue and publisher are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MaxSupply <= 0 {
		opts.MaxSupply = DefaultMaxSupply
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = orders.WorkerKinds
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{queue: opts.Queue, pub: opts.Publisher, logger: opts.Logger, opts: opts}, nil
}

// Run ticks until ctx is done. A tick in progress when ctx is cancelled runs
// to completion before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	if w.opts.TurnTickInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runTurnTicks(ctx)
		}()
	}
	defer wg.Wait()

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := w.Tick(context.WithoutCancel(ctx)); err != nil {
				w.logger.Printf("worker: tick err=%v", err)
			}
		}
	}
}

func (w *Worker) runTurnTicks(ctx context.Context) {
	t := time.NewTicker(w.opts.TurnTickInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.pub.Publish(ctx, events.TopicTurnTick, events.TurnTick{TS: w.opts.Now().UnixMilli()}); err != nil {
				w.logger.Printf("worker: publish turn tick err=%v", err)
			}
		}
	}
}

// Tick applies up to BatchSize orders and returns how many were completed.
// An empty queue is not an error.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	w.ticks.Add(1)
	n := 0
	for n < w.opts.BatchSize {
		ok, err := w.ApplyOne(ctx)
		if err != nil {
			return n, err
		}
		if !ok {
			break
		}
		n++
	}
	if n == 0 {
		w.idle.Add(1)
	}
	return n, nil
}

type pending struct {
	topic   string
	payload any
}

// ApplyOne claims and applies a single order. ok is false when the queue
// had nothing claimable. On error the order stays accepted.
func (w *Worker) ApplyOne(ctx context.Context) (bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "worker.apply")
	defer span.End()

	var evs []pending
	o, ok, err := w.queue.ClaimAndApply(ctx, w.opts.Kinds, func(ctx context.Context, tx store.WorldTx, o orders.Order) (store.Outcome, error) {
		out, fleetEvents, err := w.apply(ctx, tx, o)
		if err != nil {
			return store.Outcome{}, err
		}
		evs = fleetEvents
		return out, nil
	})
	if err != nil {
		w.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ok {
			w.logger.Printf("worker: apply order id=%s kind=%s err=%v", o.ID, o.Kind, err)
		}
		return false, err
	}
	if !ok {
		return false, nil
	}
	span.SetAttributes(
		attribute.String("order.id", o.ID),
		attribute.String("order.kind", string(o.Kind)),
		attribute.String("order.status", string(o.Status)),
	)

	// Committed; only now is the outcome visible to anyone.
	switch o.Status {
	case orders.StatusApplied:
		w.applied.Add(1)
		w.lastApplied.Store(w.opts.Now().UnixMilli())
		evs = append(evs, pending{events.TopicOrderApplied, events.OrderApplied{OrderID: o.ID, Status: string(orders.StatusApplied)}})
	case orders.StatusRejected:
		w.rejected.Add(1)
		evs = append(evs, pending{events.TopicOrderRejected, events.OrderRejected{OrderID: o.ID, Reason: o.Reason}})
	}
	for _, ev := range evs {
		if err := w.pub.Publish(ctx, ev.topic, ev.payload); err != nil {
			w.logger.Printf("worker: publish topic=%s order=%s err=%v", ev.topic, o.ID, err)
		}
	}
	return true, nil
}

func (w *Worker) apply(ctx context.Context, tx store.WorldTx, o orders.Order) (store.Outcome, []pending, error) {
	cmd, err := orders.ParseCommand(o.Kind, o.Payload)
	if err != nil {
		return rejected(ReasonInvalidPayload), nil, nil
	}
	switch c := cmd.(type) {
	case orders.MoveCommand:
		return w.applyMove(ctx, tx, o, c)
	case orders.ResupplyCommand:
		return w.applyResupply(ctx, tx, o, c)
	default:
		return store.Outcome{Status: orders.StatusApplied}, nil, nil
	}
}

func (w *Worker) applyMove(ctx context.Context, tx store.WorldTx, o orders.Order, c orders.MoveCommand) (store.Outcome, []pending, error) {
	f, found, err := tx.GetFleet(ctx, c.FleetID)
	if err != nil {
		return store.Outcome{}, nil, err
	}
	if !found {
		return store.Outcome{Status: orders.StatusApplied}, nil, nil
	}
	from := f.SystemID
	f.SystemID = c.ToSystemID
	if err := tx.UpdateFleet(ctx, f); err != nil {
		return store.Outcome{}, nil, err
	}
	return store.Outcome{Status: orders.StatusApplied}, []pending{{
		events.TopicFleetMoved,
		events.FleetMoved{FleetID: f.ID, From: from, To: f.SystemID, OrderID: o.ID},
	}}, nil
}

func (w *Worker) applyResupply(ctx context.Context, tx store.WorldTx, o orders.Order, c orders.ResupplyCommand) (store.Outcome, []pending, error) {
	f, found, err := tx.GetFleet(ctx, c.FleetID)
	if err != nil {
		return store.Outcome{}, nil, err
	}
	if !found {
		return rejected(ReasonFleetNotFound), nil, nil
	}
	next, ok := ResupplyResult(f.Supply, c.Amount, w.opts.MaxSupply)
	if !ok {
		return rejected(ReasonInsufficientSupply), nil, nil
	}
	f.Supply = next
	if err := tx.UpdateFleet(ctx, f); err != nil {
		return store.Outcome{}, nil, err
	}
	return store.Outcome{Status: orders.StatusApplied}, []pending{{
		events.TopicFleetResupplied,
		events.FleetResupplied{FleetID: f.ID, Amount: c.Amount, NewSupply: next, OrderID: o.ID},
	}}, nil
}

// ResupplyResult returns supply+amount when it stays within [0, max].
func ResupplyResult(supply, amount, max int64) (int64, bool) {
	if amount > 0 && supply > math.MaxInt64-amount {
		return 0, false
	}
	if amount < 0 && supply < math.MinInt64-amount {
		return 0, false
	}
	next := supply + amount
	if next < 0 || next > max {
		return 0, false
	}
	return next, true
}

func rejected(reason string) store.Outcome {
	return store.Outcome{Status: orders.StatusRejected, Reason: reason}
}

func (w *Worker) Stats() Stats {
	return Stats{
		Ticks:       w.ticks.Load(),
		Applied:     w.applied.Load(),
		Rejected:    w.rejected.Load(),
		Failures:    w.failures.Load(),
		IdleTicks:   w.idle.Load(),
		LastApplied: w.lastApplied.Load(),
	}
}
