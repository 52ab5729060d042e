// Package store defines the storage capabilities the order pipeline depends
// on. Implementations live in sibling packages: sqlitestore (default),
// pgstore and memstore.
package store

import (
	"context"
	"errors"

	"fleetcommand.gg/internal/orders"
)

// ErrNegativeSupply is returned when a fleet write would leave supply below zero.
var ErrNegativeSupply = errors.New("fleet supply must not be negative")

// KeyStore durably maps idempotency keys to order ids.
type KeyStore interface {
	// ReserveKey records key -> candidateID unless key is already mapped, and
	// returns the id the key maps to afterwards.
	ReserveKey(ctx context.Context, key, candidateID string) (orderID string, existed bool, err error)
}

type OrderStore interface {
	// InsertOrder persists o unless an order with the same id or idem key
	// already exists, in which case the existing row is returned untouched.
	InsertOrder(ctx context.Context, o orders.Order) (stored orders.Order, created bool, err error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	ListOrders(ctx context.Context, status orders.Status, limit int) ([]orders.Order, error)
}

type WorldStore interface {
	GetFleet(ctx context.Context, id string) (orders.Fleet, error)
	ListFleets(ctx context.Context, limit int) ([]orders.Fleet, error)
	ListSystems(ctx context.Context, limit int) ([]orders.System, error)
	FleetExists(ctx context.Context, id string) (bool, error)
	SystemExists(ctx context.Context, id string) (bool, error)
	UpsertFleet(ctx context.Context, f orders.Fleet) error
	UpsertSystem(ctx context.Context, s orders.System) error
}

// WorldTx is the transactional world view handed to an ApplyFunc. Reads see
// the transaction's own writes.
type WorldTx interface {
	GetFleet(ctx context.Context, id string) (orders.Fleet, bool, error)
	UpdateFleet(ctx context.Context, f orders.Fleet) error
}

// Outcome is the terminal status an ApplyFunc assigns to the claimed order.
type Outcome struct {
	Status orders.Status
	Reason string
}

type ApplyFunc func(ctx context.Context, tx WorldTx, o orders.Order) (Outcome, error)

// Queue hands out pending orders to apply workers.
type Queue interface {
	// ClaimAndApply claims the oldest accepted order whose kind is in kinds,
	// runs fn and persists its outcome, all in one transaction. ok is false
	// when nothing was pending. If fn or the store fails, the transaction is
	// rolled back and the order stays accepted.
	ClaimAndApply(ctx context.Context, kinds []orders.Kind, fn ApplyFunc) (claimed orders.Order, ok bool, err error)
}

type Store interface {
	KeyStore
	OrderStore
	WorldStore
	Queue

	Ping(ctx context.Context) error
	Close() error
}

// KindStrings converts kinds for SQL parameter binding.
func KindStrings(kinds []orders.Kind) []string {
	out := make([]string, 0, len(kinds))
	for _, k := range kinds {
		if k != "" {
			out = append(out, string(k))
		}
	}
	return out
}

// CheckOutcome rejects outcomes that are not terminal.
func CheckOutcome(out Outcome) error {
	if !out.Status.Terminal() {
		return errors.New("apply outcome must be applied or rejected")
	}
	return nil
}
