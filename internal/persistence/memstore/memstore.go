// Package memstore is an in-process Store used by tests and by the server
// when no durable backend is configured. Transactions are serialised, which
// mirrors the single-writer behaviour of the SQLite backend.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
)

type Store struct {
	now func() time.Time

	// txMu serialises ClaimAndApply; mu guards the maps.
	txMu sync.Mutex
	mu   sync.RWMutex

	keys    map[string]string
	orders  map[string]orders.Order
	seqs    map[string]uint64
	byIdem  map[string]string
	nextSeq uint64
	fleets  map[string]orders.Fleet
	systems map[string]orders.System
	closed  bool
}

type Option func(*Store)

// WithClock overrides time.Now for created/updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:     time.Now,
		keys:    map[string]string{},
		orders:  map[string]orders.Order{},
		seqs:    map[string]uint64{},
		byIdem:  map[string]string{},
		fleets:  map[string]orders.Fleet{},
		systems: map[string]orders.System{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return orders.StorageError("ping", fmt.Errorf("store closed"))
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) ReserveKey(ctx context.Context, key, candidateID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	key = strings.TrimSpace(key)
	if key == "" || candidateID == "" {
		return "", false, fmt.Errorf("key and candidate id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.keys[key]; ok {
		return id, true, nil
	}
	s.keys[key] = candidateID
	return candidateID, false, nil
}

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) (orders.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return orders.Order{}, false, err
	}
	if o.ID == "" {
		return orders.Order{}, false, fmt.Errorf("order id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.IdemKey != "" {
		if id, ok := s.byIdem[o.IdemKey]; ok {
			return s.orders[id], false, nil
		}
	}
	if existing, ok := s.orders[o.ID]; ok {
		return existing, false, nil
	}
	now := s.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	if o.Status == "" {
		o.Status = orders.StatusAccepted
	}
	o.Payload = append([]byte(nil), o.Payload...)
	s.nextSeq++
	s.orders[o.ID] = o
	s.seqs[o.ID] = s.nextSeq
	if o.IdemKey != "" {
		s.byIdem[o.IdemKey] = o.ID
	}
	return o, true, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return orders.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, status orders.Status, limit int) ([]orders.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Order, 0, len(s.orders))
	for _, o := range s.orders {
		if status != "" && o.Status != status {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return s.seqs[out[i].ID] < s.seqs[out[j].ID] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetFleet(ctx context.Context, id string) (orders.Fleet, error) {
	if err := ctx.Err(); err != nil {
		return orders.Fleet{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fleets[id]
	if !ok {
		return orders.Fleet{}, fmt.Errorf("fleet %s: %w", id, orders.ErrNotFound)
	}
	return f, nil
}

func (s *Store) ListFleets(ctx context.Context, limit int) ([]orders.Fleet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.Fleet, 0, len(s.fleets))
	for _, f := range s.fleets {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListSystems(ctx context.Context, limit int) ([]orders.System, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]orders.System, 0, len(s.systems))
	for _, sys := range s.systems {
		out = append(out, sys)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FleetExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.fleets[id]
	return ok, nil
}

func (s *Store) SystemExists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.systems[id]
	return ok, nil
}

func (s *Store) UpsertFleet(ctx context.Context, f orders.Fleet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.ID == "" {
		return fmt.Errorf("fleet id is required")
	}
	if f.Supply < 0 {
		return store.ErrNegativeSupply
	}
	f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fleets[f.ID] = f
	return nil
}

func (s *Store) UpsertSystem(ctx context.Context, sys orders.System) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sys.ID == "" {
		return fmt.Errorf("system id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systems[sys.ID] = sys
	return nil
}

func (s *Store) ClaimAndApply(ctx context.Context, kinds []orders.Kind, fn store.ApplyFunc) (orders.Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return orders.Order{}, false, err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	o, ok := s.oldestPending(kinds)
	if !ok {
		return orders.Order{}, false, nil
	}

	tx := &memTx{s: s, writes: map[string]orders.Fleet{}}
	out, err := fn(ctx, tx, o)
	if err != nil {
		return o, true, err
	}
	if err := store.CheckOutcome(out); err != nil {
		return o, true, err
	}

	// Commit.
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range tx.writes {
		s.fleets[id] = f
	}
	o.Status = out.Status
	o.Reason = out.Reason
	o.UpdatedAt = s.now().UTC()
	s.orders[o.ID] = o
	return o, true, nil
}

func (s *Store) oldestPending(kinds []orders.Kind) (orders.Order, bool) {
	allowed := make(map[orders.Kind]bool, len(kinds))
	for _, k := range kinds {
		allowed[k] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best    orders.Order
		bestSeq uint64
		found   bool
	)
	for id, o := range s.orders {
		if o.Status != orders.StatusAccepted || !allowed[o.Kind] {
			continue
		}
		seq := s.seqs[id]
		if !found || o.CreatedAt.Before(best.CreatedAt) || (o.CreatedAt.Equal(best.CreatedAt) && seq < bestSeq) {
			best, bestSeq, found = o, seq, true
		}
	}
	return best, found
}

type memTx struct {
	s      *Store
	writes map[string]orders.Fleet
}

func (t *memTx) GetFleet(ctx context.Context, id string) (orders.Fleet, bool, error) {
	if err := ctx.Err(); err != nil {
		return orders.Fleet{}, false, err
	}
	if f, ok := t.writes[id]; ok {
		return f, true, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	f, ok := t.s.fleets[id]
	return f, ok, nil
}

func (t *memTx) UpdateFleet(ctx context.Context, f orders.Fleet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.Supply < 0 {
		return store.ErrNegativeSupply
	}
	if _, ok, _ := t.GetFleet(ctx, f.ID); !ok {
		return fmt.Errorf("fleet %s: %w", f.ID, orders.ErrNotFound)
	}
	t.writes[f.ID] = f
	return nil
}

var _ store.Store = (*Store)(nil)
