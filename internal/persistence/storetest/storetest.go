// Package storetest is the behaviour suite every store.Store backend runs.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

func Run(t *testing.T, newStore Factory) {
	t.Helper()
	cases := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"ReserveKeyFirstWins", testReserveKeyFirstWins},
		{"ReserveKeyConcurrent", testReserveKeyConcurrent},
		{"InsertOrderIdempotent", testInsertOrderIdempotent},
		{"GetOrderNotFound", testGetOrderNotFound},
		{"ListOrdersByStatus", testListOrdersByStatus},
		{"WorldUpsertAndExists", testWorldUpsertAndExists},
		{"NegativeSupplyRejected", testNegativeSupplyRejected},
		{"ClaimOldestFirst", testClaimOldestFirst},
		{"ClaimFiltersKinds", testClaimFiltersKinds},
		{"ClaimEmpty", testClaimEmpty},
		{"ClaimRollsBackOnError", testClaimRollsBackOnError},
		{"ClaimRejectsNonTerminalOutcome", testClaimRejectsNonTerminalOutcome},
		{"ClaimCommitsFleetWrites", testClaimCommitsFleetWrites},
		{"ClaimConcurrentWorkersApplyOnce", testClaimConcurrentWorkersApplyOnce},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func newOrder(id string, kind orders.Kind, createdAt time.Time, payload any) orders.Order {
	raw, _ := json.Marshal(payload)
	return orders.Order{
		ID:         id,
		EmpireID:   "emp-1",
		Kind:       kind,
		Payload:    raw,
		TargetTurn: orders.DefaultTargetTurn,
		Status:     orders.StatusAccepted,
		CreatedAt:  createdAt,
	}
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func seedWorld(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.UpsertSystem(ctx, orders.System{ID: "sys-1", Name: "Sol"}))
	require.NoError(t, s.UpsertSystem(ctx, orders.System{ID: "sys-2", Name: "Vega"}))
	require.NoError(t, s.UpsertFleet(ctx, orders.Fleet{ID: "f1", EmpireID: "emp-1", SystemID: "sys-1", Supply: 100}))
}

func testReserveKeyFirstWins(t *testing.T, s store.Store) {
	ctx := context.Background()
	id, existed, err := s.ReserveKey(ctx, "k1", "order-a")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, "order-a", id)

	id, existed, err = s.ReserveKey(ctx, "k1", "order-b")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, "order-a", id)
}

func testReserveKeyConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 16
	ids := make([]string, n)
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, existed, err := s.ReserveKey(ctx, "shared", fmt.Sprintf("cand-%d", i))
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if !existed {
				fresh.Add(1)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), fresh.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func testInsertOrderIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	o := newOrder("o1", orders.KindMove, base, map[string]any{"fleetId": "f1", "toSystemId": "sys-2"})
	o.IdemKey = "abc"
	got, created, err := s.InsertOrder(ctx, o)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "o1", got.ID)
	assert.Equal(t, orders.StatusAccepted, got.Status)
	assert.JSONEq(t, string(o.Payload), string(got.Payload))

	dup := newOrder("o2", orders.KindMove, base.Add(time.Second), map[string]any{})
	dup.IdemKey = "abc"
	got, created, err = s.InsertOrder(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "o1", got.ID)

	_, err = s.GetOrder(ctx, "o2")
	assert.ErrorIs(t, err, orders.ErrNotFound)

	got, created, err = s.InsertOrder(ctx, newOrder("o1", orders.KindResupply, base, map[string]any{}))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, orders.KindMove, got.Kind)
}

func testGetOrderNotFound(t *testing.T, s store.Store) {
	_, err := s.GetOrder(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, orders.ErrNotFound)

	_, err = s.GetFleet(context.Background(), "missing")
	assert.ErrorIs(t, err, orders.ErrNotFound)
}

func testListOrdersByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := s.InsertOrder(ctx, newOrder(fmt.Sprintf("o%d", i), orders.KindMove, base.Add(time.Duration(i)*time.Second), map[string]any{}))
		require.NoError(t, err)
	}
	all, err := s.ListOrders(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "o0", all[0].ID)

	rejected, err := s.ListOrders(ctx, orders.StatusRejected, 10)
	require.NoError(t, err)
	assert.Empty(t, rejected)

	limited, err := s.ListOrders(ctx, orders.StatusAccepted, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	// The limit is an upper bound only; it must not size anything up front.
	huge, err := s.ListOrders(ctx, "", math.MaxInt32)
	require.NoError(t, err)
	assert.Len(t, huge, 3)

	_, err = s.ListOrders(ctx, "", 0)
	assert.Error(t, err)
}

func testWorldUpsertAndExists(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedWorld(t, s)

	ok, err := s.FleetExists(ctx, "f1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.FleetExists(ctx, "f9")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.SystemExists(ctx, "sys-2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SystemExists(ctx, "sys-9")
	require.NoError(t, err)
	assert.False(t, ok)

	f, err := s.GetFleet(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, orders.StanceNeutral, f.Stance)
	assert.Equal(t, int64(100), f.Supply)

	require.NoError(t, s.UpsertFleet(ctx, orders.Fleet{ID: "f1", EmpireID: "emp-1", SystemID: "sys-2", Stance: orders.StanceDefensive, Supply: 7}))
	f, err = s.GetFleet(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "sys-2", f.SystemID)
	assert.Equal(t, orders.StanceDefensive, f.Stance)

	fleets, err := s.ListFleets(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, fleets, 1)

	systems, err := s.ListSystems(ctx, 10)
	require.NoError(t, err)
	require.Len(t, systems, 2)
	assert.Equal(t, "sys-1", systems[0].ID)
	_, err = s.ListSystems(ctx, 0)
	assert.Error(t, err)
}

func testNegativeSupplyRejected(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.UpsertFleet(ctx, orders.Fleet{ID: "f1", SystemID: "sys-1", Supply: -1})
	assert.ErrorIs(t, err, store.ErrNegativeSupply)

	seedWorld(t, s)
	_, _, err = s.InsertOrder(ctx, newOrder("o1", orders.KindResupply, base, map[string]any{}))
	require.NoError(t, err)
	_, ok, err := s.ClaimAndApply(ctx, orders.WorkerKinds, func(ctx context.Context, tx store.WorldTx, o orders.Order) (store.Outcome, error) {
		f, _, err := tx.GetFleet(ctx, "f1")
		if err != nil {
			return store.Outcome{}, err
		}
		f.Supply = -5
		return store.Outcome{Status: orders.StatusApplied}, tx.UpdateFleet(ctx, f)
	})
	assert.True(t, ok)
	assert.ErrorIs(t, err, store.ErrNegativeSupply)

	f, err := s.GetFleet(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), f.Supply)
}

func applyAll(status orders.Status) store.ApplyFunc {
	return func(context.Context, store.WorldTx, orders.Order) (store.Outcome, error) {
		return store.Outcome{Status: status}, nil
	}
}

func testClaimOldestFirst(t *testing.T, s store.Store) {
	ctx := context.Background()
	// Inserted out of creation order; same timestamp ties break on insertion.
	for _, o := range []orders.Order{
		newOrder("late", orders.KindMove, base.Add(2*time.Second), map[string]any{}),
		newOrder("early", orders.KindMove, base, map[string]any{}),
		newOrder("tie-a", orders.KindMove, base.Add(time.Second), map[string]any{}),
		newOrder("tie-b", orders.KindMove, base.Add(time.Second), map[string]any{}),
	} {
		_, _, err := s.InsertOrder(ctx, o)
		require.NoError(t, err)
	}
	var got []string
	for {
		o, ok, err := s.ClaimAndApply(ctx, orders.WorkerKinds, applyAll(orders.StatusApplied))
		require.NoError(t, err)
		if !ok {
			break
		}
		assert.Equal(t, orders.StatusApplied, o.Status)
		got = append(got, o.ID)
	}
	assert.Equal(t, []string{"early", "tie-a", "tie-b", "late"}, got)
}

func testClaimFiltersKinds(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.InsertOrder(ctx, newOrder("scan", orders.Kind("scan"), base, map[string]any{}))
	require.NoError(t, err)
	_, _, err = s.InsertOrder(ctx, newOrder("mv", orders.KindMove, base.Add(time.Second), map[string]any{}))
	require.NoError(t, err)

	o, ok, err := s.ClaimAndApply(ctx, orders.WorkerKinds, applyAll(orders.StatusApplied))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "mv", o.ID)

	_, ok, err = s.ClaimAndApply(ctx, orders.WorkerKinds, applyAll(orders.StatusApplied))
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetOrder(ctx, "scan")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusAccepted, got.Status)
}

func testClaimEmpty(t *testing.T, s store.Store) {
	called := false
	_, ok, err := s.ClaimAndApply(context.Background(), orders.WorkerKinds, func(context.Context, store.WorldTx, orders.Order) (store.Outcome, error) {
		called = true
		return store.Outcome{Status: orders.StatusApplied}, nil
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)
}

func testClaimRollsBackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedWorld(t, s)
	_, _, err := s.InsertOrder(ctx, newOrder("o1", orders.KindMove, base, map[string]any{}))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, ok, err := s.ClaimAndApply(ctx, orders.WorkerKinds, func(ctx context.Context, tx store.WorldTx, o orders.Order) (store.Outcome, error) {
		f, _, err := tx.GetFleet(ctx, "f1")
		if err != nil {
			return store.Outcome{}, err
		}
		f.SystemID = "sys-2"
		if err := tx.UpdateFleet(ctx, f); err != nil {
			return store.Outcome{}, err
		}
		return store.Outcome{}, boom
	})
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusAccepted, got.Status)
	f, err := s.GetFleet(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, "sys-1", f.SystemID)

	// Still claimable.
	o, ok, err := s.ClaimAndApply(ctx, orders.WorkerKinds, applyAll(orders.StatusRejected))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "o1", o.ID)
}

func testClaimRejectsNonTerminalOutcome(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, _, err := s.InsertOrder(ctx, newOrder("o1", orders.KindMove, base, map[string]any{}))
	require.NoError(t, err)
	_, _, err = s.ClaimAndApply(ctx, orders.WorkerKinds, applyAll(orders.StatusAccepted))
	require.Error(t, err)
	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusAccepted, got.Status)
}

func testClaimCommitsFleetWrites(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedWorld(t, s)
	_, _, err := s.InsertOrder(ctx, newOrder("o1", orders.KindResupply, base, map[string]any{}))
	require.NoError(t, err)

	o, ok, err := s.ClaimAndApply(ctx, orders.WorkerKinds, func(ctx context.Context, tx store.WorldTx, o orders.Order) (store.Outcome, error) {
		assert.Equal(t, orders.StatusAccepted, o.Status)
		f, found, err := tx.GetFleet(ctx, "f1")
		if err != nil || !found {
			return store.Outcome{}, fmt.Errorf("fleet: found=%v err=%v", found, err)
		}
		f.Supply += 50
		if err := tx.UpdateFleet(ctx, f); err != nil {
			return store.Outcome{}, err
		}
		again, _, err := tx.GetFleet(ctx, "f1")
		if err != nil {
			return store.Outcome{}, err
		}
		if again.Supply != 150 {
			return store.Outcome{}, fmt.Errorf("tx read supply=%d want=150", again.Supply)
		}
		_, found, err = tx.GetFleet(ctx, "nope")
		if err != nil || found {
			return store.Outcome{}, fmt.Errorf("missing fleet: found=%v err=%v", found, err)
		}
		return store.Outcome{Status: orders.StatusApplied}, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.StatusApplied, o.Status)

	f, err := s.GetFleet(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(150), f.Supply)

	got, err := s.GetOrder(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusApplied, got.Status)
}

func testClaimConcurrentWorkersApplyOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	seedWorld(t, s)
	const n = 20
	for i := 0; i < n; i++ {
		_, _, err := s.InsertOrder(ctx, newOrder(fmt.Sprintf("o%02d", i), orders.KindResupply, base.Add(time.Duration(i)*time.Millisecond), map[string]any{}))
		require.NoError(t, err)
	}

	var (
		mu      sync.Mutex
		applied = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				o, ok, err := s.ClaimAndApply(ctx, orders.WorkerKinds, func(ctx context.Context, tx store.WorldTx, o orders.Order) (store.Outcome, error) {
					f, _, err := tx.GetFleet(ctx, "f1")
					if err != nil {
						return store.Outcome{}, err
					}
					f.Supply++
					return store.Outcome{Status: orders.StatusApplied}, tx.UpdateFleet(ctx, f)
				})
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				applied[o.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, applied, n)
	for id, c := range applied {
		assert.Equalf(t, 1, c, "order %s applied %d times", id, c)
	}
	f, err := s.GetFleet(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(100+n), f.Supply)
}
