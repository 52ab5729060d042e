// Package pgstore is the Postgres Store. Claims use SKIP LOCKED so several
// worker processes can drain the same queue.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
)

type Store struct {
	db  *pgxpool.Pool
	now func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("empty postgres dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	s := &Store{db: pool, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS systems (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS fleets (
			id TEXT PRIMARY KEY,
			empire_id TEXT NOT NULL DEFAULT '',
			system_id TEXT NOT NULL,
			stance TEXT NOT NULL DEFAULT 'neutral',
			supply BIGINT NOT NULL DEFAULT 0 CHECK (supply >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS orders (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			empire_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			payload JSONB NOT NULL,
			target_turn INTEGER NOT NULL,
			idem_key TEXT UNIQUE,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_pending ON orders(created_at, seq) WHERE status = 'accepted'`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s != nil && s.db != nil {
		s.db.Close()
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return orders.StorageError("ping postgres", err)
	}
	return nil
}

// Pool exposes the handle for admin tooling and tests.
func (s *Store) Pool() *pgxpool.Pool { return s.db }

func (s *Store) ReserveKey(ctx context.Context, key, candidateID string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" || candidateID == "" {
		return "", false, fmt.Errorf("key and candidate id are required")
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO idempotency_keys(key, order_id, created_at) VALUES($1, $2, $3) ON CONFLICT (key) DO NOTHING`,
		key, candidateID, s.now().UTC())
	if err != nil {
		return "", false, orders.StorageError("reserve idempotency key", err)
	}
	if tag.RowsAffected() == 1 {
		return candidateID, false, nil
	}
	var id string
	if err := s.db.QueryRow(ctx, `SELECT order_id FROM idempotency_keys WHERE key = $1`, key).Scan(&id); err != nil {
		return "", false, orders.StorageError("lookup idempotency key", err)
	}
	return id, true, nil
}

const orderColumns = `id, empire_id, kind, payload, target_turn, COALESCE(idem_key, ''), status, reason, created_at, updated_at`

func scanOrder(row pgx.Row) (orders.Order, error) {
	var (
		o            orders.Order
		kind, status string
		payload      []byte
	)
	if err := row.Scan(&o.ID, &o.EmpireID, &kind, &payload, &o.TargetTurn, &o.IdemKey, &status, &o.Reason, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return orders.Order{}, err
	}
	o.Kind = orders.Kind(kind)
	o.Status = orders.Status(status)
	o.Payload = payload
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}

func (s *Store) InsertOrder(ctx context.Context, o orders.Order) (orders.Order, bool, error) {
	if o.ID == "" {
		return orders.Order{}, false, fmt.Errorf("order id is required")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now().UTC()
	}
	if o.Status == "" {
		o.Status = orders.StatusAccepted
	}
	var idem *string
	if o.IdemKey != "" {
		idem = &o.IdemKey
	}
	payload := o.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	tag, err := s.db.Exec(ctx, `
INSERT INTO orders (id, empire_id, kind, payload, target_turn, idem_key, status, reason, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
ON CONFLICT DO NOTHING`,
		o.ID, o.EmpireID, string(o.Kind), string(payload), o.TargetTurn, idem, string(o.Status), o.Reason, o.CreatedAt.UTC())
	if err != nil {
		return orders.Order{}, false, orders.StorageError("insert order", err)
	}

	var stored orders.Order
	if o.IdemKey != "" {
		stored, err = scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idem_key = $1`, o.IdemKey))
	}
	if o.IdemKey == "" || errors.Is(err, pgx.ErrNoRows) {
		stored, err = scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, o.ID))
	}
	if err != nil {
		return orders.Order{}, false, orders.StorageError("read back order", err)
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, fmt.Errorf("order %s: %w", id, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Order{}, orders.StorageError("get order", err)
	}
	return o, nil
}

func (s *Store) ListOrders(ctx context.Context, status orders.Status, limit int) ([]orders.Order, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE ($1::text = '' OR status = $1::text) ORDER BY seq LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, orders.StorageError("list orders", err)
	}
	defer rows.Close()
	out := []orders.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, orders.StorageError("scan order", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, orders.StorageError("iterate orders", err)
	}
	return out, nil
}

const fleetColumns = `id, empire_id, system_id, stance, supply`

func scanFleet(row pgx.Row) (orders.Fleet, error) {
	var (
		f      orders.Fleet
		stance string
	)
	if err := row.Scan(&f.ID, &f.EmpireID, &f.SystemID, &stance, &f.Supply); err != nil {
		return orders.Fleet{}, err
	}
	f.Stance = orders.Stance(stance)
	return f, nil
}

func (s *Store) GetFleet(ctx context.Context, id string) (orders.Fleet, error) {
	f, err := scanFleet(s.db.QueryRow(ctx, `SELECT `+fleetColumns+` FROM fleets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Fleet{}, fmt.Errorf("fleet %s: %w", id, orders.ErrNotFound)
	}
	if err != nil {
		return orders.Fleet{}, orders.StorageError("get fleet", err)
	}
	return f, nil
}

func (s *Store) ListFleets(ctx context.Context, limit int) ([]orders.Fleet, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.db.Query(ctx, `SELECT `+fleetColumns+` FROM fleets ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, orders.StorageError("list fleets", err)
	}
	defer rows.Close()
	var out []orders.Fleet
	for rows.Next() {
		f, err := scanFleet(rows)
		if err != nil {
			return nil, orders.StorageError("scan fleet", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, orders.StorageError("iterate fleets", err)
	}
	return out, nil
}

func (s *Store) ListSystems(ctx context.Context, limit int) ([]orders.System, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	rows, err := s.db.Query(ctx, `SELECT id, name FROM systems ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, orders.StorageError("list systems", err)
	}
	defer rows.Close()
	var out []orders.System
	for rows.Next() {
		var sys orders.System
		if err := rows.Scan(&sys.ID, &sys.Name); err != nil {
			return nil, orders.StorageError("scan system", err)
		}
		out = append(out, sys)
	}
	if err := rows.Err(); err != nil {
		return nil, orders.StorageError("iterate systems", err)
	}
	return out, nil
}

func (s *Store) FleetExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM fleets WHERE id = $1)`, id)
}

func (s *Store) SystemExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS (SELECT 1 FROM systems WHERE id = $1)`, id)
}

func (s *Store) exists(ctx context.Context, q, id string) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, q, id).Scan(&ok); err != nil {
		return false, orders.StorageError("exists", err)
	}
	return ok, nil
}

func (s *Store) UpsertFleet(ctx context.Context, f orders.Fleet) error {
	if f.ID == "" {
		return fmt.Errorf("fleet id is required")
	}
	if f.Supply < 0 {
		return store.ErrNegativeSupply
	}
	f.Normalize()
	_, err := s.db.Exec(ctx, `
INSERT INTO fleets (id, empire_id, system_id, stance, supply) VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	empire_id = EXCLUDED.empire_id,
	system_id = EXCLUDED.system_id,
	stance = EXCLUDED.stance,
	supply = EXCLUDED.supply`,
		f.ID, f.EmpireID, f.SystemID, string(f.Stance), f.Supply)
	if err != nil {
		return orders.StorageError("upsert fleet", err)
	}
	return nil
}

func (s *Store) UpsertSystem(ctx context.Context, sys orders.System) error {
	if sys.ID == "" {
		return fmt.Errorf("system id is required")
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO systems (id, name) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, sys.ID, sys.Name)
	if err != nil {
		return orders.StorageError("upsert system", err)
	}
	return nil
}

func (s *Store) ClaimAndApply(ctx context.Context, kinds []orders.Kind, fn store.ApplyFunc) (orders.Order, bool, error) {
	ks := store.KindStrings(kinds)
	if len(ks) == 0 {
		return orders.Order{}, false, nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return orders.Order{}, false, orders.StorageError("begin claim", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o, err := scanOrder(tx.QueryRow(ctx, `
SELECT `+orderColumns+` FROM orders
WHERE status = 'accepted' AND kind = ANY($1)
ORDER BY created_at, seq
LIMIT 1
FOR UPDATE SKIP LOCKED`, ks))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, orders.StorageError("claim order", err)
	}

	out, err := fn(ctx, &worldTx{tx: tx}, o)
	if err != nil {
		return o, true, err
	}
	if err := store.CheckOutcome(out); err != nil {
		return o, true, err
	}
	now := s.now().UTC()
	if _, err := tx.Exec(ctx, `UPDATE orders SET status = $1, reason = $2, updated_at = $3 WHERE id = $4`,
		string(out.Status), out.Reason, now, o.ID); err != nil {
		return o, true, orders.StorageError("finish order", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return o, true, orders.StorageError("commit order", err)
	}
	o.Status = out.Status
	o.Reason = out.Reason
	o.UpdatedAt = now
	return o, true, nil
}

type worldTx struct {
	tx pgx.Tx
}

func (t *worldTx) GetFleet(ctx context.Context, id string) (orders.Fleet, bool, error) {
	f, err := scanFleet(t.tx.QueryRow(ctx, `SELECT `+fleetColumns+` FROM fleets WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Fleet{}, false, nil
	}
	if err != nil {
		return orders.Fleet{}, false, orders.StorageError("get fleet", err)
	}
	return f, true, nil
}

func (t *worldTx) UpdateFleet(ctx context.Context, f orders.Fleet) error {
	if f.Supply < 0 {
		return store.ErrNegativeSupply
	}
	tag, err := t.tx.Exec(ctx, `UPDATE fleets SET empire_id = $1, system_id = $2, stance = $3, supply = $4 WHERE id = $5`,
		f.EmpireID, f.SystemID, string(f.Stance), f.Supply, f.ID)
	if err != nil {
		return orders.StorageError("update fleet", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fleet %s: %w", f.ID, orders.ErrNotFound)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
