// Package sqlitestore is the default durable Store: orders, idempotency keys
// and world state in one SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
)

const schemaVersion = "1"

// statusClaimed only exists inside a ClaimAndApply transaction; it never
// survives a commit or a rollback.
const statusClaimed = "claimed"

type Store struct {
	db  *sql.DB
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

func Open(path string, opts ...Option) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	// busy_timeout in the DSN so reopened connections keep it.
	db, err := sql.Open("sqlite", "file:"+filepath.Clean(path)+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer connection: transactions serialise in-process, and across
	// processes SQLite's write lock does the same.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init pragmas: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS systems (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS fleets (
			id TEXT PRIMARY KEY,
			empire_id TEXT NOT NULL DEFAULT '',
			system_id TEXT NOT NULL,
			stance TEXT NOT NULL DEFAULT 'neutral',
			supply INTEGER NOT NULL DEFAULT 0 CHECK (supply >= 0)
		);`,
		`CREATE TABLE IF NOT EXISTS orders (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			empire_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			target_turn INTEGER NOT NULL,
			idem_key TEXT UNIQUE,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at, seq);`,
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version',?)`, schemaVersion)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return orders.StorageError("ping sqlite", err)
	}
	return nil
}

// DB exposes the handle for admin tooling.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) ReserveKey(ctx context.Context, key, candidateID string) (string, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" || candidateID == "" {
		return "", false, fmt.Errorf("key and candidate id are required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys(key, order_id, created_at) VALUES(?,?,?) ON CONFLICT(key) DO NOTHING`,
		key, candidateID, s.now().UTC().UnixMilli())
	if err != nil {
		return "", false, orders.StorageError("reserve idempotency key", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return "", false, orders.StorageError("reserve idempotency key", err)
	}
	if inserted == 1 {
		return candidateID, false, nil
	}
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT order_id FROM idempotency_keys WHERE key = ?`, key).Scan(&id); err != nil {
		return "", false, orders.StorageError("lookup idempotency key", err)
	}
	return id, true, nil
}

const orderColumns = `id, empire_id, kind, payload, target_turn, COALESCE(idem_key, ''), status, reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (orders.Order, error) {
	var (
		o                    orders.Order
		kind, status         string
		payload              string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&o.ID, &o.EmpireID, &kind, &payload, &o.TargetTurn, &o.IdemKey, &status, &o.Reason, &createdAt, &updatedAt); err != nil {
		return orders.Order{}, err
	}
	o.Kind = orders.Kind(kind)
	o.Status = orders.Status(status)
	o.Payload = []byte(payload)
	o.CreatedAt = time.UnixMilli(createdAt).UTC()
	o.UpdatedAt = time.UnixMilli(updatedAt).UTC()
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
	idem := sql.NullString{String: o.IdemKey, Valid: o.IdemKey != ""}
	ms := o.CreatedAt.UTC().UnixMilli()

	res, err := s.db.ExecContext(ctx, `
INSERT INTO orders (id, empire_id, kind, payload, target_turn, idem_key, status, reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`,
		o.ID, o.EmpireID, string(o.Kind), string(o.Payload), o.TargetTurn, idem, string(o.Status), o.Reason, ms, ms)
	if err != nil {
		return orders.Order{}, false, orders.StorageError("insert order", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orders.Order{}, false, orders.StorageError("insert order", err)
	}

	var stored orders.Order
	if o.IdemKey != "" {
		stored, err = scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE idem_key = ?`, o.IdemKey))
	}
	if o.IdemKey == "" || errors.Is(err, sql.ErrNoRows) {
		stored, err = scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, o.ID))
	}
	if err != nil {
		return orders.Order{}, false, orders.StorageError("read back order", err)
	}
	return stored, n == 1, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY seq LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY seq LIMIT ?`, string(status), limit)
	}
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

func scanFleet(row scanner) (orders.Fleet, error) {
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
	f, err := scanFleet(s.db.QueryRowContext(ctx, `SELECT `+fleetColumns+` FROM fleets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := s.db.QueryContext(ctx, `SELECT `+fleetColumns+` FROM fleets ORDER BY id LIMIT ?`, limit)
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
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM systems ORDER BY id LIMIT ?`, limit)
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
	return s.exists(ctx, `SELECT 1 FROM fleets WHERE id = ?`, id)
}

func (s *Store) SystemExists(ctx context.Context, id string) (bool, error) {
	return s.exists(ctx, `SELECT 1 FROM systems WHERE id = ?`, id)
}

func (s *Store) exists(ctx context.Context, q, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, q, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, orders.StorageError("exists", err)
	}
	return true, nil
}

func (s *Store) UpsertFleet(ctx context.Context, f orders.Fleet) error {
	if f.ID == "" {
		return fmt.Errorf("fleet id is required")
	}
	if f.Supply < 0 {
		return store.ErrNegativeSupply
	}
	f.Normalize()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fleets (id, empire_id, system_id, stance, supply) VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	empire_id = excluded.empire_id,
	system_id = excluded.system_id,
	stance = excluded.stance,
	supply = excluded.supply`,
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
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO systems(id, name) VALUES(?, ?)`, sys.ID, sys.Name)
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return orders.Order{}, false, orders.StorageError("begin claim", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The claim is the transaction's first statement and a write, so the
	// write lock is taken before the pending row is chosen.
	args := make([]any, 0, len(ks)+2)
	args = append(args, statusClaimed, s.now().UTC().UnixMilli())
	for _, k := range ks {
		args = append(args, k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ks)), ",")
	o, err := scanOrder(tx.QueryRowContext(ctx, `
UPDATE orders SET status = ?, updated_at = ?
WHERE seq = (
	SELECT seq FROM orders
	WHERE status = 'accepted' AND kind IN (`+placeholders+`)
	ORDER BY created_at, seq
	LIMIT 1
)
RETURNING `+orderColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return orders.Order{}, false, nil
	}
	if err != nil {
		return orders.Order{}, false, orders.StorageError("claim order", err)
	}
	o.Status = orders.StatusAccepted

	out, err := fn(ctx, &worldTx{tx: tx}, o)
	if err != nil {
		return o, true, err
	}
	if err := store.CheckOutcome(out); err != nil {
		return o, true, err
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		string(out.Status), out.Reason, now.UnixMilli(), o.ID); err != nil {
		return o, true, orders.StorageError("finish order", err)
	}
	if err := tx.Commit(); err != nil {
		return o, true, orders.StorageError("commit order", err)
	}
	o.Status = out.Status
	o.Reason = out.Reason
	o.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return o, true, nil
}

type worldTx struct {
	tx *sql.Tx
}

func (t *worldTx) GetFleet(ctx context.Context, id string) (orders.Fleet, bool, error) {
	f, err := scanFleet(t.tx.QueryRowContext(ctx, `SELECT `+fleetColumns+` FROM fleets WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	res, err := t.tx.ExecContext(ctx, `UPDATE fleets SET empire_id = ?, system_id = ?, stance = ?, supply = ? WHERE id = ?`,
		f.EmpireID, f.SystemID, string(f.Stance), f.Supply, f.ID)
	if err != nil {
		return orders.StorageError("update fleet", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return orders.StorageError("update fleet", err)
	}
	if n == 0 {
		return fmt.Errorf("fleet %s: %w", f.ID, orders.ErrNotFound)
	}
	return nil
}

var _ store.Store = (*Store)(nil)
