package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
	"fleetcommand.gg/internal/persistence/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "orders.sqlite"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		return s
	})
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "orders.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if err := s.UpsertFleet(ctx, orders.Fleet{ID: "f1", SystemID: "sys-1", Supply: 3}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, _, err := s.ReserveKey(ctx, "k", "o1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	f, err := s.GetFleet(ctx, "f1")
	if err != nil {
		t.Fatalf("get fleet: %v", err)
	}
	if f.Supply != 3 {
		t.Fatalf("supply=%d want=3", f.Supply)
	}
	id, existed, err := s.ReserveKey(ctx, "k", "o2")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !existed || id != "o1" {
		t.Fatalf("id=%q existed=%v want o1 true", id, existed)
	}

	var v string
	if err := s.DB().QueryRow(`SELECT value FROM meta WHERE key='schema_version'`).Scan(&v); err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != schemaVersion {
		t.Fatalf("schema_version=%q want=%q", v, schemaVersion)
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSupplyCheckConstraint(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "orders.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if _, err := s.DB().Exec(`INSERT INTO fleets(id, system_id, supply) VALUES('f1','sys-1',-1)`); err == nil {
		t.Fatalf("expected CHECK constraint failure")
	}
}
