package pgstore

import (
	"context"
	"os"
	"testing"

	"fleetcommand.gg/internal/persistence/store"
	"fleetcommand.gg/internal/persistence/storetest"
)

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("FLEETCOMMAND_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("FLEETCOMMAND_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := s.Pool().Exec(ctx, `TRUNCATE orders, idempotency_keys, fleets, systems RESTART IDENTITY`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestOpen_EmptyDSN(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error")
	}
}
