package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/memstore"
	"fleetcommand.gg/internal/persistence/sqlitestore"
)

func TestCaptureWriteReadRestore(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	_ = src.UpsertSystem(ctx, orders.System{ID: "sys-1", Name: "Sol"})
	_ = src.UpsertSystem(ctx, orders.System{ID: "sys-2", Name: "Vega"})
	_ = src.UpsertFleet(ctx, orders.Fleet{ID: "f1", EmpireID: "e1", SystemID: "sys-2", Stance: orders.StanceAggressive, Supply: 42})

	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	snap, err := Capture(ctx, src, now)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if snap.Header.Systems != 2 || snap.Header.Fleets != 1 || snap.Header.CreatedAt != now.UnixMilli() {
		t.Fatalf("header=%+v", snap.Header)
	}

	path := filepath.Join(t.TempDir(), "snaps", "world.snap.zst")
	if err := Write(path, snap); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Fleets) != 1 || got.Fleets[0] != snap.Fleets[0] {
		t.Fatalf("fleets=%+v", got.Fleets)
	}

	dst, err := sqlitestore.Open(filepath.Join(t.TempDir(), "dst.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer dst.Close()
	if err := Restore(ctx, dst, got); err != nil {
		t.Fatalf("restore: %v", err)
	}
	f, err := dst.GetFleet(ctx, "f1")
	if err != nil {
		t.Fatalf("get fleet: %v", err)
	}
	if f.Supply != 42 || f.SystemID != "sys-2" || f.Stance != orders.StanceAggressive {
		t.Fatalf("fleet=%+v", f)
	}
}

func TestCapture_RefusesOversizedWorld(t *testing.T) {
	ctx := context.Background()
	src := memstore.New()
	_ = src.UpsertSystem(ctx, orders.System{ID: "sys-1", Name: "Sol"})
	for _, id := range []string{"f1", "f2", "f3"} {
		_ = src.UpsertFleet(ctx, orders.Fleet{ID: id, EmpireID: "e1", SystemID: "sys-1", Stance: orders.StanceAggressive, Supply: 1})
	}
	if _, err := capture(ctx, src, time.Now(), 2); err == nil {
		t.Fatalf("expected error for 3 fleets over a limit of 2")
	}
	snap, err := capture(ctx, src, time.Now(), 3)
	if err != nil {
		t.Fatalf("capture at limit: %v", err)
	}
	if snap.Header.Fleets != 3 {
		t.Fatalf("fleets=%d want=3", snap.Header.Fleets)
	}
}

func TestRead_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.snap.zst")
	if err := os.WriteFile(path, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Read(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRestore_RejectsVersion(t *testing.T) {
	if err := Restore(context.Background(), memstore.New(), WorldV1{Header: Header{Version: 99}}); err == nil {
		t.Fatalf("expected version error")
	}
}
