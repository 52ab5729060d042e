// Package snapshot exports and restores the world (systems and fleets) as
// a zstd-compressed file: one JSON header line followed by a gob body.
package snapshot

import (
	"bufio"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
)

const Version = 1

// MaxEntities bounds a single capture.
const MaxEntities = 1_000_000

type Header struct {
	Version   int   `json:"version"`
	CreatedAt int64 `json:"created_at"` // unix ms
	Systems   int   `json:"systems"`
	Fleets    int   `json:"fleets"`
}

type WorldV1 struct {
	Header  Header
	Systems []orders.System
	Fleets  []orders.Fleet
}

// Capture reads the whole world from w. A world larger than MaxEntities
// systems or fleets is an error rather than a partial snapshot.
func Capture(ctx context.Context, w store.WorldStore, now time.Time) (WorldV1, error) {
	return capture(ctx, w, now, MaxEntities)
}

func capture(ctx context.Context, w store.WorldStore, now time.Time, limit int) (WorldV1, error) {
	systems, err := w.ListSystems(ctx, limit+1)
	if err != nil {
		return WorldV1{}, err
	}
	if len(systems) > limit {
		return WorldV1{}, fmt.Errorf("world has more than %d systems", limit)
	}
	fleets, err := w.ListFleets(ctx, limit+1)
	if err != nil {
		return WorldV1{}, err
	}
	if len(fleets) > limit {
		return WorldV1{}, fmt.Errorf("world has more than %d fleets", limit)
	}
	return WorldV1{
		Header: Header{
			Version:   Version,
			CreatedAt: now.UnixMilli(),
			Systems:   len(systems),
			Fleets:    len(fleets),
		},
		Systems: systems,
		Fleets:  fleets,
	}, nil
}

// Restore upserts every system, then every fleet. Existing rows not in the
// snapshot are left alone.
func Restore(ctx context.Context, w store.WorldStore, snap WorldV1) error {
	if snap.Header.Version != Version {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	for _, s := range snap.Systems {
		if err := w.UpsertSystem(ctx, s); err != nil {
			return fmt.Errorf("system %s: %w", s.ID, err)
		}
	}
	for _, f := range snap.Fleets {
		if err := w.UpsertFleet(ctx, f); err != nil {
			return fmt.Errorf("fleet %s: %w", f.ID, err)
		}
	}
	return nil
}

func Write(path string, snap WorldV1) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func Read(path string) (WorldV1, error) {
	var snap WorldV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()
	br := bufio.NewReaderSize(dec, 256*1024)

	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}
