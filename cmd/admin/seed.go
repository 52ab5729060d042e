package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/store"
)

type seedFile struct {
	Systems []struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"systems"`
	Fleets []struct {
		ID       string `yaml:"id"`
		EmpireID string `yaml:"empire_id"`
		SystemID string `yaml:"system_id"`
		Stance   string `yaml:"stance"`
		Supply   int64  `yaml:"supply"`
	} `yaml:"fleets"`
}

type seed struct {
	Systems []orders.System
	Fleets  []orders.Fleet
}

func loadSeed(r io.Reader) (seed, error) {
	var raw seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && err != io.EOF {
		return seed{}, err
	}
	var out seed
	known := map[string]bool{}
	for _, s := range raw.Systems {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			return seed{}, fmt.Errorf("system with empty id")
		}
		known[id] = true
		out.Systems = append(out.Systems, orders.System{ID: id, Name: strings.TrimSpace(s.Name)})
	}
	for _, f := range raw.Fleets {
		fl := orders.Fleet{
			ID:       strings.TrimSpace(f.ID),
			EmpireID: strings.TrimSpace(f.EmpireID),
			SystemID: strings.TrimSpace(f.SystemID),
			Stance:   orders.Stance(strings.TrimSpace(f.Stance)),
			Supply:   f.Supply,
		}
		fl.Normalize()
		switch {
		case fl.ID == "":
			return seed{}, fmt.Errorf("fleet with empty id")
		case !known[fl.SystemID]:
			return seed{}, fmt.Errorf("fleet %s: unknown system %q", fl.ID, fl.SystemID)
		case !fl.Stance.Valid():
			return seed{}, fmt.Errorf("fleet %s: bad stance %q", fl.ID, fl.Stance)
		case fl.Supply < 0:
			return seed{}, fmt.Errorf("fleet %s: negative supply", fl.ID)
		}
		out.Fleets = append(out.Fleets, fl)
	}
	return out, nil
}

func applySeed(ctx context.Context, world store.WorldStore, s seed) error {
	for _, sys := range s.Systems {
		if err := world.UpsertSystem(ctx, sys); err != nil {
			return fmt.Errorf("system %s: %w", sys.ID, err)
		}
	}
	for _, f := range s.Fleets {
		if err := world.UpsertFleet(ctx, f); err != nil {
			return fmt.Errorf("fleet %s: %w", f.ID, err)
		}
	}
	return nil
}
