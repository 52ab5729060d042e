package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fleetcommand.gg/internal/orders"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Driver != DriverSQLite || cfg.Store.SQLitePath != filepath.Join("data", "fleetcommand.sqlite") {
		t.Fatalf("store=%+v", cfg.Store)
	}
	if cfg.Worker.BatchSize != 1 || cfg.Worker.MaxSupply != 1_000_000 || !cfg.Worker.Enabled {
		t.Fatalf("worker=%+v", cfg.Worker)
	}
	kinds := cfg.WorkerKinds()
	if len(kinds) != 2 || kinds[0] != orders.KindMove || kinds[1] != orders.KindResupply {
		t.Fatalf("kinds=%v", kinds)
	}
	if len(cfg.Dispatcher.Topics) != 5 {
		t.Fatalf("topics=%v", cfg.Dispatcher.Topics)
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleetcommand.yaml")
	yml := `
http:
  addr: ":9090"
store:
  driver: memory
worker:
  interval: 250ms
  batch_size: 4
  kinds: [move, " resupply ", move]
dispatcher:
  topics: [order.applied]
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("FLEETCOMMAND_WORKER_BATCH_SIZE", "8")
	t.Setenv("FLEETCOMMAND_OTEL_ENDPOINT", "http://collector:4318")
	t.Setenv("FLEETCOMMAND_BUS_URL", "nats://127.0.0.1:4222")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Store.Driver != DriverMemory {
		t.Fatalf("cfg=%+v", cfg)
	}
	if cfg.Worker.Interval != 250*time.Millisecond {
		t.Fatalf("interval=%v", cfg.Worker.Interval)
	}
	if cfg.Worker.BatchSize != 8 {
		t.Fatalf("batch_size=%d want=8 (env wins)", cfg.Worker.BatchSize)
	}
	if strings.Join(cfg.Worker.Kinds, ",") != "move,resupply" {
		t.Fatalf("kinds=%v", cfg.Worker.Kinds)
	}
	if len(cfg.Dispatcher.Topics) != 1 || cfg.Dispatcher.Topics[0] != "order.applied" {
		t.Fatalf("topics=%v", cfg.Dispatcher.Topics)
	}
	if cfg.Telemetry.Endpoint != "http://collector:4318" || cfg.Bus.URL != "nats://127.0.0.1:4222" {
		t.Fatalf("telemetry=%+v bus=%+v", cfg.Telemetry, cfg.Bus)
	}
}

func TestLoad_EnvList(t *testing.T) {
	t.Setenv("FLEETCOMMAND_WORKER_KINDS", "move,resupply,scan")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.WorkerKinds()) != 3 {
		t.Fatalf("kinds=%v", cfg.Worker.Kinds)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(*Config){
		"driver":       func(c *Config) { c.Store.Driver = "mongo" },
		"postgres dsn": func(c *Config) { c.Store.Driver = DriverPostgres },
		"bus url":      func(c *Config) { c.Bus.URL = "amqp://x" },
		"batch":        func(c *Config) { c.Worker.BatchSize = 0 },
		"interval":     func(c *Config) { c.Worker.Interval = 0 },
		"max supply":   func(c *Config) { c.Worker.MaxSupply = 0 },
		"kinds":        func(c *Config) { c.Worker.Kinds = nil },
		"send buffer":  func(c *Config) { c.Dispatcher.SendBuffer = 0 },
		"archive without journal": func(c *Config) {
			c.Journal.Archive = ArchiveConfig{Endpoint: "r2.example.com", Bucket: "b", AccessKeyID: "a", SecretAccessKey: "s"}
		},
		"archive without bucket": func(c *Config) {
			c.Journal.Enabled = true
			c.Journal.Archive = ArchiveConfig{Endpoint: "r2.example.com", AccessKeyID: "a", SecretAccessKey: "s"}
		},
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		cfg.Normalize()
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	_ = os.WriteFile(path, []byte("worker: [oops"), 0o644)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestParseEnv_BadValue(t *testing.T) {
	t.Setenv("FLEETCOMMAND_WORKER_INTERVAL", "soon")
	cfg := Defaults()
	if err := ParseEnv(&cfg); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLoad_ArchiveFromEnv(t *testing.T) {
	t.Setenv("FLEETCOMMAND_JOURNAL_ENABLED", "true")
	t.Setenv("FLEETCOMMAND_ARCHIVE_ENDPOINT", "https://r2.example.com")
	t.Setenv("FLEETCOMMAND_ARCHIVE_BUCKET", "journal")
	t.Setenv("FLEETCOMMAND_ARCHIVE_ACCESS_KEY_ID", "ak")
	t.Setenv("FLEETCOMMAND_ARCHIVE_SECRET_ACCESS_KEY", "sk")
	t.Setenv("FLEETCOMMAND_ARCHIVE_REMOVE_SENT", "true")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := cfg.Journal.Archive
	if a.Bucket != "journal" || !a.RemoveSent || a.AccessKeyID != "ak" {
		t.Fatalf("archive=%+v", a)
	}
}
