// Package config loads server settings: defaults, then an optional YAML
// file, then FLEETCOMMAND_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"fleetcommand.gg/internal/events"
	"fleetcommand.gg/internal/orders"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Store      StoreConfig      `yaml:"store"`
	Bus        BusConfig        `yaml:"bus"`
	Worker     WorkerConfig     `yaml:"worker"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Journal    JournalConfig    `yaml:"journal"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr" env:"FLEETCOMMAND_HTTP_ADDR"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"FLEETCOMMAND_HTTP_READ_HEADER_TIMEOUT"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" env:"FLEETCOMMAND_HTTP_SHUTDOWN_TIMEOUT"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" env:"FLEETCOMMAND_STORE_DRIVER"`
	DataDir     string `yaml:"data_dir" env:"FLEETCOMMAND_DATA_DIR"`
	SQLitePath  string `yaml:"sqlite_path" env:"FLEETCOMMAND_SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"FLEETCOMMAND_POSTGRES_DSN"`
}

type BusConfig struct {
	// URL empty means the in-process bus; nats://host:port selects NATS.
	URL    string `yaml:"url" env:"FLEETCOMMAND_BUS_URL"`
	Buffer int    `yaml:"buffer" env:"FLEETCOMMAND_BUS_BUFFER"`
}

type WorkerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"FLEETCOMMAND_WORKER_ENABLED"`
	Interval         time.Duration `yaml:"interval" env:"FLEETCOMMAND_WORKER_INTERVAL"`
	BatchSize        int           `yaml:"batch_size" env:"FLEETCOMMAND_WORKER_BATCH_SIZE"`
	MaxSupply        int64         `yaml:"max_supply" env:"FLEETCOMMAND_WORKER_MAX_SUPPLY"`
	Kinds            []string      `yaml:"kinds" env:"FLEETCOMMAND_WORKER_KINDS" envSeparator:","`
	TurnTickInterval time.Duration `yaml:"turn_tick_interval" env:"FLEETCOMMAND_WORKER_TURN_TICK_INTERVAL"`
}

type DispatcherConfig struct {
	Topics       []string      `yaml:"topics" env:"FLEETCOMMAND_DISPATCHER_TOPICS" envSeparator:","`
	SendBuffer   int           `yaml:"send_buffer" env:"FLEETCOMMAND_DISPATCHER_SEND_BUFFER"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"FLEETCOMMAND_DISPATCHER_WRITE_TIMEOUT"`
}

type JournalConfig struct {
	Enabled bool          `yaml:"enabled" env:"FLEETCOMMAND_JOURNAL_ENABLED"`
	Dir     string        `yaml:"dir" env:"FLEETCOMMAND_JOURNAL_DIR"`
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig ships closed journal hours to S3-compatible storage.
// Endpoint empty disables archiving.
type ArchiveConfig struct {
	Endpoint        string `yaml:"endpoint" env:"FLEETCOMMAND_ARCHIVE_ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"FLEETCOMMAND_ARCHIVE_BUCKET"`
	Region          string `yaml:"region" env:"FLEETCOMMAND_ARCHIVE_REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"FLEETCOMMAND_ARCHIVE_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"FLEETCOMMAND_ARCHIVE_SECRET_ACCESS_KEY"`
	Prefix          string `yaml:"prefix" env:"FLEETCOMMAND_ARCHIVE_PREFIX"`
	RemoveSent      bool   `yaml:"remove_sent" env:"FLEETCOMMAND_ARCHIVE_REMOVE_SENT"`
}

type TelemetryConfig struct {
	// Endpoint empty disables tracing.
	Endpoint    string `yaml:"endpoint" env:"FLEETCOMMAND_OTEL_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"FLEETCOMMAND_OTEL_SERVICE_NAME"`
}

func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Store: StoreConfig{
			Driver:  DriverSQLite,
			DataDir: "./data",
		},
		Bus: BusConfig{Buffer: 256},
		Worker: WorkerConfig{
			Enabled:   true,
			Interval:  time.Second,
			BatchSize: 1,
			MaxSupply: 1_000_000,
			Kinds:     []string{string(orders.KindMove), string(orders.KindResupply)},
		},
		Dispatcher: DispatcherConfig{
			Topics:       append([]string(nil), events.DispatchTopics...),
			SendBuffer:   64,
			WriteTimeout: 5 * time.Second,
		},
		Journal:   JournalConfig{Enabled: false},
		Telemetry: TelemetryConfig{ServiceName: "fleetcommand"},
	}
}

// Load reads path (optional), applies environment overrides, normalizes and
// validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ParseEnv overlays set FLEETCOMMAND_* variables onto target; unset
// variables leave fields untouched.
func ParseEnv(target *Config) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "./data"
	}
	if c.Store.Driver == DriverSQLite && strings.TrimSpace(c.Store.SQLitePath) == "" {
		c.Store.SQLitePath = filepath.Join(c.Store.DataDir, "fleetcommand.sqlite")
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = filepath.Join(c.Store.DataDir, "events")
	}
	c.Worker.Kinds = trimList(c.Worker.Kinds)
	c.Dispatcher.Topics = trimList(c.Dispatcher.Topics)
	if len(c.Dispatcher.Topics) == 0 {
		c.Dispatcher.Topics = append([]string(nil), events.DispatchTopics...)
	}
	c.Bus.URL = strings.TrimSpace(c.Bus.URL)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr is required")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return fmt.Errorf("store.postgres_dsn is required for driver postgres")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("store.driver must be sqlite|postgres|memory, got %q", c.Store.Driver)
	}
	if c.Bus.URL != "" && c.Bus.URL != "local" && !strings.HasPrefix(c.Bus.URL, "nats://") && !strings.HasPrefix(c.Bus.URL, "tls://") {
		return fmt.Errorf("bus.url must be empty, local or nats://, got %q", c.Bus.URL)
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker.interval must be > 0")
	}
	if c.Worker.BatchSize < 1 {
		return fmt.Errorf("worker.batch_size must be >= 1")
	}
	if c.Worker.MaxSupply < 1 {
		return fmt.Errorf("worker.max_supply must be >= 1")
	}
	if len(c.Worker.Kinds) == 0 {
		return fmt.Errorf("worker.kinds must not be empty")
	}
	if c.Worker.TurnTickInterval < 0 {
		return fmt.Errorf("worker.turn_tick_interval must be >= 0")
	}
	if c.Dispatcher.SendBuffer < 1 {
		return fmt.Errorf("dispatcher.send_buffer must be >= 1")
	}
	if c.Dispatcher.WriteTimeout <= 0 {
		return fmt.Errorf("dispatcher.write_timeout must be > 0")
	}
	if a := c.Journal.Archive; strings.TrimSpace(a.Endpoint) != "" {
		if !c.Journal.Enabled {
			return fmt.Errorf("journal.archive requires journal.enabled")
		}
		if strings.TrimSpace(a.Bucket) == "" || strings.TrimSpace(a.AccessKeyID) == "" || strings.TrimSpace(a.SecretAccessKey) == "" {
			return fmt.Errorf("journal.archive needs bucket, access_key_id and secret_access_key")
		}
	}
	return nil
}

// WorkerKinds converts the configured kind names.
func (c Config) WorkerKinds() []orders.Kind {
	out := make([]orders.Kind, 0, len(c.Worker.Kinds))
	for _, k := range c.Worker.Kinds {
		out = append(out, orders.Kind(k))
	}
	return out
}

func trimList(in []string) []string {
	out := in[:0]
	seen := map[string]bool{}
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
