package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fleetcommand.gg/internal/config"
	"fleetcommand.gg/internal/orders"
	"fleetcommand.gg/internal/persistence/backend"
	"fleetcommand.gg/internal/persistence/snapshot"
	"fleetcommand.gg/internal/persistence/store"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "seed":
			seedCmd(os.Args[2:])
			return
		case "fleets":
			fleetsCmd(os.Args[2:])
			return
		case "orders":
			ordersCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "import":
			importCmd(os.Args[2:])
			return
		case "ready":
			readyCmd(os.Args[2:])
			return
		case "submit":
			submitCmd(os.Args[2:])
			return
		}
	}
	fmt.Fprintln(os.Stderr, "usage: admin seed|fleets|orders|export|import|ready|submit [flags]")
	os.Exit(2)
}

func openStore(configPath string) store.Store {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := backend.Open(ctx, cfg.Store, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		os.Exit(1)
	}
	return st
}

func seedCmd(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	configPath := fs.String("config", "", "server config yaml (optional)")
	file := fs.String("file", "", "seed yaml with systems and fleets (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*file) == "" {
		fmt.Fprintln(os.Stderr, "missing -file")
		os.Exit(2)
	}
	f, err := os.Open(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer f.Close()
	seed, err := loadSeed(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse:", err)
		os.Exit(1)
	}

	st := openStore(*configPath)
	defer st.Close()
	if err := applySeed(context.Background(), st, seed); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
	fmt.Printf("seeded %d systems, %d fleets\n", len(seed.Systems), len(seed.Fleets))
}

func fleetsCmd(args []string) {
	fs := flag.NewFlagSet("fleets", flag.ExitOnError)
	configPath := fs.String("config", "", "server config yaml (optional)")
	limit := fs.Int("limit", 100, "result limit")
	_ = fs.Parse(args)

	st := openStore(*configPath)
	defer st.Close()
	fleets, err := st.ListFleets(context.Background(), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, f := range fleets {
		printJSON(os.Stdout, f)
	}
}

func ordersCmd(args []string) {
	fs := flag.NewFlagSet("orders", flag.ExitOnError)
	configPath := fs.String("config", "", "server config yaml (optional)")
	status := fs.String("status", "", "status filter: accepted|applied|rejected")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	st := openStore(*configPath)
	defer st.Close()
	list, err := st.ListOrders(context.Background(), orders.Status(strings.TrimSpace(*status)), *limit)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, o := range list {
		printJSON(os.Stdout, o)
	}
}

func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", "", "server config yaml (optional)")
	out := fs.String("out", "", "snapshot path (default: <data>/snapshots/world-<unix>.snap.zst)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	st := openStore(*configPath)
	defer st.Close()

	now := time.Now().UTC()
	snap, err := snapshot.Capture(context.Background(), st, now)
	if err != nil {
		fmt.Fprintln(os.Stderr, "capture:", err)
		os.Exit(1)
	}
	path := strings.TrimSpace(*out)
	if path == "" {
		path = filepath.Join(cfg.Store.DataDir, "snapshots", fmt.Sprintf("world-%d.snap.zst", now.Unix()))
	}
	if err := snapshot.Write(path, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s systems=%d fleets=%d\n", path, snap.Header.Systems, snap.Header.Fleets)
}

func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "server config yaml (optional)")
	in := fs.String("in", "", "snapshot path (required)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*in) == "" {
		fmt.Fprintln(os.Stderr, "missing -in")
		os.Exit(2)
	}
	snap, err := snapshot.Read(*in)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	st := openStore(*configPath)
	defer st.Close()
	if err := snapshot.Restore(context.Background(), st, snap); err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}
	fmt.Printf("restored systems=%d fleets=%d\n", len(snap.Systems), len(snap.Fleets))
}

func printJSON(w io.Writer, v any) {
	b, _ := json.Marshal(v)
	fmt.Fprintln(w, string(b))
}
