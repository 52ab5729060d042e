package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"fleetcommand.gg/internal/bus"
	"fleetcommand.gg/internal/config"
	"fleetcommand.gg/internal/dispatcher"
	"fleetcommand.gg/internal/events"
	"fleetcommand.gg/internal/intake"
	"fleetcommand.gg/internal/ledger"
	"fleetcommand.gg/internal/persistence/archive"
	"fleetcommand.gg/internal/persistence/backend"
	"fleetcommand.gg/internal/telemetry"
	"fleetcommand.gg/internal/transport/httpapi"
	"fleetcommand.gg/internal/transport/ws"
	"fleetcommand.gg/internal/worker"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config yaml (optional; FLEETCOMMAND_* env vars override)")
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		noWorker   = flag.Bool("no_worker", false, "run intake and stream only; another process applies orders")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if a := strings.TrimSpace(*addr); a != "" {
		cfg.HTTP.Addr = a
	}
	if *noWorker {
		cfg.Worker.Enabled = false
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.Endpoint)
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := backend.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer st.Close()

	b, err := bus.Open(cfg.Bus.URL, cfg.Bus.Buffer, logger)
	if err != nil {
		logger.Fatalf("open bus: %v", err)
	}
	defer b.Close()

	pubOpts := events.PublisherOptions{Logger: logger}
	var shipper *archive.Shipper
	if cfg.Journal.Enabled {
		j := events.NewJournal(cfg.Journal.Dir)
		if a := cfg.Journal.Archive; a.Endpoint != "" {
			up, err := archive.NewUploader(archive.Credentials{
				Endpoint:        a.Endpoint,
				Bucket:          a.Bucket,
				Region:          a.Region,
				AccessKeyID:     a.AccessKeyID,
				SecretAccessKey: a.SecretAccessKey,
			})
			if err != nil {
				logger.Fatalf("journal archive: %v", err)
			}
			shipper = archive.NewShipper(up, archive.ShipperOptions{Prefix: a.Prefix, RemoveSent: a.RemoveSent, Logger: logger})
			j.OnClose = shipper.Enqueue
			defer func() {
				sctx, scancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer scancel()
				if err := shipper.Close(sctx); err != nil {
					logger.Printf("journal archive: %v", err)
				}
			}()
			logger.Printf("journal archive: %s/%s", a.Endpoint, a.Bucket)
		}
		// Deferred after the shipper so the final hour is enqueued before it drains.
		defer j.Close()
		pubOpts.Sink = j
		logger.Printf("event journal: %s", cfg.Journal.Dir)
	}
	pub := events.NewPublisher(b, pubOpts)

	in, err := intake.New(intake.Options{
		Ledger:    ledger.New(st),
		Orders:    st,
		World:     st,
		Publisher: pub,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatalf("intake: %v", err)
	}

	var w *worker.Worker
	if cfg.Worker.Enabled {
		w, err = worker.New(worker.Options{
			Queue:            st,
			Publisher:        pub,
			Logger:           logger,
			Interval:         cfg.Worker.Interval,
			BatchSize:        cfg.Worker.BatchSize,
			MaxSupply:        cfg.Worker.MaxSupply,
			Kinds:            cfg.WorkerKinds(),
			TurnTickInterval: cfg.Worker.TurnTickInterval,
		})
		if err != nil {
			logger.Fatalf("worker: %v", err)
		}
	} else {
		logger.Printf("apply worker disabled")
	}

	hub := dispatcher.New(b, dispatcher.Options{Topics: cfg.Dispatcher.Topics, Logger: logger})
	logger.Printf("stream topics: %s", strings.Join(hub.Topics(), ","))
	stream := ws.NewServer(hub, ws.Options{
		SendBuffer:   cfg.Dispatcher.SendBuffer,
		WriteTimeout: cfg.Dispatcher.WriteTimeout,
		Logger:       logger,
	})

	localBus, _ := b.(*bus.Local)
	handler := httpapi.NewHandler(httpapi.Options{
		Intake: in,
		Orders: st,
		Ready:  []httpapi.ReadyCheck{{Name: "store", Check: st.Ping}},
		Metrics: func() httpapi.Snapshot {
			s := httpapi.Snapshot{
				Dispatcher:      hub.Stats(),
				EventsPublished: pub.Published(),
				EventsFailed:    pub.Failures(),
			}
			if w != nil {
				s.WorkerEnabled = true
				s.Worker = w.Stats()
			}
			if localBus != nil {
				s.BusDropped = localBus.Dropped()
			}
			if shipper != nil {
				s.ArchiveEnabled = true
				s.Archive = shipper.Stats()
			}
			return s
		},
		Stream: stream.Handler(),
		Logger: logger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	if w != nil {
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer scancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		logger.Printf("listening on %s (store=%s)", cfg.HTTP.Addr, cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Printf("exit: %v", err)
		cancel()
		os.Exit(1)
	}
	logger.Printf("stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
