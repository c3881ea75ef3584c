package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"bustrack/internal/api"
	"bustrack/internal/auth"
	"bustrack/internal/config"
	"bustrack/internal/db"
	"bustrack/internal/kv"
	"bustrack/internal/live"
	"bustrack/internal/metrics"
	"bustrack/internal/publisher"
	"bustrack/internal/sim"
)

type CLI struct {
	Serve   ServeCmd   `cmd:"" default:"1" help:"Run the simulation, broadcaster and HTTP API."`
	Migrate MigrateCmd `cmd:"" help:"Apply the embedded schema."`
	Seed    SeedCmd    `cmd:"" help:"Apply the schema and load sample routes, buses and users."`
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("bustrack"),
		kong.Description("Live position simulation and broadcast engine for college buses."),
		kong.UsageOnError(),
	)

	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := kctx.Run(cfg); err != nil {
		log.Fatalf("%s error: %v", kctx.Command(), err)
	}
}

// openDB connects and applies the schema.
func openDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	d, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	if err := d.Ping(ctx); err != nil {
		d.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := d.EnsureSchema(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

type MigrateCmd struct{}

func (c *MigrateCmd) Run(cfg *config.Config) error {
	d, err := openDB(context.Background(), cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	log.Printf("schema applied (%s)", d.Driver())
	return nil
}

type SeedCmd struct{}

func (c *SeedCmd) Run(cfg *config.Config) error {
	ctx := context.Background()
	d, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	return seed(ctx, d)
}

func seed(ctx context.Context, d *db.DB) error {
	res, err := d.Seed(ctx)
	if err != nil {
		return err
	}
	if res == nil {
		log.Printf("routes already present, skipping seed")
		return nil
	}
	log.Printf("seeded %d routes, %d buses, admin user %d, student user %d",
		len(res.RouteIDs), len(res.BusIDs), res.AdminID, res.StudentID)
	return nil
}

type ServeCmd struct {
	Seed bool `help:"Load sample data before starting when the database is empty."`
}

// snapshotBackend is satisfied by both the SQL and the badger stores.
type snapshotBackend interface {
	sim.SnapshotStore
	api.SnapshotReader
	Cleanup(ctx context.Context, retention time.Duration) error
}

func (c *ServeCmd) Run(cfg *config.Config) error {
	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	database, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()
	if c.Seed {
		if err := seed(ctx, database); err != nil {
			return err
		}
	}

	var store snapshotBackend = database
	if cfg.SnapshotBackend == config.BackendBadger {
		ks, err := kv.Open(cfg.BadgerPath, cfg.Retention)
		if err != nil {
			return err
		}
		defer ks.Close()
		store = ks
		log.Printf("snapshots stored in badger at %s", cfg.BadgerPath)
	}

	// Optional metrics server
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.TickInterval, cfg.TickMinutes, cfg.BroadcastInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		go func() {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Printf("metrics listening on %s", cfg.MetricsAddr)
	}

	// Optional NATS position fan-out; a nil publisher must stay a nil interface
	var pub sim.PositionPublisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer np.Close()
		pub = np
	}

	scheduler := sim.NewScheduler(database, store, pub, sim.SchedulerConfig{
		TickInterval:    cfg.TickInterval,
		TickMinutes:     cfg.TickMinutes,
		PersistTimeout:  cfg.PersistTimeout,
		RetryBackoff:    cfg.RetryBackoff,
		RefreshInterval: cfg.BusRefresh,
		Seed:            cfg.Seed,
	}, mcol)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	checker := auth.NewChecker(database)
	reg := live.NewRegistry(scheduler, checker, live.Config{
		Period:      cfg.BroadcastInterval,
		SendTimeout: cfg.SendTimeout,
	}, mcol)
	go reg.Run(ctx)

	go runRetention(ctx, store, cfg.Retention)

	h := api.NewHandler(ctx, scheduler, store, checker, database)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(h, live.NewHandler(reg, cfg.CORSOrigins), cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("http listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Block until context cancelled or the listener fails
	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	log.Println("shutdown complete")
	return nil
}

// runRetention drops snapshots older than the retention window once an hour.
func runRetention(ctx context.Context, store snapshotBackend, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cctx, cancel := context.WithTimeout(ctx, time.Minute)
		if err := store.Cleanup(cctx, retention); err != nil {
			log.Printf("retention cleanup error: %v", err)
		}
		cancel()
	}
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
