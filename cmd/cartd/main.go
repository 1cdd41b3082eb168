// Command cartd serves the tokencart cart and wishlist API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tokencart/internal/app/catalog"
	"github.com/coachpo/tokencart/internal/app/reservation"
	"github.com/coachpo/tokencart/internal/app/session"
	"github.com/coachpo/tokencart/internal/app/syncer"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/domain/outboxstore"
	"github.com/coachpo/tokencart/internal/infra/config"
	"github.com/coachpo/tokencart/internal/infra/persistence"
	"github.com/coachpo/tokencart/internal/infra/persistence/boltstore"
	"github.com/coachpo/tokencart/internal/infra/persistence/memory"
	"github.com/coachpo/tokencart/internal/infra/persistence/migrations"
	"github.com/coachpo/tokencart/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/tokencart/internal/infra/server/http"
	"github.com/coachpo/tokencart/internal/infra/telemetry"
)

const (
	defaultConfigPath        = "config/app.yaml"
	cartdLoggerPrefix        = "cartd "
	shutdownTimeout          = 30 * time.Second
	lifecycleShutdownTimeout = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
	startupTimeout           = 30 * time.Second
	dbPoolName               = "tokencart"
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newLogger()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, driver=%s, seed=%d",
		appCfg.Environment, appCfg.Persistence.Driver, len(appCfg.Catalog.Seed))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, startupTimeout)
	be, err := openBackend(startCtx, logger, appCfg)
	if err != nil {
		startCancel()
		logger.Fatalf("open persistence: %v", err)
	}
	if err := seed(startCtx, be.seeder, appCfg); err != nil {
		startCancel()
		logger.Fatalf("seed catalog: %v", err)
	}
	reportPendingJournal(startCtx, logger, be.journal)
	replayer, err := newReplayer(be, appCfg)
	if err != nil {
		startCancel()
		logger.Fatalf("initialise journal replay: %v", err)
	}
	if replayer != nil {
		stats, err := replayer.Drain(startCtx)
		if err != nil {
			logger.Printf("journal replay on startup: %v", err)
		}
		logger.Printf("journal replay on startup: delivered=%d failed=%d dropped=%d", stats.Delivered, stats.Failed, stats.Dropped)
	}
	startCancel()

	var lifecycle conc.WaitGroup
	runCtx, runCancel := context.WithCancel(context.Background())

	engine, err := reservation.NewEngine(be.gateway, appCfg.ReservationEngineConfig(),
		reservation.WithLogger(log.New(os.Stdout, "reservation ", log.LstdFlags|log.Lmicroseconds)))
	if err != nil {
		logger.Fatalf("initialise reservation engine: %v", err)
	}
	lifecycle.Go(func() { engine.Run(runCtx) })

	cache := catalog.New(be.gateway,
		catalog.WithTTL(appCfg.Catalog.SnapshotTTL),
		catalog.WithResolveTimeout(appCfg.Catalog.ResolveTimeout),
		catalog.WithResolveWorkers(appCfg.Catalog.ResolveWorkers),
	)

	sessionOpts := []session.Option{}
	if be.journal != nil {
		sessionOpts = append(sessionOpts, session.WithJournal(be.journal))
	}
	sessions, err := session.NewManager(be.gateway, engine, cache, appCfg.SessionManagerConfig(), sessionOpts...)
	if err != nil {
		logger.Fatalf("initialise session manager: %v", err)
	}
	lifecycle.Go(func() { sessions.Run(runCtx) })
	if replayer != nil {
		lifecycle.Go(func() { replayer.Run(runCtx) })
	}

	apiServer := buildAPIServer(appCfg.APIServer, sessions)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("cart API listening on %s", apiServer.Addr)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:          apiServer,
		serverTimeout:   appCfg.APIServer.ShutdownTimeout,
		sessions:        sessions,
		lifecycleCancel: runCancel,
		lifecycle:       &lifecycle,
		backend:         be,
		telemetry:       telemetryProvider,
	})
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newLogger() *log.Logger {
	return log.New(os.Stdout, cartdLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// catalogSeeder writes startup catalog rows and balances.
type catalogSeeder interface {
	UpsertProduct(ctx context.Context, rec gateway.ProductRecord) error
	SetBalance(ctx context.Context, userID string, balance int64) error
}

type memorySeeder struct{ gw *memory.Gateway }

func (m memorySeeder) UpsertProduct(_ context.Context, rec gateway.ProductRecord) error {
	m.gw.PutProduct(rec)
	return nil
}

func (m memorySeeder) SetBalance(_ context.Context, userID string, balance int64) error {
	m.gw.SetBalance(userID, balance)
	return nil
}

type backend struct {
	gateway gateway.Gateway
	journal outboxstore.Store
	seeder  catalogSeeder
	close   func() error
}

func openBackend(ctx context.Context, logger *log.Logger, cfg config.AppConfig) (*backend, error) {
	switch cfg.Persistence.Driver {
	case config.DriverPostgres:
		db := cfg.Database
		if db.RunMigrations {
			if err := migrations.Apply(ctx, db.DSN, db.MigrationsDir, log.New(os.Stdout, "migrate ", log.LstdFlags)); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
		}
		pool, err := persistence.Connect(ctx, db.DSN, db.PoolOptions())
		if err != nil {
			return nil, err
		}
		if err := postgres.ObservePoolMetrics(pool, dbPoolName); err != nil {
			logger.Printf("pool metrics unavailable: %v", err)
		}
		store := postgres.New(pool)
		be := &backend{gateway: store.Gateway(), seeder: store.Gateway(), close: func() error { store.Close(); return nil }}
		if cfg.Persistence.Journal {
			be.journal = store.Journal()
		}
		logger.Printf("persistence: postgres (journal=%t)", cfg.Persistence.Journal)
		return be, nil
	case config.DriverBolt:
		store, err := boltstore.Open(cfg.Persistence.BoltPath)
		if err != nil {
			return nil, err
		}
		be := &backend{gateway: store, seeder: store, close: store.Close}
		if cfg.Persistence.Journal {
			be.journal = store
		}
		logger.Printf("persistence: bolt path=%s (journal=%t)", cfg.Persistence.BoltPath, cfg.Persistence.Journal)
		return be, nil
	case config.DriverMemory:
		gw := memory.New()
		logger.Print("persistence: memory")
		return &backend{gateway: gw, seeder: memorySeeder{gw: gw}, close: func() error { return nil }}, nil
	default:
		return nil, fmt.Errorf("unsupported persistence driver %q", cfg.Persistence.Driver)
	}
}

func seed(ctx context.Context, s catalogSeeder, cfg config.AppConfig) error {
	for _, rec := range cfg.SeedRecords() {
		if err := s.UpsertProduct(ctx, rec); err != nil {
			return fmt.Errorf("product %s: %w", rec.ID, err)
		}
	}
	for userID, balance := range cfg.Catalog.Balances {
		if err := s.SetBalance(ctx, userID, balance); err != nil {
			return fmt.Errorf("balance %s: %w", userID, err)
		}
	}
	return nil
}

// reportPendingJournal logs writes a previous process left unacknowledged.
func reportPendingJournal(ctx context.Context, logger *log.Logger, journal outboxstore.Store) {
	if journal == nil {
		return
	}
	pending, err := journal.ListPending(ctx, "", 0)
	if err != nil {
		logger.Printf("journal scan failed: %v", err)
		return
	}
	for _, rec := range pending {
		logger.Printf("journal pending: id=%d kind=%s user=%s product=%s attempts=%d last_error=%q",
			rec.ID, rec.Kind, rec.UserID, rec.ProductID, rec.Attempts, rec.LastError)
	}
	if len(pending) > 0 {
		logger.Printf("journal: %d unacknowledged writes from a previous run", len(pending))
	}
}

// newReplayer builds the journal replayer, or returns nil when the backend
// keeps no journal.
func newReplayer(be *backend, cfg config.AppConfig) (*syncer.Replayer, error) {
	if be.journal == nil {
		return nil, nil
	}
	opts := append(cfg.ReplayOptions(),
		syncer.WithReplayLogger(log.New(os.Stdout, "journal ", log.LstdFlags|log.Lmicroseconds)))
	return syncer.NewReplayer(be.gateway, be.journal, opts...)
}

func buildAPIServer(cfg config.APIServerConfig, sessions *session.Manager) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(sessions),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server          *http.Server
	serverTimeout   time.Duration
	sessions        *session.Manager
	lifecycleCancel context.CancelFunc
	lifecycle       *conc.WaitGroup
	backend         *backend
	telemetry       *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", cfg.serverTimeout, cfg.server.Shutdown)
	}

	if cfg.sessions != nil {
		shutdownStep("draining sessions", lifecycleShutdownTimeout, cfg.sessions.Shutdown)
	}

	if cfg.lifecycleCancel != nil {
		cfg.lifecycleCancel()
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.backend != nil && cfg.backend.close != nil {
		shutdownStep("closing persistence", lifecycleShutdownTimeout, func(context.Context) error {
			return cfg.backend.close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
