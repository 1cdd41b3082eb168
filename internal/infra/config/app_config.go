// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/tokencart/internal/app/reservation"
	"github.com/coachpo/tokencart/internal/app/session"
	"github.com/coachpo/tokencart/internal/app/syncer"
	"github.com/coachpo/tokencart/internal/domain/gateway"
	"github.com/coachpo/tokencart/internal/infra/persistence"
)

// APIServerConfig configures the HTTP surface. There is no write timeout
// because the events endpoint holds connections open.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PersistenceConfig selects the gateway implementation.
type PersistenceConfig struct {
	Driver   Driver `yaml:"driver"`
	BoltPath string `yaml:"boltPath"`
	// Journal records unacknowledged writes. Ignored by the memory driver.
	Journal bool `yaml:"journal"`
	// ReplayInterval is the cadence at which journal rows left by a previous
	// run are redelivered.
	ReplayInterval    time.Duration `yaml:"replayInterval"`
	ReplayBatchSize   int           `yaml:"replayBatchSize"`
	ReplayMaxAttempts int           `yaml:"replayMaxAttempts"`
	// DeliveredRetention is how long delivered journal rows are kept.
	DeliveredRetention time.Duration `yaml:"deliveredRetention"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	MigrationsDir     string        `yaml:"migrationsDir"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/tokencart"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	c.MigrationsDir = strings.TrimSpace(c.MigrationsDir)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// PoolOptions converts the pool tuning fields for persistence.Connect.
func (c DatabaseConfig) PoolOptions() persistence.PoolOptions {
	return persistence.PoolOptions{
		MaxConns:          c.MaxConns,
		MinConns:          c.MinConns,
		MaxConnLifetime:   c.MaxConnLifetime,
		MaxConnIdleTime:   c.MaxConnIdleTime,
		HealthCheckPeriod: c.HealthCheckPeriod,
	}
}

// ReservationConfig controls ticket lifetimes.
type ReservationConfig struct {
	TicketTTL     time.Duration `yaml:"ticketTTL"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Retention     time.Duration `yaml:"retention"`
}

// SyncConfig controls the per-session durability coordinator.
type SyncConfig struct {
	MaxAttempts        int           `yaml:"maxAttempts"`
	BaseDelay          time.Duration `yaml:"baseDelay"`
	MaxDelay           time.Duration `yaml:"maxDelay"`
	RateLimit          float64       `yaml:"rateLimit"`
	Burst              int           `yaml:"burst"`
	NotificationBuffer int           `yaml:"notificationBuffer"`
}

// ProductSeed is a catalog row loaded into the gateway at startup.
type ProductSeed struct {
	ID             string `yaml:"id"`
	Slug           string `yaml:"slug"`
	Name           string `yaml:"name"`
	PriceTokens    int64  `yaml:"priceTokens"`
	Image          string `yaml:"image"`
	Category       string `yaml:"category"`
	StockAvailable int64  `yaml:"stockAvailable"`
}

// CatalogConfig controls the snapshot cache and optional seed data.
type CatalogConfig struct {
	SnapshotTTL    time.Duration    `yaml:"snapshotTTL"`
	ResolveTimeout time.Duration    `yaml:"resolveTimeout"`
	ResolveWorkers int              `yaml:"resolveWorkers"`
	Seed           []ProductSeed    `yaml:"seed"`
	Balances       map[string]int64 `yaml:"balances"`
}

// WishlistConfig toggles wishlist behaviour.
type WishlistConfig struct {
	StrictRemove bool `yaml:"strictRemove"`
}

// SessionConfig sizes per-user sessions.
type SessionConfig struct {
	SubscriberBuffer int `yaml:"subscriberBuffer"`
	// IdleTimeout evicts empty sessions unused for this long. Zero keeps
	// sessions until shutdown.
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	EvictInterval time.Duration `yaml:"evictInterval"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified tokencart configuration sourced from YAML.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Database    DatabaseConfig    `yaml:"database"`
	Reservation ReservationConfig `yaml:"reservation"`
	Sync        SyncConfig        `yaml:"sync"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	Wishlist    WishlistConfig    `yaml:"wishlist"`
	Session     SessionConfig     `yaml:"session"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns a normalised configuration for a local in-memory run.
func Default() AppConfig {
	cfg := AppConfig{
		Environment: EnvDev,
		Persistence: PersistenceConfig{Driver: DriverMemory},
		Telemetry:   TelemetryConfig{ServiceName: "tokencart"},
	}
	_ = cfg.normalise()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := AppConfig{Telemetry: TelemetryConfig{ServiceName: "tokencart"}}
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads configPath, falling back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	if strings.TrimSpace(configPath) == "" {
		return Default(), nil
	}
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.ReadTimeout <= 0 {
		c.APIServer.ReadTimeout = 10 * time.Second
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 10 * time.Second
	}

	c.Persistence.Driver = normalizeDriver(string(c.Persistence.Driver))
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = DriverMemory
	}
	boltPath := strings.TrimSpace(c.Persistence.BoltPath)
	if boltPath == "" {
		boltPath = "tokencart.db"
	}
	c.Persistence.BoltPath = filepath.Clean(boltPath)
	if c.Persistence.ReplayInterval <= 0 {
		c.Persistence.ReplayInterval = 5 * time.Second
	}
	if c.Persistence.ReplayBatchSize <= 0 {
		c.Persistence.ReplayBatchSize = 128
	}
	if c.Persistence.ReplayMaxAttempts <= 0 {
		c.Persistence.ReplayMaxAttempts = 10
	}
	if c.Persistence.DeliveredRetention == 0 {
		c.Persistence.DeliveredRetention = 24 * time.Hour
	}

	c.Database.applyDefaults()

	reservationDefaults := reservation.DefaultConfig()
	if c.Reservation.TicketTTL <= 0 {
		c.Reservation.TicketTTL = reservationDefaults.TicketTTL
	}
	if c.Reservation.SweepInterval <= 0 {
		c.Reservation.SweepInterval = reservationDefaults.SweepInterval
	}
	if c.Reservation.Retention <= 0 {
		c.Reservation.Retention = reservationDefaults.Retention
	}

	syncDefaults := syncer.DefaultConfig()
	if c.Sync.MaxAttempts <= 0 {
		c.Sync.MaxAttempts = syncDefaults.MaxAttempts
	}
	if c.Sync.BaseDelay <= 0 {
		c.Sync.BaseDelay = syncDefaults.BaseDelay
	}
	if c.Sync.MaxDelay <= 0 {
		c.Sync.MaxDelay = syncDefaults.MaxDelay
	}
	if c.Sync.RateLimit <= 0 {
		c.Sync.RateLimit = syncDefaults.RateLimit
	}
	if c.Sync.Burst <= 0 {
		c.Sync.Burst = syncDefaults.Burst
	}
	if c.Sync.NotificationBuffer <= 0 {
		c.Sync.NotificationBuffer = syncDefaults.NotificationBuffer
	}

	if c.Catalog.SnapshotTTL <= 0 {
		c.Catalog.SnapshotTTL = time.Minute
	}
	if c.Catalog.ResolveTimeout <= 0 {
		c.Catalog.ResolveTimeout = 2 * time.Second
	}
	if c.Catalog.ResolveWorkers <= 0 {
		c.Catalog.ResolveWorkers = 8
	}
	for i := range c.Catalog.Seed {
		seed := &c.Catalog.Seed[i]
		seed.ID = strings.TrimSpace(seed.ID)
		seed.Slug = strings.TrimSpace(seed.Slug)
		seed.Name = strings.TrimSpace(seed.Name)
	}

	if c.Session.SubscriberBuffer <= 0 {
		c.Session.SubscriberBuffer = 16
	}
	if c.Session.IdleTimeout < 0 {
		c.Session.IdleTimeout = 0
	}
	if c.Session.IdleTimeout > 0 && c.Session.EvictInterval <= 0 {
		c.Session.EvictInterval = time.Minute
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.APIServer.Addr) == "" {
		return fmt.Errorf("apiServer addr required")
	}

	switch c.Persistence.Driver {
	case DriverMemory:
	case DriverBolt:
		if strings.TrimSpace(c.Persistence.BoltPath) == "" {
			return fmt.Errorf("persistence boltPath required for bolt driver")
		}
	case DriverPostgres:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("persistence driver must be one of memory, postgres, bolt")
	}

	if c.Reservation.SweepInterval > c.Reservation.TicketTTL {
		return fmt.Errorf("reservation sweepInterval must be <= ticketTTL")
	}
	if c.Sync.MaxDelay < c.Sync.BaseDelay {
		return fmt.Errorf("sync maxDelay must be >= baseDelay")
	}
	if c.Session.IdleTimeout > 0 && c.Session.EvictInterval > c.Session.IdleTimeout {
		return fmt.Errorf("session evictInterval must be <= idleTimeout")
	}

	seen := make(map[string]struct{}, len(c.Catalog.Seed))
	for i, seed := range c.Catalog.Seed {
		if seed.ID == "" {
			return fmt.Errorf("catalog seed[%d]: id required", i)
		}
		if _, dup := seen[seed.ID]; dup {
			return fmt.Errorf("catalog seed[%d]: duplicate id %q", i, seed.ID)
		}
		seen[seed.ID] = struct{}{}
		if seed.PriceTokens < 0 || seed.StockAvailable < 0 {
			return fmt.Errorf("catalog seed %q: price and stock must be >= 0", seed.ID)
		}
	}
	for user, balance := range c.Catalog.Balances {
		if strings.TrimSpace(user) == "" {
			return fmt.Errorf("catalog balances: user id required")
		}
		if balance < 0 {
			return fmt.Errorf("catalog balances %q: balance must be >= 0", user)
		}
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	return nil
}

// ReservationEngineConfig converts the reservation section for the engine.
func (c AppConfig) ReservationEngineConfig() reservation.Config {
	return reservation.Config{
		TicketTTL:     c.Reservation.TicketTTL,
		SweepInterval: c.Reservation.SweepInterval,
		Retention:     c.Reservation.Retention,
	}
}

// SessionManagerConfig converts the sync, wishlist and session sections for the session manager.
func (c AppConfig) SessionManagerConfig() session.Config {
	return session.Config{
		Sync: syncer.Config{
			MaxAttempts:        c.Sync.MaxAttempts,
			BaseDelay:          c.Sync.BaseDelay,
			MaxDelay:           c.Sync.MaxDelay,
			RateLimit:          c.Sync.RateLimit,
			Burst:              c.Sync.Burst,
			NotificationBuffer: c.Sync.NotificationBuffer,
		},
		StrictWishlistRemove: c.Wishlist.StrictRemove,
		SubscriberBuffer:     c.Session.SubscriberBuffer,
		IdleTimeout:          c.Session.IdleTimeout,
		EvictInterval:        c.Session.EvictInterval,
	}
}

// ReplayOptions converts the persistence section for the journal replayer.
func (c AppConfig) ReplayOptions() []syncer.ReplayOption {
	return []syncer.ReplayOption{
		syncer.WithReplayInterval(c.Persistence.ReplayInterval),
		syncer.WithReplayBatchSize(c.Persistence.ReplayBatchSize),
		syncer.WithReplayMaxAttempts(c.Persistence.ReplayMaxAttempts),
		syncer.WithDeliveredRetention(c.Persistence.DeliveredRetention),
	}
}

// SeedRecords converts the catalog seed into gateway rows.
func (c AppConfig) SeedRecords() []gateway.ProductRecord {
	out := make([]gateway.ProductRecord, 0, len(c.Catalog.Seed))
	for _, seed := range c.Catalog.Seed {
		out = append(out, gateway.ProductRecord{
			ID:             seed.ID,
			Slug:           seed.Slug,
			Name:           seed.Name,
			PriceTokens:    seed.PriceTokens,
			Image:          seed.Image,
			Category:       seed.Category,
			StockAvailable: seed.StockAvailable,
		})
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
