package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	auditPostgres "github.com/frahmantamala/disbursement-core/internal/audit/postgres"
	"github.com/frahmantamala/disbursement-core/internal/batch"
	batchPostgres "github.com/frahmantamala/disbursement-core/internal/batch/postgres"
	"github.com/frahmantamala/disbursement-core/internal/core/database"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	"github.com/frahmantamala/disbursement-core/internal/core/events"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	fspPostgres "github.com/frahmantamala/disbursement-core/internal/fsp/postgres"
	"github.com/frahmantamala/disbursement-core/internal/payment"
	paymentPostgres "github.com/frahmantamala/disbursement-core/internal/payment/postgres"
	"github.com/frahmantamala/disbursement-core/internal/paymentgateway"
	"github.com/frahmantamala/disbursement-core/internal/reconciliation"
	"github.com/frahmantamala/disbursement-core/pkg/logger"
)

// Dependencies is the shared object graph behind the server, the worker and
// the one-shot commands.
type Dependencies struct {
	Config         *internal.Config
	Logger         *slog.Logger
	DB             *sqlx.DB
	Gorm           *gorm.DB
	Redis          *redis.Client
	Bus            *events.EventBus
	Forwarder      *events.KafkaForwarder
	Ledger         *audit.Ledger
	Registry       *fsp.Registry
	FSPService     *fsp.Service
	Payments       *payment.Service
	Orchestrator   *batch.Orchestrator
	Reconciliation *reconciliation.Engine
}

func initializeDependencies(ctx context.Context) (*Dependencies, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.Configure(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)

	db, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	gdb, err := database.OpenGorm(db.DB, cfg.Observability.Logging.Level == "debug")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}

	deps := &Dependencies{
		Config: cfg,
		Logger: log,
		DB:     db,
		Gorm:   gdb,
		Bus:    events.NewEventBus(log),
	}

	var (
		health  fsp.HealthCache     = fsp.NewMemoryHealthCache()
		deduper fsp.WebhookDeduper = fsp.NewMemoryDeduper()
	)
	if cfg.Cache.RedisURL != "" {
		rdb, err := initRedis(ctx, cfg.Cache.RedisURL)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.Redis = rdb
		health = fsp.NewRedisHealthCache(rdb)
		deduper = fsp.NewRedisDeduper(rdb)
	} else {
		log.Warn("no redis configured, fsp health and webhook dedup are process local")
	}

	if cfg.Messaging.Kafka.Enabled {
		writer := events.NewKafkaWriter(cfg.Messaging.Kafka.Brokers, cfg.Messaging.Kafka.Topic)
		deps.Forwarder = events.NewKafkaForwarder(writer, log)
		deps.Forwarder.Register(deps.Bus)
		log.Info("forwarding status events to kafka", "topic", cfg.Messaging.Kafka.Topic, "brokers", cfg.Messaging.Kafka.Brokers)
	}

	deps.Ledger = audit.NewLedger(auditPostgres.NewAuditRepository(gdb), log)

	configs := fspPostgres.NewConfigurationRepository(gdb)
	stats := paymentPostgres.NewStatisticsRepository(db)
	deps.Registry = fsp.NewRegistry(configs, health, deduper, log).
		WithVolumeSource(stats).
		WithDefaultConcurrency(cfg.FSP.DefaultConcurrencyLimit)

	if cfg.FSP.EnableMock {
		if err := deps.Registry.Register(fsp.NewMockAdapter(log)); err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to register mock fsp: %w", err)
		}
	}

	deps.FSPService = fsp.NewService(configs, deps.Registry, deps.Ledger, adapterFactory(cfg, log), log)
	loaded, err := deps.FSPService.LoadAdapters(ctx)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to load fsp adapters: %w", err)
	}
	log.Info("fsp adapters loaded", "count", loaded, "codes", deps.Registry.Codes())

	deps.Payments = payment.NewService(
		paymentPostgres.NewPaymentRepository(gdb),
		stats,
		deps.Registry,
		deps.Ledger,
		payment.Config{
			DefaultCurrency:      cfg.Payment.DefaultCurrency,
			DefaultMaxRetryCount: cfg.Payment.DefaultMaxRetryCount,
			RetryDelay:           cfg.Payment.RetryDelay,
			ExpiryWindow:         cfg.Payment.ExpiryWindow,
		},
		log,
	).WithEvents(deps.Bus)

	orchestrator, err := batch.NewOrchestrator(
		batchPostgres.NewBatchRepository(gdb),
		deps.Payments,
		deps.Registry,
		deps.Ledger,
		batch.Config{
			FailureThreshold: cfg.Batch.Threshold(),
			StaleAfter:       cfg.Batch.StaleAfter,
			RetryBackoff:     cfg.Batch.RetryBackoff,
			QueueSize:        cfg.Batch.QueueSize,
		},
		log,
	)
	if err != nil {
		deps.Close()
		return nil, err
	}
	deps.Orchestrator = orchestrator.WithEvents(deps.Bus)
	deps.Orchestrator.Subscribe(deps.Bus)

	deps.Reconciliation = reconciliation.NewEngine(
		deps.Payments,
		deps.Registry,
		deps.Ledger,
		reconciliation.Config{
			DefaultWindow: cfg.Reconciliation.DefaultWindow,
			Parallelism:   cfg.Reconciliation.Parallelism,
		},
		log,
	)

	return deps, nil
}

// adapterFactory builds adapters for stored configurations. MOCK
// configurations are only honoured when the mock provider is enabled.
func adapterFactory(cfg *internal.Config, log *slog.Logger) fsp.AdapterFactory {
	return func(c *fspmodel.Configuration) (fsp.Adapter, error) {
		switch c.AdapterType {
		case fspmodel.AdapterREST:
			timeout := cfg.FSP.DefaultTimeout
			if c.TimeoutSeconds > 0 {
				timeout = c.Timeout()
			}
			return paymentgateway.NewClient(c, &http.Client{Timeout: timeout}, log), nil
		case fspmodel.AdapterMock:
			if !cfg.FSP.EnableMock {
				return nil, fmt.Errorf("mock adapter is disabled")
			}
			return fsp.NewMockAdapter(log), nil
		}
		return nil, fmt.Errorf("unsupported adapter type %q", c.AdapterType)
	}
}

func (d *Dependencies) Close() {
	if d.Orchestrator != nil {
		d.Orchestrator.Shutdown()
	}
	if d.Forwarder != nil {
		if err := d.Forwarder.Close(); err != nil {
			d.Logger.Error("kafka writer close error", "error", err)
		}
	}
	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			d.Logger.Error("redis close error", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			d.Logger.Error("database close error", "error", err)
		}
	}
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	dbConn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	// verify connection; close underlying *sql.DB on failure
	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}

func initRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}
