package batch_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	"github.com/frahmantamala/disbursement-core/internal/batch"
	batchPostgres "github.com/frahmantamala/disbursement-core/internal/batch/postgres"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/core/events"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	"github.com/frahmantamala/disbursement-core/internal/payment"
	paymentPostgres "github.com/frahmantamala/disbursement-core/internal/payment/postgres"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const paymentsTable = `CREATE TABLE payments (
	id TEXT PRIMARY KEY,
	household_id TEXT NOT NULL,
	program_id TEXT NOT NULL,
	beneficiary_id TEXT NOT NULL,
	batch_id TEXT,
	amount NUMERIC NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	fsp_code TEXT,
	fsp_reference_number TEXT,
	internal_reference_number TEXT NOT NULL UNIQUE,
	recipient_account_number TEXT,
	recipient_account_name TEXT,
	recipient_mobile_number TEXT,
	transaction_fee NUMERIC NOT NULL DEFAULT 0,
	scheduled_date DATETIME NOT NULL,
	processed_date DATETIME,
	completed_date DATETIME,
	failure_reason TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retry_count INTEGER NOT NULL DEFAULT 3,
	retry_eligible BOOLEAN NOT NULL DEFAULT 1,
	correlation_id TEXT,
	metadata TEXT,
	created_by TEXT,
	updated_by TEXT,
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME
)`

const batchesTable = `CREATE TABLE payment_batches (
	id TEXT PRIMARY KEY,
	batch_number TEXT NOT NULL UNIQUE,
	program_id TEXT NOT NULL,
	fsp_code TEXT,
	payment_method TEXT,
	status TEXT NOT NULL,
	total_payments INTEGER NOT NULL,
	total_amount NUMERIC NOT NULL,
	successful_payments INTEGER NOT NULL DEFAULT 0,
	failed_payments INTEGER NOT NULL DEFAULT 0,
	scheduled_date DATETIME NOT NULL,
	started_date DATETIME,
	completed_date DATETIME,
	needs_attention BOOLEAN NOT NULL DEFAULT 0,
	attention_reason TEXT,
	notes TEXT,
	created_by TEXT,
	updated_by TEXT,
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME,
	updated_at DATETIME
)`

func openDB() (*gorm.DB, *sqlx.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		panic(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		panic(err)
	}
	// every connection to :memory: is its own database
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range []string{paymentsTable, batchesTable} {
		if err := db.Exec(ddl).Error; err != nil {
			panic(err)
		}
	}
	return db, sqlx.NewDb(sqlDB, "sqlite3")
}

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Record(_ context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recorder) ofType(t audit.EventType) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(t audit.EventType) int {
	return len(r.ofType(t))
}

type configStore struct {
	mu      sync.Mutex
	configs map[string]*fspmodel.Configuration
}

func (s *configStore) GetByCode(_ context.Context, code string) (*fspmodel.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[code]
	if !ok {
		return nil, internal.NewNotFoundError("FSP not found", internal.ErrCodeFSPNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *configStore) List(_ context.Context) ([]*fspmodel.Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fspmodel.Configuration, 0, len(s.configs))
	for _, c := range s.configs {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *configStore) UpdateHealth(context.Context, string, fspmodel.HealthStatus, time.Time, *time.Time) error {
	return nil
}

func mockConfig() *fspmodel.Configuration {
	return &fspmodel.Configuration{
		ID:                  uuid.New(),
		FSPCode:             fsp.MockFSPCode,
		FSPName:             "Mock FSP",
		AdapterType:         fspmodel.AdapterMock,
		PaymentMethods:      "BANK_TRANSFER,E_WALLET,CASH_PICKUP",
		IsActive:            true,
		IsSandbox:           true,
		MinAmount:           decimal.NewFromInt(1),
		MaxAmount:           decimal.NewFromInt(50000),
		TransactionFee:      decimal.NewFromInt(10),
		FeeType:             fspmodel.FeeTypeFixed,
		TimeoutSeconds:      5,
		RetryAttempts:       0,
		ConcurrencyLimit:    2,
		SupportedCurrencies: "PHP",
		HealthStatus:        fspmodel.HealthHealthy,
	}
}

// fixture runs the orchestrator over sqlite-backed repositories and the
// mock provider.
type fixture struct {
	db           *gorm.DB
	audit        *recorder
	adapter      *fsp.MockAdapter
	registry     *fsp.Registry
	bus          *events.EventBus
	payments     *payment.Service
	batches      batch.RepositoryAPI
	orchestrator *batch.Orchestrator
	cfg          batch.Config
	programID    uuid.UUID
}

func newFixture(retryBackoff time.Duration) *fixture {
	return newFixtureWith(batch.Config{
		FailureThreshold: 0.5,
		StaleAfter:       time.Hour,
		RetryBackoff:     retryBackoff,
		QueueSize:        16,
	})
}

func newFixtureWith(cfg batch.Config) *fixture {
	db, sqlxDB := openDB()
	f := &fixture{
		cfg:       cfg,
		db:        db,
		audit:     &recorder{},
		adapter:   fsp.NewMockAdapter(discardLogger()),
		bus:       events.NewEventBus(discardLogger()),
		batches:   batchPostgres.NewBatchRepository(db),
		programID: uuid.New(),
	}

	health := fsp.NewMemoryHealthCache()
	store := &configStore{configs: map[string]*fspmodel.Configuration{fsp.MockFSPCode: mockConfig()}}
	f.registry = fsp.NewRegistry(store, health, fsp.NewMemoryDeduper(), discardLogger())
	if err := f.registry.Register(f.adapter); err != nil {
		panic(err)
	}
	_ = health.Store(context.Background(), fsp.HealthState{
		FSPCode:       fsp.MockFSPCode,
		Status:        fspmodel.HealthHealthy,
		CheckedAt:     time.Now(),
		LastHealthyAt: time.Now(),
	})

	f.payments = payment.NewService(
		paymentPostgres.NewPaymentRepository(db),
		paymentPostgres.NewStatisticsRepository(sqlxDB),
		f.registry,
		f.audit,
		payment.Config{},
		discardLogger(),
	).WithEvents(f.bus)

	f.orchestrator = f.newOrchestrator(cfg.RetryBackoff)
	f.orchestrator.Subscribe(f.bus)
	return f
}

func (f *fixture) newOrchestrator(retryBackoff time.Duration) *batch.Orchestrator {
	cfg := f.cfg
	cfg.RetryBackoff = retryBackoff
	o, err := batch.NewOrchestrator(f.batches, f.payments, f.registry, f.audit, cfg, discardLogger())
	if err != nil {
		panic(err)
	}
	return o.WithEvents(f.bus)
}

func (f *fixture) request(amounts ...string) batch.CreateBatchRequest {
	req := batch.CreateBatchRequest{
		ProgramID:     f.programID,
		PaymentMethod: paymentmodel.MethodEWallet,
	}
	for _, amount := range amounts {
		req.Payments = append(req.Payments, payment.CreatePaymentRequest{
			HouseholdID:           uuid.New(),
			BeneficiaryID:         uuid.New(),
			Amount:                decimal.RequireFromString(amount),
			Currency:              "PHP",
			RecipientMobileNumber: "09171234567",
			RecipientAccountName:  "Maria Santos",
		})
	}
	return req
}

// collidingRepository rejects the first conflicts inserts as duplicates and
// remembers the member references of every attempt.
type collidingRepository struct {
	batch.RepositoryAPI
	conflicts int
	attempts  [][]string
}

func (r *collidingRepository) CreateWithPayments(ctx context.Context, b *batchmodel.PaymentBatch, members []*paymentmodel.Payment) error {
	refs := make([]string, 0, len(members))
	for _, p := range members {
		refs = append(refs, p.InternalReferenceNumber)
	}
	r.attempts = append(r.attempts, refs)
	if r.conflicts > 0 {
		r.conflicts--
		return internal.NewConflictError("duplicate reference", internal.ErrCodeDuplicateReference)
	}
	return r.RepositoryAPI.CreateWithPayments(ctx, b, members)
}

// pinnedPayments records the FSP code each member was submitted through.
type pinnedPayments struct {
	batch.PaymentsAPI
	mu    sync.Mutex
	codes []string
}

func (p *pinnedPayments) ProcessPaymentVia(ctx context.Context, id uuid.UUID, fspCode string) (*paymentmodel.Payment, error) {
	p.mu.Lock()
	p.codes = append(p.codes, fspCode)
	p.mu.Unlock()
	return p.PaymentsAPI.ProcessPaymentVia(ctx, id, fspCode)
}

func (p *pinnedPayments) submittedVia() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.codes...)
}

func (f *fixture) batchStatus(id uuid.UUID) func() string {
	return func() string {
		b, err := f.batches.GetByID(context.Background(), id)
		if err != nil {
			return err.Error()
		}
		return string(b.Status)
	}
}

func (f *fixture) memberStatuses(id uuid.UUID) []paymentmodel.Status {
	members, err := f.payments.ListBatchPayments(context.Background(), id)
	if err != nil {
		panic(err)
	}
	out := make([]paymentmodel.Status, 0, len(members))
	for _, p := range members {
		out = append(out, p.Status)
	}
	return out
}
