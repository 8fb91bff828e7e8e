package reconciliation_test

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	auditPostgres "github.com/frahmantamala/disbursement-core/internal/audit/postgres"
	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	"github.com/frahmantamala/disbursement-core/internal/payment"
	paymentPostgres "github.com/frahmantamala/disbursement-core/internal/payment/postgres"
	"github.com/frahmantamala/disbursement-core/internal/reconciliation"
)

var scenarioSchema = []string{
	`CREATE TABLE payments (
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
)`,
	`CREATE TABLE payment_audit_logs (
	id TEXT PRIMARY KEY,
	payment_id TEXT,
	batch_id TEXT,
	event_type TEXT NOT NULL,
	old_status TEXT,
	new_status TEXT,
	description TEXT,
	fsp_code TEXT,
	fsp_request TEXT,
	fsp_response TEXT,
	error_code TEXT,
	error_message TEXT,
	actor TEXT,
	correlation_id TEXT,
	created_at DATETIME NOT NULL
)`,
}

type staticStore struct {
	cfg *fspmodel.Configuration
}

func (s staticStore) GetByCode(_ context.Context, code string) (*fspmodel.Configuration, error) {
	if code != s.cfg.FSPCode {
		return nil, internal.NewNotFoundError("FSP not found", internal.ErrCodeFSPNotFound)
	}
	cp := *s.cfg
	return &cp, nil
}

func (s staticStore) List(context.Context) ([]*fspmodel.Configuration, error) {
	cp := *s.cfg
	return []*fspmodel.Configuration{&cp}, nil
}

func (s staticStore) UpdateHealth(context.Context, string, fspmodel.HealthStatus, time.Time, *time.Time) error {
	return nil
}

var _ = Describe("Reconciling against the mock provider", func() {
	var (
		ctx      context.Context
		db       *gorm.DB
		adapter  *fsp.MockAdapter
		payments *payment.Service
		ledger   *audit.Ledger
		engine   *reconciliation.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).NotTo(HaveOccurred())
		sqlDB, err := db.DB()
		Expect(err).NotTo(HaveOccurred())
		sqlDB.SetMaxOpenConns(1)
		for _, ddl := range scenarioSchema {
			Expect(db.Exec(ddl).Error).To(Succeed())
		}

		adapter = fsp.NewMockAdapter(discardLogger())
		health := fsp.NewMemoryHealthCache()
		Expect(health.Store(ctx, fsp.HealthState{
			FSPCode:       fsp.MockFSPCode,
			Status:        fspmodel.HealthHealthy,
			CheckedAt:     time.Now(),
			LastHealthyAt: time.Now(),
		})).To(Succeed())

		registry := fsp.NewRegistry(staticStore{cfg: &fspmodel.Configuration{
			ID:                  uuid.New(),
			FSPCode:             fsp.MockFSPCode,
			FSPName:             "Mock FSP",
			AdapterType:         fspmodel.AdapterMock,
			PaymentMethods:      "E_WALLET",
			IsActive:            true,
			IsSandbox:           true,
			MinAmount:           decimal.NewFromInt(1),
			MaxAmount:           decimal.NewFromInt(50000),
			TransactionFee:      decimal.NewFromInt(10),
			FeeType:             fspmodel.FeeTypeFixed,
			TimeoutSeconds:      5,
			ConcurrencyLimit:    2,
			SupportedCurrencies: "PHP",
			HealthStatus:        fspmodel.HealthHealthy,
		}}, health, fsp.NewMemoryDeduper(), discardLogger())
		Expect(registry.Register(adapter)).To(Succeed())

		ledger = audit.NewLedger(auditPostgres.NewAuditRepository(db), discardLogger())
		payments = payment.NewService(
			paymentPostgres.NewPaymentRepository(db),
			paymentPostgres.NewStatisticsRepository(sqlx.NewDb(sqlDB, "sqlite3")),
			registry,
			ledger,
			payment.Config{},
			discardLogger(),
		)
		engine = reconciliation.NewEngine(payments, registry, ledger, reconciliation.Config{}, discardLogger())
	})

	discrepancies := func() int {
		result, err := ledger.Query(ctx, audit.Filter{EventTypes: []audit.EventType{audit.EventReconciliationDiscrepancy}})
		Expect(err).NotTo(HaveOccurred())
		return int(result.Total)
	}

	completedPayment := func(amount string) *paymentmodel.Payment {
		p, err := payments.CreatePayment(ctx, payment.CreatePaymentRequest{
			HouseholdID:           uuid.New(),
			ProgramID:             uuid.New(),
			BeneficiaryID:         uuid.New(),
			Amount:                decimal.RequireFromString(amount),
			Currency:              "PHP",
			PaymentMethod:         paymentmodel.MethodEWallet,
			RecipientMobileNumber: "09171234567",
			RecipientAccountName:  "Juan Dela Cruz",
		})
		Expect(err).NotTo(HaveOccurred())
		p, err = payments.ProcessPayment(ctx, p.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Status).To(Equal(paymentmodel.StatusCompleted))
		return p
	}

	window := func() reconciliation.Request {
		return reconciliation.Request{
			FSPCode:   fsp.MockFSPCode,
			StartDate: time.Now().Add(-time.Hour),
			EndDate:   time.Now().Add(time.Hour),
		}
	}

	It("records exactly one discrepancy for a completed payment the provider does not know", func() {
		lost := completedPayment("500")
		completedPayment("700")
		adapter.Forget(lost.FSPReferenceNumber)

		report, err := engine.ReconcilePayments(ctx, window())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Checked).To(Equal(2))
		Expect(report.Discrepancies).To(HaveLen(1))
		Expect(report.Discrepancies[0].Type).To(Equal(reconciliation.MissingAtProvider))
		Expect(*report.Discrepancies[0].PaymentID).To(Equal(lost.ID))
		Expect(discrepancies()).To(Equal(1))

		reloaded, err := payments.GetPayment(ctx, lost.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(reloaded.Status).To(Equal(paymentmodel.StatusCompleted))
		Expect(reloaded.Version).To(Equal(lost.Version))

		again, err := engine.ReconcilePayments(ctx, window())
		Expect(err).NotTo(HaveOccurred())
		Expect(again.Discrepancies).To(HaveLen(1))
		Expect(again.Discrepancies[0].Fingerprint).To(Equal(report.Discrepancies[0].Fingerprint))
		Expect(discrepancies()).To(Equal(1))
	})

	It("finds nothing when both sides agree", func() {
		completedPayment("500")

		report, err := engine.ReconcilePayments(ctx, window())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Source).To(Equal(reconciliation.SourceSettlementReport))
		Expect(report.Matched).To(Equal(1))
		Expect(report.Discrepancies).To(BeEmpty())
		Expect(discrepancies()).To(BeZero())
	})
})
