package fsp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
)

const MockFSPCode = "MOCK_FSP"

var (
	mockInstantLimit    = decimal.NewFromInt(1000)
	mockRejectAbove     = decimal.NewFromInt(10000)
	mockInstantFee      = decimal.NewFromInt(5)
	mockProcessingFee   = decimal.NewFromInt(10)
	mockSettlementDelay = 5 * time.Minute
)

type mockRecord struct {
	reference   string
	internalRef string
	status      ProviderStatus
	amount      decimal.Decimal
	message     string
	errorCode   string
	createdAt   time.Time
}

// advance settles a processing record once the settlement delay has passed.
func (r *mockRecord) advance(now time.Time) {
	if r.status == ProviderStatusProcessing && now.Sub(r.createdAt) >= mockSettlementDelay {
		r.status = ProviderStatusCompleted
		r.message = "Payment completed successfully"
	}
}

// MockAdapter is the sandbox provider. Amounts under 1000 settle at once,
// amounts over 10000 are rejected, everything else settles five minutes
// after submission.
type MockAdapter struct {
	mu          sync.Mutex
	payments    map[string]*mockRecord
	healthy     atomic.Bool
	unreachable atomic.Bool
	logger      *slog.Logger
	now         func() time.Time
}

func NewMockAdapter(logger *slog.Logger) *MockAdapter {
	m := &MockAdapter{
		payments: make(map[string]*mockRecord),
		logger:   logger,
		now:      time.Now,
	}
	m.healthy.Store(true)
	return m
}

// SetHealthy changes what the health probe observes.
func (m *MockAdapter) SetHealthy(healthy bool) {
	m.healthy.Store(healthy)
}

// SetUnreachable makes every provider call fail with a transient error.
func (m *MockAdapter) SetUnreachable(unreachable bool) {
	m.unreachable.Store(unreachable)
}

// SetStatus overrides the provider-side status of a reference.
func (m *MockAdapter) SetStatus(reference string, status ProviderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.payments[reference]; ok {
		rec.status = status
		return
	}
	m.payments[reference] = &mockRecord{reference: reference, status: status, createdAt: m.now()}
}

// Forget drops a reference so the provider no longer knows it.
func (m *MockAdapter) Forget(reference string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.payments, reference)
}

func (m *MockAdapter) FSPCode() string {
	return MockFSPCode
}

func (m *MockAdapter) IsHealthy(_ context.Context) bool {
	return m.healthy.Load()
}

func (m *MockAdapter) SubmitPayment(ctx context.Context, req PaymentRequest, _ *fspmodel.Configuration) (*Outcome, error) {
	if err := m.reachable(ctx); err != nil {
		return nil, err
	}

	rawReq, _ := json.Marshal(req)
	rec := &mockRecord{
		reference:   "MOCK-" + strings.ToUpper(uuid.NewString()[:8]),
		internalRef: req.InternalReference,
		amount:      req.Amount,
		createdAt:   m.now(),
	}

	outcome := &Outcome{ReferenceNumber: rec.reference, RawRequest: rawReq}
	switch {
	case req.Amount.LessThan(mockInstantLimit):
		rec.status = ProviderStatusCompleted
		rec.message = "Payment completed successfully"
		outcome.Success = true
		outcome.Fee = mockInstantFee
	case req.Amount.GreaterThan(mockRejectAbove):
		rec.status = ProviderStatusFailed
		rec.message = "Amount exceeds daily limit"
		rec.errorCode = "AMOUNT_LIMIT_EXCEEDED"
		outcome.ErrorCode = rec.errorCode
	default:
		rec.status = ProviderStatusProcessing
		rec.message = "Payment is being processed"
		outcome.Success = true
		outcome.Fee = mockProcessingFee
	}
	outcome.Status = rec.status
	outcome.Message = rec.message

	m.mu.Lock()
	m.payments[rec.reference] = rec
	m.mu.Unlock()

	outcome.RawResponse, _ = json.Marshal(map[string]any{
		"reference_number": rec.reference,
		"status":           rec.status,
		"message":          rec.message,
		"error_code":       rec.errorCode,
		"fee":              outcome.Fee,
	})

	m.logger.Debug("mock fsp: payment submitted",
		"reference", rec.reference,
		"amount", req.Amount.String(),
		"status", rec.status)
	return outcome, nil
}

func (m *MockAdapter) CheckPaymentStatus(ctx context.Context, reference string, _ *fspmodel.Configuration) (*StatusResult, error) {
	if err := m.reachable(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rec, ok := m.payments[reference]
	if !ok {
		raw, _ := json.Marshal(map[string]string{"reference_number": reference, "error_code": "PAYMENT_NOT_FOUND"})
		return &StatusResult{
			ReferenceNumber: reference,
			Status:          ProviderStatusNotFound,
			ErrorCode:       "PAYMENT_NOT_FOUND",
			Message:         "Payment not found",
			CheckedAt:       now,
			RawResponse:     raw,
		}, nil
	}

	rec.advance(now)

	raw, _ := json.Marshal(map[string]any{"reference_number": reference, "status": rec.status, "message": rec.message})
	return &StatusResult{
		ReferenceNumber: reference,
		Status:          rec.status,
		Amount:          rec.amount,
		Message:         rec.message,
		ErrorCode:       rec.errorCode,
		CheckedAt:       now,
		RawResponse:     raw,
	}, nil
}

func (m *MockAdapter) CancelPayment(ctx context.Context, reference string, _ *fspmodel.Configuration) (*Outcome, error) {
	if err := m.reachable(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.payments[reference]
	if !ok {
		return nil, NewRejection(MockFSPCode, "PAYMENT_NOT_FOUND", "Payment not found")
	}
	if rec.status == ProviderStatusCompleted {
		return nil, NewRejection(MockFSPCode, "CANNOT_CANCEL_COMPLETED", "Cannot cancel completed payment")
	}

	rec.status = ProviderStatusCancelled
	rec.message = "Payment cancelled successfully"
	raw, _ := json.Marshal(map[string]any{"reference_number": reference, "status": rec.status})
	return &Outcome{
		Success:         true,
		ReferenceNumber: reference,
		Status:          ProviderStatusCancelled,
		Message:         rec.message,
		RawResponse:     raw,
	}, nil
}

// SettlementReport lists every payment submitted in [start, end), ordered by
// submission time.
func (m *MockAdapter) SettlementReport(ctx context.Context, _ *fspmodel.Configuration, start, end time.Time) ([]SettlementRecord, error) {
	if err := m.reachable(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	records := make([]SettlementRecord, 0, len(m.payments))
	for _, rec := range m.payments {
		if rec.createdAt.Before(start) || !rec.createdAt.Before(end) {
			continue
		}
		rec.advance(now)
		line := SettlementRecord{
			ReferenceNumber:   rec.reference,
			InternalReference: rec.internalRef,
			Status:            rec.status,
			Amount:            rec.amount,
		}
		if rec.status == ProviderStatusCompleted {
			line.SettledAt = rec.createdAt
			if rec.amount.GreaterThanOrEqual(mockInstantLimit) {
				line.SettledAt = rec.createdAt.Add(mockSettlementDelay)
			}
		}
		records = append(records, line)
	}
	sort.Slice(records, func(i, j int) bool {
		return m.payments[records[i].ReferenceNumber].createdAt.Before(m.payments[records[j].ReferenceNumber].createdAt)
	})
	return records, nil
}

func (m *MockAdapter) ValidateConfiguration(cfg *fspmodel.Configuration) bool {
	return cfg != nil && cfg.FSPCode == MockFSPCode
}

func (m *MockAdapter) TestConnection(ctx context.Context, _ *fspmodel.Configuration) bool {
	return m.reachable(ctx) == nil
}

func (m *MockAdapter) SupportedPaymentMethods() []paymentmodel.Method {
	return []paymentmodel.Method{paymentmodel.MethodEWallet, paymentmodel.MethodBankTransfer, paymentmodel.MethodCashPickup}
}

func (m *MockAdapter) MinimumAmount() decimal.Decimal {
	return decimal.NewFromInt(1)
}

func (m *MockAdapter) MaximumAmount() decimal.Decimal {
	return decimal.NewFromInt(50000)
}

type mockWebhook struct {
	ReferenceNumber string `json:"reference_number"`
	Event           string `json:"event"`
	Status          string `json:"status"`
	Message         string `json:"message"`
}

func (m *MockAdapter) ProcessWebhook(_ context.Context, payload []byte, _ http.Header, _ *fspmodel.Configuration) (*WebhookEvent, error) {
	var body mockWebhook
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, NewRejection(MockFSPCode, "MALFORMED_WEBHOOK", err.Error())
	}
	if body.ReferenceNumber == "" || body.Status == "" {
		return nil, NewRejection(MockFSPCode, "MALFORMED_WEBHOOK", "reference_number and status are required")
	}
	if body.Event == "" {
		body.Event = "payment." + strings.ToLower(body.Status)
	}

	status := ProviderStatus(strings.ToUpper(body.Status))
	m.SetStatus(body.ReferenceNumber, status)

	return &WebhookEvent{
		ReferenceNumber: body.ReferenceNumber,
		Event:           body.Event,
		Status:          status,
		Message:         body.Message,
		Raw:             json.RawMessage(payload),
	}, nil
}

func (m *MockAdapter) reachable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return NewTransientError(MockFSPCode, "CANCELLED", "request cancelled", err)
	}
	if m.unreachable.Load() {
		return NewTransientError(MockFSPCode, "UNREACHABLE", "mock provider unreachable", nil)
	}
	return nil
}
