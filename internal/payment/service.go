package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	"github.com/frahmantamala/disbursement-core/internal/core/common/validation"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/core/events"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

const (
	sweepBatchSize        = 100
	defaultSearchPageSize = 20
	maxSearchPageSize     = 100
	referenceAttempts     = 3
)

// RepositoryAPI is the payment store. Update is a compare-and-swap on
// Payment.Version and returns a Conflict when the row moved underneath.
type RepositoryAPI interface {
	Create(ctx context.Context, p *paymentmodel.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error)
	GetByInternalReference(ctx context.Context, ref string) (*paymentmodel.Payment, error)
	GetByFSPReference(ctx context.Context, fspCode, ref string) (*paymentmodel.Payment, error)
	Update(ctx context.Context, p *paymentmodel.Payment) error
	Search(ctx context.Context, c SearchCriteria) ([]*paymentmodel.Payment, int64, error)
	ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*paymentmodel.Payment, error)
	ListSubmitted(ctx context.Context, fspCode string, from, to time.Time) ([]*paymentmodel.Payment, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*paymentmodel.Payment, error)
	ListRetryable(ctx context.Context, updatedBefore time.Time, limit int) ([]*paymentmodel.Payment, error)
	ListExpirable(ctx context.Context, scheduledBefore time.Time, limit int) ([]*paymentmodel.Payment, error)
}

type StatisticsAPI interface {
	CountByStatus(ctx context.Context, f StatsFilter) ([]StatusStat, error)
	StatsByFSP(ctx context.Context, f StatsFilter) ([]FSPStat, error)
	DailyVolume(ctx context.Context, f StatsFilter) ([]DailyVolume, error)
	Totals(ctx context.Context, f StatsFilter) (int64, decimal.Decimal, error)
	SubmittedAmountSince(ctx context.Context, fspCode string, since time.Time) (decimal.Decimal, error)
}

// FSPGateway is the part of the FSP registry the lifecycle manager drives.
type FSPGateway interface {
	GetBestFSP(ctx context.Context, method paymentmodel.Method, amount decimal.Decimal, currency string) (*fsp.Selection, error)
	Preflight(ctx context.Context, code string, req fsp.PaymentRequest) error
	IsHealthy(ctx context.Context, code string) bool
	SubmitPayment(ctx context.Context, code string, req fsp.PaymentRequest) (*fsp.Outcome, error)
	CheckPaymentStatus(ctx context.Context, code, reference string) (*fsp.StatusResult, error)
	CancelPayment(ctx context.Context, code, reference string) (*fsp.Outcome, error)
	ProcessWebhook(ctx context.Context, code string, payload []byte, headers http.Header) (*fsp.WebhookEvent, error)
	ReleaseWebhook(ctx context.Context, event *fsp.WebhookEvent) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Config struct {
	DefaultCurrency      string
	DefaultMaxRetryCount int
	RetryDelay           time.Duration
	ExpiryWindow         time.Duration
}

// Service is the payment lifecycle manager. It owns every status change of a
// Payment and writes the matching audit entry.
type Service struct {
	repo     RepositoryAPI
	stats    StatisticsAPI
	registry FSPGateway
	audit    audit.Recorder
	events   EventPublisher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(repo RepositoryAPI, stats StatisticsAPI, registry FSPGateway, recorder audit.Recorder, cfg Config, logger *slog.Logger) *Service {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "PHP"
	}
	if cfg.DefaultMaxRetryCount <= 0 {
		cfg.DefaultMaxRetryCount = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Minute
	}
	if cfg.ExpiryWindow <= 0 {
		cfg.ExpiryWindow = 30 * 24 * time.Hour
	}
	return &Service{
		repo:     repo,
		stats:    stats,
		registry: registry,
		audit:    recorder,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// NewPayment builds a PENDING payment from a validated request without
// persisting it.
func (s *Service) NewPayment(ctx context.Context, req CreatePaymentRequest, batchID *uuid.UUID) *paymentmodel.Payment {
	now := s.now().UTC()
	actor := internal.ActorFromContext(ctx)

	p := &paymentmodel.Payment{
		ID:                      uuid.New(),
		HouseholdID:             req.HouseholdID,
		ProgramID:               req.ProgramID,
		BeneficiaryID:           req.BeneficiaryID,
		BatchID:                 batchID,
		Amount:                  req.Amount,
		Currency:                strings.ToUpper(req.Currency),
		Status:                  paymentmodel.StatusPending,
		PaymentMethod:           req.PaymentMethod,
		FSPCode:                 req.FSPCode,
		InternalReferenceNumber: req.InternalReferenceNumber,
		RecipientAccountNumber:  req.RecipientAccountNumber,
		RecipientAccountName:    req.RecipientAccountName,
		RecipientMobileNumber:   req.RecipientMobileNumber,
		TransactionFee:          decimal.Zero,
		ScheduledDate:           now,
		MaxRetryCount:           s.cfg.DefaultMaxRetryCount,
		RetryEligible:           true,
		CreatedBy:               actor,
		UpdatedBy:               actor,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if p.Currency == "" {
		p.Currency = s.cfg.DefaultCurrency
	}
	if p.InternalReferenceNumber == "" {
		p.InternalReferenceNumber = GenerateReference(now)
	}
	if req.ScheduledDate != nil {
		p.ScheduledDate = req.ScheduledDate.UTC()
	}
	if req.MaxRetryCount != nil {
		p.MaxRetryCount = *req.MaxRetryCount
	}
	if len(req.Metadata) > 0 {
		p.Metadata = datatypes.JSON(req.Metadata)
	}
	return p
}

// CreatePayment persists a new PENDING payment. A caller-supplied reference
// that already exists is a Conflict; a generated one is regenerated.
func (s *Service) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*paymentmodel.Payment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p := s.NewPayment(ctx, req, nil)
	generated := req.InternalReferenceNumber == ""
	for attempt := 1; ; attempt++ {
		err := s.repo.Create(ctx, p)
		if err == nil {
			break
		}
		if generated && attempt < referenceAttempts && internal.IsErrorType(err, internal.ErrorTypeConflict) {
			p.InternalReferenceNumber = GenerateReference(s.now())
			continue
		}
		if internal.IsErrorType(err, internal.ErrorTypeConflict) {
			s.logger.Warn("duplicate payment reference rejected", "reference", p.InternalReferenceNumber)
			return nil, err
		}
		return nil, s.fail(ctx, nil, "create payment", err)
	}

	s.RecordCreated(ctx, p)
	s.logger.Info("payment created",
		"payment_id", p.ID,
		"reference", p.InternalReferenceNumber,
		"amount", p.Amount.StringFixed(2),
		"currency", p.Currency,
		"method", p.PaymentMethod)
	return p, nil
}

// RecordCreated writes the PAYMENT_CREATED entry for a persisted payment.
func (s *Service) RecordCreated(ctx context.Context, p *paymentmodel.Payment) {
	s.record(ctx, audit.Entry{
		PaymentID:   &p.ID,
		BatchID:     p.BatchID,
		EventType:   audit.EventPaymentCreated,
		NewStatus:   string(p.Status),
		FSPCode:     p.FSPCode,
		Description: fmt.Sprintf("payment %s created for %s %s", p.InternalReferenceNumber, p.Amount.StringFixed(2), p.Currency),
	})
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, s.fail(ctx, &id, "get payment", err)
	}
	return p, nil
}

func (s *Service) GetPaymentByReference(ctx context.Context, ref string) (*paymentmodel.Payment, error) {
	p, err := s.repo.GetByInternalReference(ctx, ref)
	if err != nil {
		return nil, s.fail(ctx, nil, "get payment by reference", err)
	}
	return p, nil
}

func (s *Service) SearchPayments(ctx context.Context, c SearchCriteria) ([]*paymentmodel.Payment, int64, error) {
	if !c.From.IsZero() && !c.To.IsZero() {
		if appErr := validation.ValidateDateRange(c.From, c.To); appErr != nil {
			return nil, 0, appErr
		}
	}
	if c.Status != "" && !c.Status.Valid() {
		return nil, 0, internal.NewValidationFieldError("status", fmt.Sprintf("unknown payment status %s", c.Status), internal.ErrCodeInvalidStatus)
	}
	if c.Limit <= 0 {
		c.Limit = defaultSearchPageSize
	}
	if c.Limit > maxSearchPageSize {
		c.Limit = maxSearchPageSize
	}
	if c.Offset < 0 {
		c.Offset = 0
	}

	payments, total, err := s.repo.Search(ctx, c)
	if err != nil {
		return nil, 0, s.fail(ctx, nil, "search payments", err)
	}
	return payments, total, nil
}

func (s *Service) ListBatchPayments(ctx context.Context, batchID uuid.UUID) ([]*paymentmodel.Payment, error) {
	payments, err := s.repo.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, s.fail(ctx, nil, "list batch payments", err)
	}
	return payments, nil
}

// ListSubmitted returns the payments sent to fspCode within [from, to).
func (s *Service) ListSubmitted(ctx context.Context, fspCode string, from, to time.Time) ([]*paymentmodel.Payment, error) {
	payments, err := s.repo.ListSubmitted(ctx, fspCode, from, to)
	if err != nil {
		return nil, s.fail(ctx, nil, "list submitted payments", err)
	}
	return payments, nil
}

// CanProcessPayment reports whether the payment is processable and its
// chosen or candidate FSP is currently healthy.
func (s *Service) CanProcessPayment(ctx context.Context, id uuid.UUID) (bool, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status != paymentmodel.StatusPending && !p.CanRetry() {
		return false, nil
	}
	if p.FSPCode != "" {
		return s.registry.IsHealthy(ctx, p.FSPCode), nil
	}
	_, err = s.registry.GetBestFSP(ctx, p.PaymentMethod, p.Amount, p.Currency)
	return err == nil, nil
}

// ProcessPayment submits a PENDING payment, or a FAILED one with retries
// left, to an FSP. Provider outcomes, including exhausted transient failures
// and rejections, are reported through the returned payment's status rather
// than as an error.
func (s *Service) ProcessPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error) {
	return s.ProcessPaymentVia(ctx, id, "")
}

// ProcessPaymentVia submits through fspCode unless the payment already
// carries its own FSP. An empty fspCode routes to the best FSP.
func (s *Service) ProcessPaymentVia(ctx context.Context, id uuid.UUID, fspCode string) (*paymentmodel.Payment, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(p, paymentmodel.StatusProcessing); err != nil {
		return nil, err
	}

	code, err := s.chooseFSP(ctx, p, fspCode)
	if err != nil {
		s.recordFSPError(ctx, p, p.FSPCode, "no FSP available for submission", err)
		return nil, err
	}

	corrID := uuid.NewString()
	ctx = internal.ContextWithCorrelationID(ctx, corrID)
	req := fsp.PaymentRequest{
		PaymentID:              p.ID,
		InternalReference:      p.InternalReferenceNumber,
		Amount:                 p.Amount,
		Currency:               p.Currency,
		Method:                 p.PaymentMethod,
		RecipientAccountNumber: p.RecipientAccountNumber,
		RecipientAccountName:   p.RecipientAccountName,
		RecipientMobileNumber:  p.RecipientMobileNumber,
		CorrelationID:          corrID,
	}
	if err := s.registry.Preflight(ctx, code, req); err != nil {
		s.recordFSPError(ctx, p, code, "submission refused before contacting FSP", err)
		return nil, s.fail(ctx, &p.ID, "preflight", err)
	}

	now := s.now().UTC()
	err = s.transition(ctx, p, paymentmodel.StatusProcessing, func(q *paymentmodel.Payment) {
		q.FSPCode = code
		q.ProcessedDate = &now
		q.CorrelationID = corrID
		q.FailureReason = ""
	}, audit.Entry{FSPCode: code, Description: fmt.Sprintf("submitting to %s", code)})
	if err != nil {
		return nil, s.fail(ctx, &p.ID, "start processing", err)
	}

	rawReq, _ := json.Marshal(req)
	s.record(ctx, audit.Entry{
		PaymentID:   &p.ID,
		BatchID:     p.BatchID,
		EventType:   audit.EventFSPRequest,
		FSPCode:     code,
		FSPRequest:  rawReq,
		Description: fmt.Sprintf("submit %s %s via %s", p.Amount.StringFixed(2), p.Currency, code),
	})

	outcome, err := s.registry.SubmitPayment(ctx, code, req)
	switch {
	case err != nil:
		return s.submissionFailed(ctx, p, code, err)
	case !outcome.Success:
		return s.submissionRejected(ctx, p, code, outcome)
	default:
		return s.submissionAccepted(ctx, p, code, outcome)
	}
}

func (s *Service) chooseFSP(ctx context.Context, p *paymentmodel.Payment, pinned string) (string, error) {
	code := p.FSPCode
	if code == "" {
		code = pinned
	}
	if code != "" {
		if !s.registry.IsHealthy(ctx, code) {
			return "", internal.NewConfigurationError(
				fmt.Sprintf("FSP %s is not currently healthy", code), internal.ErrCodeFSPUnavailable)
		}
		return code, nil
	}
	sel, err := s.registry.GetBestFSP(ctx, p.PaymentMethod, p.Amount, p.Currency)
	if err != nil {
		return "", err
	}
	return sel.Config.FSPCode, nil
}

func (s *Service) submissionAccepted(ctx context.Context, p *paymentmodel.Payment, code string, outcome *fsp.Outcome) (*paymentmodel.Payment, error) {
	s.record(ctx, audit.Entry{
		PaymentID:   &p.ID,
		BatchID:     p.BatchID,
		EventType:   audit.EventFSPResponse,
		FSPCode:     code,
		FSPResponse: rawOutcome(outcome),
		Description: fmt.Sprintf("accepted as %s with status %s after %d attempt(s)", outcome.ReferenceNumber, outcome.Status, outcome.Attempts),
	})

	apply := func(q *paymentmodel.Payment) {
		q.FSPReferenceNumber = outcome.ReferenceNumber
		q.TransactionFee = outcome.Fee
	}

	var err error
	if outcome.Status == fsp.ProviderStatusCompleted {
		now := s.now().UTC()
		err = s.transition(ctx, p, paymentmodel.StatusCompleted, func(q *paymentmodel.Payment) {
			apply(q)
			q.CompletedDate = &now
		}, audit.Entry{FSPCode: code, Description: "provider completed the payment on submission"})
	} else {
		err = s.save(ctx, p, apply)
	}
	if internal.IsErrorType(err, internal.ErrorTypeConflict) {
		return nil, s.resolveRace(ctx, p.ID, outcome, err)
	}
	if err != nil {
		return nil, s.fail(ctx, &p.ID, "record submission", err)
	}

	s.logger.Info("payment submitted",
		"payment_id", p.ID,
		"fsp_code", code,
		"fsp_reference", outcome.ReferenceNumber,
		"status", p.Status)
	return p, nil
}

func (s *Service) submissionRejected(ctx context.Context, p *paymentmodel.Payment, code string, outcome *fsp.Outcome) (*paymentmodel.Payment, error) {
	reason := fmt.Sprintf("%s: %s", outcome.ErrorCode, outcome.Message)
	s.record(ctx, audit.Entry{
		PaymentID:    &p.ID,
		BatchID:      p.BatchID,
		EventType:    audit.EventFSPResponse,
		FSPCode:      code,
		FSPResponse:  rawOutcome(outcome),
		ErrorCode:    outcome.ErrorCode,
		ErrorMessage: outcome.Message,
		Description:  "rejected by provider",
	})

	err := s.transition(ctx, p, paymentmodel.StatusFailed, func(q *paymentmodel.Payment) {
		q.FailureReason = reason
		q.RetryEligible = false
		if outcome.ReferenceNumber != "" {
			q.FSPReferenceNumber = outcome.ReferenceNumber
		}
	}, audit.Entry{FSPCode: code, ErrorCode: outcome.ErrorCode, ErrorMessage: outcome.Message, Description: reason})
	if internal.IsErrorType(err, internal.ErrorTypeConflict) {
		return nil, s.resolveRace(ctx, p.ID, nil, err)
	}
	if err != nil {
		return nil, s.fail(ctx, &p.ID, "record rejection", err)
	}

	s.logger.Warn("payment rejected by fsp", "payment_id", p.ID, "fsp_code", code, "reason", reason)
	return p, nil
}

// submissionFailed handles a submit that never produced a provider answer.
// The attempt counts against the retry budget and the payment stays
// retry-eligible.
func (s *Service) submissionFailed(ctx context.Context, p *paymentmodel.Payment, code string, cause error) (*paymentmodel.Payment, error) {
	appErr, known := internal.IsAppError(cause)
	if known {
		s.recordFSPError(ctx, p, code, "submission failed", cause)
	} else {
		s.systemError(ctx, &p.ID, "submit payment", cause)
	}

	reason := "FSP submission failed"
	if known {
		reason = appErr.Message
	}
	err := s.transition(ctx, p, paymentmodel.StatusFailed, func(q *paymentmodel.Payment) {
		q.FailureReason = reason
		if q.RetryCount < q.MaxRetryCount {
			q.RetryCount++
		}
	}, audit.Entry{FSPCode: code, ErrorCode: errorCode(cause), Description: reason})
	if internal.IsErrorType(err, internal.ErrorTypeConflict) {
		return nil, s.resolveRace(ctx, p.ID, nil, err)
	}
	if err != nil {
		return nil, s.fail(ctx, &p.ID, "record submission failure", err)
	}

	s.logger.Warn("payment submission failed",
		"payment_id", p.ID,
		"fsp_code", code,
		"retry_count", p.RetryCount,
		"max_retry_count", p.MaxRetryCount,
		"error", cause)

	switch {
	case !known:
		return nil, internal.NewInternalError("payment processing failed", cause)
	case appErr.Type == internal.ErrorTypeFSPCommunication:
		return p, nil
	default:
		return nil, appErr
	}
}

// resolveRace runs when the post-submit write lost to a concurrent change.
// A payment cancelled while the call was in flight gets the provider
// reference recorded and a best-effort provider-side cancel.
func (s *Service) resolveRace(ctx context.Context, id uuid.UUID, outcome *fsp.Outcome, conflict error) error {
	fresh, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return s.fail(ctx, &id, "reload payment", err)
	}
	s.logger.Warn("payment changed during submission", "payment_id", id, "status", fresh.Status)

	if fresh.Status == paymentmodel.StatusCancelled && outcome != nil && outcome.Success && outcome.ReferenceNumber != "" {
		if fresh.FSPReferenceNumber == "" {
			if err := s.save(ctx, fresh, func(q *paymentmodel.Payment) {
				q.FSPReferenceNumber = outcome.ReferenceNumber
				q.TransactionFee = outcome.Fee
			}); err != nil {
				s.logger.Error("failed to record reference of cancelled payment", "error", err, "payment_id", id)
			}
		}
		s.cancelAtProvider(ctx, fresh)
	}
	return conflict
}

// CancelPayment moves a PENDING or PROCESSING payment to CANCELLED. The
// provider-side cancel is best-effort and never blocks the local change.
func (s *Service) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*paymentmodel.Payment, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != paymentmodel.StatusPending && p.Status != paymentmodel.StatusProcessing {
		return nil, internal.NewBusinessRuleError(
			fmt.Sprintf("payment in status %s cannot be cancelled", p.Status), internal.ErrCodeInvalidTransition)
	}

	err = s.transition(ctx, p, paymentmodel.StatusCancelled, func(q *paymentmodel.Payment) {
		q.FailureReason = reason
	}, audit.Entry{Description: reason})
	if err != nil {
		return nil, s.fail(ctx, &p.ID, "cancel payment", err)
	}

	if p.FSPReferenceNumber != "" && p.FSPCode != "" {
		s.cancelAtProvider(ctx, p)
	}
	s.logger.Info("payment cancelled", "payment_id", p.ID, "reason", reason)
	return p, nil
}

func (s *Service) cancelAtProvider(ctx context.Context, p *paymentmodel.Payment) {
	if p.CorrelationID != "" {
		ctx = internal.ContextWithCorrelationID(ctx, p.CorrelationID)
	}
	outcome, err := s.registry.CancelPayment(ctx, p.FSPCode, p.FSPReferenceNumber)
	switch {
	case err != nil:
		s.recordFSPError(ctx, p, p.FSPCode, "provider-side cancel failed", err)
	case !outcome.Success:
		s.record(ctx, audit.Entry{
			PaymentID:    &p.ID,
			BatchID:      p.BatchID,
			EventType:    audit.EventFSPError,
			FSPCode:      p.FSPCode,
			FSPResponse:  rawOutcome(outcome),
			ErrorCode:    outcome.ErrorCode,
			ErrorMessage: outcome.Message,
			Description:  "provider refused cancel",
		})
		s.logger.Warn("provider refused cancel", "payment_id", p.ID, "fsp_code", p.FSPCode, "code", outcome.ErrorCode)
	default:
		s.record(ctx, audit.Entry{
			PaymentID:   &p.ID,
			BatchID:     p.BatchID,
			EventType:   audit.EventFSPResponse,
			FSPCode:     p.FSPCode,
			FSPResponse: rawOutcome(outcome),
			Description: "provider-side cancel accepted",
		})
	}
}

// RetryPayment re-submits a FAILED payment that still has retry budget.
func (s *Service) RetryPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != paymentmodel.StatusFailed {
		return nil, internal.NewBusinessRuleError(
			fmt.Sprintf("only FAILED payments can be retried, payment is %s", p.Status), internal.ErrCodeInvalidTransition)
	}
	if err := retryable(p); err != nil {
		return nil, err
	}
	s.logger.Info("retrying payment", "payment_id", p.ID, "retry_count", p.RetryCount, "max_retry_count", p.MaxRetryCount)
	return s.ProcessPayment(ctx, id)
}

// UpdatePaymentStatus is the administrative override. It still only follows
// edges of the state machine.
func (s *Service) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to paymentmodel.Status, reason string) (*paymentmodel.Payment, error) {
	if !to.Valid() {
		return nil, internal.NewValidationFieldError("status", fmt.Sprintf("unknown payment status %s", to), internal.ErrCodeInvalidStatus)
	}
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	err = s.transition(ctx, p, to, func(q *paymentmodel.Payment) {
		switch to {
		case paymentmodel.StatusCompleted:
			q.CompletedDate = &now
		case paymentmodel.StatusFailed, paymentmodel.StatusCancelled, paymentmodel.StatusExpired:
			q.FailureReason = reason
		}
	}, audit.Entry{Description: "status override: " + reason})
	if err != nil {
		return nil, s.fail(ctx, &p.ID, "update payment status", err)
	}
	s.logger.Info("payment status overridden", "payment_id", p.ID, "status", to, "actor", internal.ActorFromContext(ctx))
	return p, nil
}

// RefundPayment reverses a COMPLETED payment.
func (s *Service) RefundPayment(ctx context.Context, id uuid.UUID, reason string) (*paymentmodel.Payment, error) {
	return s.UpdatePaymentStatus(ctx, id, paymentmodel.StatusRefunded, reason)
}

// CheckPaymentStatusWithFSP asks the provider for the payment's status and
// applies it locally when the state machine allows the move.
func (s *Service) CheckPaymentStatusWithFSP(ctx context.Context, id uuid.UUID) (*StatusCheckResult, error) {
	p, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.FSPReferenceNumber == "" || p.FSPCode == "" {
		return nil, internal.NewValidationError("payment has not been accepted by an FSP", internal.ErrCodeNotSubmitted)
	}
	if p.CorrelationID != "" {
		ctx = internal.ContextWithCorrelationID(ctx, p.CorrelationID)
	}

	result, err := s.registry.CheckPaymentStatus(ctx, p.FSPCode, p.FSPReferenceNumber)
	if err != nil {
		s.recordFSPError(ctx, p, p.FSPCode, "status check failed", err)
		return nil, s.fail(ctx, &p.ID, "check payment status", err)
	}
	raw := result.RawResponse
	if len(raw) == 0 {
		raw, _ = json.Marshal(result)
	}
	s.record(ctx, audit.Entry{
		PaymentID:   &p.ID,
		BatchID:     p.BatchID,
		EventType:   audit.EventFSPResponse,
		FSPCode:     p.FSPCode,
		FSPResponse: raw,
		Description: fmt.Sprintf("status check reported %s", result.Status),
	})

	changed, err := s.applyProviderStatus(ctx, p, result.Status, result.Message, "provider status check")
	if err != nil {
		return nil, err
	}
	return &StatusCheckResult{
		Payment:        ToResponse(p),
		ProviderStatus: string(result.Status),
		Changed:        changed,
		Message:        result.Message,
	}, nil
}

// ApplyWebhook applies a provider callback. Replays of the same
// (reference, event) pair are acknowledged without effect.
func (s *Service) ApplyWebhook(ctx context.Context, fspCode string, payload []byte, headers http.Header) (*WebhookResult, error) {
	event, err := s.registry.ProcessWebhook(ctx, fspCode, payload, headers)
	if err != nil {
		s.logger.Warn("webhook rejected", "fsp_code", fspCode, "error", err)
		return nil, s.fail(ctx, nil, "process webhook", err)
	}
	if event.Duplicate {
		s.logger.Info("duplicate webhook ignored", "fsp_code", fspCode, "reference", event.ReferenceNumber, "event", event.Event)
		return &WebhookResult{Duplicate: true}, nil
	}

	p, err := s.repo.GetByFSPReference(ctx, fspCode, event.ReferenceNumber)
	if err != nil {
		s.releaseWebhook(ctx, event)
		return nil, s.fail(ctx, nil, "find webhook payment", err)
	}
	if p.CorrelationID != "" {
		ctx = internal.ContextWithCorrelationID(ctx, p.CorrelationID)
	}

	raw := event.Raw
	if len(raw) == 0 {
		raw = payload
	}
	s.record(ctx, audit.Entry{
		PaymentID:   &p.ID,
		BatchID:     p.BatchID,
		EventType:   audit.EventFSPWebhook,
		FSPCode:     fspCode,
		FSPResponse: raw,
		Description: fmt.Sprintf("%s: %s", event.Event, event.Status),
	})

	applied, err := s.applyProviderStatus(ctx, p, event.Status, event.Message, "provider webhook "+event.Event)
	if err != nil {
		s.releaseWebhook(ctx, event)
		return nil, err
	}
	return &WebhookResult{PaymentID: p.ID, Status: p.Status, Applied: applied}, nil
}

func (s *Service) releaseWebhook(ctx context.Context, event *fsp.WebhookEvent) {
	if err := s.registry.ReleaseWebhook(ctx, event); err != nil {
		s.logger.Error("failed to release webhook", "fsp_code", event.FSPCode,
			"reference", event.ReferenceNumber, "event", event.Event, "error", err)
	}
}

// applyProviderStatus moves p to the local equivalent of status when that is
// a legal edge. FAILED -> PROCESSING is never taken from provider input; that
// edge belongs to retry. A lost race is retried once against a fresh read.
func (s *Service) applyProviderStatus(ctx context.Context, p *paymentmodel.Payment, status fsp.ProviderStatus, message, source string) (bool, error) {
	target, ok := StatusFromProvider(status)
	if !ok {
		return false, nil
	}

	for attempt := 0; attempt < 2; attempt++ {
		if target == p.Status || !CanTransition(p.Status, target) ||
			(p.Status == paymentmodel.StatusFailed && target == paymentmodel.StatusProcessing) {
			return false, nil
		}

		now := s.now().UTC()
		err := s.transition(ctx, p, target, func(q *paymentmodel.Payment) {
			switch target {
			case paymentmodel.StatusCompleted:
				q.CompletedDate = &now
			case paymentmodel.StatusFailed:
				q.FailureReason = message
				q.RetryEligible = false
			case paymentmodel.StatusCancelled:
				q.FailureReason = "cancelled by provider"
			}
		}, audit.Entry{Description: fmt.Sprintf("%s reported %s", source, status)})
		if err == nil {
			return true, nil
		}
		if !internal.IsErrorType(err, internal.ErrorTypeConflict) {
			return false, s.fail(ctx, &p.ID, "apply provider status", err)
		}
		fresh, gerr := s.repo.GetByID(ctx, p.ID)
		if gerr != nil {
			return false, s.fail(ctx, &p.ID, "reload payment", gerr)
		}
		*p = *fresh
	}
	return false, internal.NewConflictError(
		fmt.Sprintf("payment %s kept changing while applying provider status", p.ID), internal.ErrCodeVersionConflict)
}

// ProcessScheduledPayments submits batch-less PENDING payments whose
// scheduled date has passed.
func (s *Service) ProcessScheduledPayments(ctx context.Context) (*SweepResult, error) {
	due, err := s.repo.ListDueScheduled(ctx, s.now().UTC(), sweepBatchSize)
	if err != nil {
		return nil, s.fail(ctx, nil, "list scheduled payments", err)
	}
	return s.sweep(ctx, "scheduled", due, func(ctx context.Context, p *paymentmodel.Payment) error {
		_, err := s.ProcessPayment(ctx, p.ID)
		return err
	}), nil
}

// ProcessRetryPayments retries FAILED payments that are still eligible once
// the retry delay has passed since their last change.
func (s *Service) ProcessRetryPayments(ctx context.Context) (*SweepResult, error) {
	cutoff := s.now().UTC().Add(-s.cfg.RetryDelay)
	candidates, err := s.repo.ListRetryable(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return nil, s.fail(ctx, nil, "list retryable payments", err)
	}
	return s.sweep(ctx, "retry", candidates, func(ctx context.Context, p *paymentmodel.Payment) error {
		_, err := s.RetryPayment(ctx, p.ID)
		return err
	}), nil
}

// ExpirePayments moves non-terminal payments scheduled before the expiry
// window to EXPIRED.
func (s *Service) ExpirePayments(ctx context.Context) (*SweepResult, error) {
	cutoff := s.now().UTC().Add(-s.cfg.ExpiryWindow)
	stale, err := s.repo.ListExpirable(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return nil, s.fail(ctx, nil, "list expirable payments", err)
	}
	return s.sweep(ctx, "expiry", stale, func(ctx context.Context, p *paymentmodel.Payment) error {
		return s.transition(ctx, p, paymentmodel.StatusExpired, func(q *paymentmodel.Payment) {
			q.FailureReason = fmt.Sprintf("not settled within %s of scheduled date", s.cfg.ExpiryWindow)
		}, audit.Entry{Description: "expired by scheduler"})
	}), nil
}

func (s *Service) sweep(ctx context.Context, name string, payments []*paymentmodel.Payment, fn func(context.Context, *paymentmodel.Payment) error) *SweepResult {
	result := &SweepResult{Selected: len(payments)}
	for _, p := range payments {
		if ctx.Err() != nil {
			break
		}
		if err := fn(ctx, p); err != nil {
			result.Failed++
			s.logger.Warn("payment sweep item failed", "sweep", name, "payment_id", p.ID, "error", err)
			continue
		}
		result.Processed++
	}
	if result.Selected > 0 {
		s.logger.Info("payment sweep finished",
			"sweep", name,
			"selected", result.Selected,
			"processed", result.Processed,
			"failed", result.Failed)
	}
	return result
}

// RunSweeps runs the scheduled, retry and expiry sweeps every interval until
// ctx is cancelled.
func (s *Service) RunSweeps(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.ProcessScheduledPayments(ctx); err != nil {
				s.logger.Error("scheduled payment sweep failed", "error", err)
			}
			if _, err := s.ProcessRetryPayments(ctx); err != nil {
				s.logger.Error("retry payment sweep failed", "error", err)
			}
			if _, err := s.ExpirePayments(ctx); err != nil {
				s.logger.Error("payment expiry sweep failed", "error", err)
			}
		case <-ctx.Done():
			s.logger.Info("payment sweeps stopped")
			return
		}
	}
}

func (s *Service) GetStatistics(ctx context.Context, f StatsFilter) ([]StatusStat, error) {
	if err := checkRange(f); err != nil {
		return nil, err
	}
	stats, err := s.stats.CountByStatus(ctx, f)
	if err != nil {
		return nil, s.fail(ctx, nil, "payment statistics", err)
	}
	return stats, nil
}

func (s *Service) GetFSPStatistics(ctx context.Context, f StatsFilter) ([]FSPStat, error) {
	if err := checkRange(f); err != nil {
		return nil, err
	}
	stats, err := s.stats.StatsByFSP(ctx, f)
	if err != nil {
		return nil, s.fail(ctx, nil, "fsp statistics", err)
	}
	return stats, nil
}

func (s *Service) GetDailyVolume(ctx context.Context, f StatsFilter) ([]DailyVolume, error) {
	if appErr := validation.ValidateDateRange(f.From, f.To); appErr != nil {
		return nil, appErr
	}
	volume, err := s.stats.DailyVolume(ctx, f)
	if err != nil {
		return nil, s.fail(ctx, nil, "daily volume", err)
	}
	return volume, nil
}

// GetTotalAmount sums payments matching f; the status defaults to COMPLETED.
func (s *Service) GetTotalAmount(ctx context.Context, f StatsFilter) (*TotalResult, error) {
	if err := checkRange(f); err != nil {
		return nil, err
	}
	if f.Status == "" {
		f.Status = paymentmodel.StatusCompleted
	}
	count, total, err := s.stats.Totals(ctx, f)
	if err != nil {
		return nil, s.fail(ctx, nil, "total amount", err)
	}
	return &TotalResult{Count: count, TotalAmount: total, Currency: s.cfg.DefaultCurrency}, nil
}

func (s *Service) GetCount(ctx context.Context, f StatsFilter) (int64, error) {
	if err := checkRange(f); err != nil {
		return 0, err
	}
	count, _, err := s.stats.Totals(ctx, f)
	if err != nil {
		return 0, s.fail(ctx, nil, "payment count", err)
	}
	return count, nil
}

func checkRange(f StatsFilter) error {
	if f.Status != "" && !f.Status.Valid() {
		return internal.NewValidationFieldError("status", fmt.Sprintf("unknown payment status %s", f.Status), internal.ErrCodeInvalidStatus)
	}
	if !f.From.IsZero() && !f.To.IsZero() {
		if appErr := validation.ValidateDateRange(f.From, f.To); appErr != nil {
			return appErr
		}
	}
	return nil
}

// save writes a non-status change through the version check. p is only
// modified when the write succeeds.
func (s *Service) save(ctx context.Context, p *paymentmodel.Payment, mutate func(*paymentmodel.Payment)) error {
	next := *p
	mutate(&next)
	next.UpdatedBy = internal.ActorFromContext(ctx)
	if err := s.repo.Update(ctx, &next); err != nil {
		return err
	}
	*p = next
	return nil
}

// transition is the only path that changes Payment.Status. Each successful
// call writes exactly one audit entry.
func (s *Service) transition(ctx context.Context, p *paymentmodel.Payment, to paymentmodel.Status, mutate func(*paymentmodel.Payment), entry audit.Entry) error {
	if err := ValidateTransition(p, to); err != nil {
		return err
	}
	from := p.Status
	err := s.save(ctx, p, func(q *paymentmodel.Payment) {
		q.Status = to
		if mutate != nil {
			mutate(q)
		}
	})
	if err != nil {
		return err
	}

	entry.PaymentID = &p.ID
	entry.BatchID = p.BatchID
	entry.EventType = EventForTransition(from, to)
	entry.OldStatus = string(from)
	entry.NewStatus = string(to)
	if entry.FSPCode == "" {
		entry.FSPCode = p.FSPCode
	}
	s.record(ctx, entry)
	s.publish(ctx, p, from)

	s.logger.Debug("payment status changed", "payment_id", p.ID, "from", from, "to", to, "version", p.Version)
	return nil
}

func (s *Service) publish(ctx context.Context, p *paymentmodel.Payment, from paymentmodel.Status) {
	if s.events == nil {
		return
	}
	ev := events.NewPaymentStatusChangedEvent(p.ID, p.BatchID, string(from), string(p.Status), p.FSPCode, p.CorrelationID)
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Error("failed to publish payment event", "error", err, "payment_id", p.ID)
	}
}

func (s *Service) record(ctx context.Context, entry audit.Entry) {
	if err := s.audit.Record(ctx, entry); err != nil {
		s.logger.Error("failed to write payment audit entry",
			"error", err,
			"event_type", entry.EventType,
			"payment_id", entry.PaymentID)
	}
}

func (s *Service) recordFSPError(ctx context.Context, p *paymentmodel.Payment, code, description string, err error) {
	s.record(ctx, audit.Entry{
		PaymentID:    &p.ID,
		BatchID:      p.BatchID,
		EventType:    audit.EventFSPError,
		FSPCode:      code,
		ErrorCode:    errorCode(err),
		ErrorMessage: err.Error(),
		Description:  description,
	})
}

// fail passes taxonomy errors through and turns anything else into a logged
// SYSTEM_ERROR with a generic message.
func (s *Service) fail(ctx context.Context, id *uuid.UUID, op string, err error) error {
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	return s.systemError(ctx, id, op, err)
}

func (s *Service) systemError(ctx context.Context, id *uuid.UUID, op string, err error) error {
	s.logger.Error("payment operation failed", "error", err, "operation", op, "payment_id", id)
	s.record(ctx, audit.Entry{
		PaymentID:    id,
		EventType:    audit.EventSystemError,
		ErrorCode:    string(internal.ErrCodeSystemError),
		ErrorMessage: err.Error(),
		Description:  op,
	})
	return internal.NewInternalError("an unexpected error occurred while processing the payment", err)
}

func errorCode(err error) string {
	if appErr, ok := internal.IsAppError(err); ok {
		return string(appErr.Code)
	}
	return string(internal.ErrCodeSystemError)
}

func rawOutcome(o *fsp.Outcome) json.RawMessage {
	if len(o.RawResponse) > 0 {
		return o.RawResponse
	}
	raw, _ := json.Marshal(o)
	return raw
}
