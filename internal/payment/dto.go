package payment

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/core/common/validation"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
)

// CreatePaymentRequest is the body of POST /payments and one member of a
// batch creation request.
type CreatePaymentRequest struct {
	HouseholdID             uuid.UUID           `json:"household_id"`
	ProgramID               uuid.UUID           `json:"program_id"`
	BeneficiaryID           uuid.UUID           `json:"beneficiary_id"`
	Amount                  decimal.Decimal     `json:"amount"`
	Currency                string              `json:"currency,omitempty"`
	PaymentMethod           paymentmodel.Method `json:"payment_method"`
	FSPCode                 string              `json:"fsp_code,omitempty"`
	InternalReferenceNumber string              `json:"internal_reference_number,omitempty"`
	RecipientAccountNumber  string              `json:"recipient_account_number,omitempty"`
	RecipientAccountName    string              `json:"recipient_account_name,omitempty"`
	RecipientMobileNumber   string              `json:"recipient_mobile_number,omitempty"`
	ScheduledDate           *time.Time          `json:"scheduled_date,omitempty"`
	MaxRetryCount           *int                `json:"max_retry_count,omitempty"`
	Metadata                json.RawMessage     `json:"metadata,omitempty"`
}

func (r *CreatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("household_id", r.HouseholdID).Required()
	validator.Field("program_id", r.ProgramID).Required()
	validator.Field("beneficiary_id", r.BeneficiaryID).Required()
	validator.Field("amount", r.Amount).
		Positive(errors.ErrCodeInvalidAmount).
		MaxScale(2, errors.ErrCodeInvalidAmount)
	validator.Field("payment_method", string(r.PaymentMethod)).
		Required().
		OneOf(methodNames(), errors.ErrCodeInvalidMethod)
	validator.Field("currency", r.Currency).Custom(func(v interface{}) *errors.AppError {
		if c, _ := v.(string); c != "" && len(c) != 3 {
			return errors.NewValidationFieldError("currency", "currency must be a 3-letter ISO 4217 code", errors.ErrCodeInvalidCurrency)
		}
		return nil
	})
	validator.Field("internal_reference_number", r.InternalReferenceNumber).MaxLength(100)
	validator.Field("recipient_mobile_number", r.RecipientMobileNumber).MaxLength(20)
	if r.MaxRetryCount != nil {
		validator.Field("max_retry_count", int64(*r.MaxRetryCount)).
			MinInt(0, errors.ErrCodeValidationFailed).
			MaxInt(10, errors.ErrCodeValidationFailed)
	}
	if len(r.Metadata) > 0 && !json.Valid(r.Metadata) {
		validator.Field("metadata", r.Metadata).Custom(func(interface{}) *errors.AppError {
			return errors.NewValidationFieldError("metadata", "metadata must be a JSON object", errors.ErrCodeValidationFailed)
		})
	}

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

func methodNames() []string {
	names := make([]string, len(paymentmodel.AllMethods))
	for i, m := range paymentmodel.AllMethods {
		names[i] = string(m)
	}
	return names
}

func statusNames() []string {
	names := make([]string, len(paymentmodel.AllStatuses))
	for i, s := range paymentmodel.AllStatuses {
		names[i] = string(s)
	}
	return names
}

type StatusUpdateRequest struct {
	Status paymentmodel.Status `json:"status"`
	Reason string              `json:"reason"`
}

func (r *StatusUpdateRequest) Validate() error {
	r.Status = paymentmodel.Status(strings.ToUpper(string(r.Status)))
	validator := validation.NewValidator()

	validator.Field("status", string(r.Status)).Required().OneOf(statusNames(), errors.ErrCodeInvalidStatus)
	validator.Field("reason", r.Reason).Required().MaxLength(500)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

func (r *ReasonRequest) Validate() error {
	validator := validation.NewValidator()
	validator.Field("reason", r.Reason).Required().MaxLength(500)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// SearchCriteria filters payment listings; zero fields are ignored.
type SearchCriteria struct {
	HouseholdID *uuid.UUID
	ProgramID   *uuid.UUID
	BatchID     *uuid.UUID
	Status      paymentmodel.Status
	FSPCode     string
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// StatsFilter scopes aggregate queries.
type StatsFilter struct {
	ProgramID *uuid.UUID
	Status    paymentmodel.Status
	FSPCode   string
	From      time.Time
	To        time.Time
}

type StatusStat struct {
	Status      paymentmodel.Status `json:"status" db:"status"`
	Count       int64               `json:"count" db:"count"`
	TotalAmount decimal.Decimal     `json:"total_amount" db:"total_amount"`
}

type FSPStat struct {
	FSPCode     string          `json:"fsp_code" db:"fsp_code"`
	Total       int64           `json:"total" db:"total"`
	Completed   int64           `json:"completed" db:"completed"`
	Failed      int64           `json:"failed" db:"failed"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	TotalFees   decimal.Decimal `json:"total_fees" db:"total_fees"`
	SuccessRate float64         `json:"success_rate" db:"-"`
}

type DailyVolume struct {
	Day         string          `json:"day" db:"day"`
	Count       int64           `json:"count" db:"count"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
}

type TotalResult struct {
	Count       int64           `json:"count"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Currency    string          `json:"currency"`
}

type PaymentResponse struct {
	ID                      uuid.UUID           `json:"id"`
	HouseholdID             uuid.UUID           `json:"household_id"`
	ProgramID               uuid.UUID           `json:"program_id"`
	BeneficiaryID           uuid.UUID           `json:"beneficiary_id"`
	BatchID                 *uuid.UUID          `json:"batch_id,omitempty"`
	Amount                  decimal.Decimal     `json:"amount"`
	Currency                string              `json:"currency"`
	Status                  paymentmodel.Status `json:"status"`
	PaymentMethod           paymentmodel.Method `json:"payment_method"`
	FSPCode                 string              `json:"fsp_code,omitempty"`
	FSPReferenceNumber      string              `json:"fsp_reference_number,omitempty"`
	InternalReferenceNumber string              `json:"internal_reference_number"`
	RecipientAccountNumber  string              `json:"recipient_account_number,omitempty"`
	RecipientAccountName    string              `json:"recipient_account_name,omitempty"`
	RecipientMobileNumber   string              `json:"recipient_mobile_number,omitempty"`
	TransactionFee          decimal.Decimal     `json:"transaction_fee"`
	ScheduledDate           time.Time           `json:"scheduled_date"`
	ProcessedDate           *time.Time          `json:"processed_date,omitempty"`
	CompletedDate           *time.Time          `json:"completed_date,omitempty"`
	FailureReason           string              `json:"failure_reason,omitempty"`
	RetryCount              int                 `json:"retry_count"`
	MaxRetryCount           int                 `json:"max_retry_count"`
	CanRetry                bool                `json:"can_retry"`
	IsTerminal              bool                `json:"is_terminal"`
	CorrelationID           string              `json:"correlation_id,omitempty"`
	Metadata                json.RawMessage     `json:"metadata,omitempty"`
	Version                 int64               `json:"version"`
	CreatedBy               string              `json:"created_by,omitempty"`
	CreatedAt               time.Time           `json:"created_at"`
	UpdatedAt               time.Time           `json:"updated_at"`
}

func ToResponse(p *paymentmodel.Payment) *PaymentResponse {
	return &PaymentResponse{
		ID:                      p.ID,
		HouseholdID:             p.HouseholdID,
		ProgramID:               p.ProgramID,
		BeneficiaryID:           p.BeneficiaryID,
		BatchID:                 p.BatchID,
		Amount:                  p.Amount,
		Currency:                p.Currency,
		Status:                  p.Status,
		PaymentMethod:           p.PaymentMethod,
		FSPCode:                 p.FSPCode,
		FSPReferenceNumber:      p.FSPReferenceNumber,
		InternalReferenceNumber: p.InternalReferenceNumber,
		RecipientAccountNumber:  p.RecipientAccountNumber,
		RecipientAccountName:    p.RecipientAccountName,
		RecipientMobileNumber:   p.RecipientMobileNumber,
		TransactionFee:          p.TransactionFee,
		ScheduledDate:           p.ScheduledDate,
		ProcessedDate:           p.ProcessedDate,
		CompletedDate:           p.CompletedDate,
		FailureReason:           p.FailureReason,
		RetryCount:              p.RetryCount,
		MaxRetryCount:           p.MaxRetryCount,
		CanRetry:                p.CanRetry(),
		IsTerminal:              p.Status.IsTerminal(),
		CorrelationID:           p.CorrelationID,
		Metadata:                json.RawMessage(p.Metadata),
		Version:                 p.Version,
		CreatedBy:               p.CreatedBy,
		CreatedAt:               p.CreatedAt,
		UpdatedAt:               p.UpdatedAt,
	}
}

func ToResponses(payments []*paymentmodel.Payment) []*PaymentResponse {
	out := make([]*PaymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, ToResponse(p))
	}
	return out
}

type PageResponse struct {
	Items  []*PaymentResponse `json:"items"`
	Total  int64              `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// StatusCheckResult is returned by the on-demand provider status check.
type StatusCheckResult struct {
	Payment        *PaymentResponse `json:"payment"`
	ProviderStatus string           `json:"provider_status"`
	Changed        bool             `json:"changed"`
	Message        string           `json:"message,omitempty"`
}

// WebhookResult acknowledges a provider callback.
type WebhookResult struct {
	PaymentID uuid.UUID           `json:"payment_id,omitempty"`
	Status    paymentmodel.Status `json:"status,omitempty"`
	Applied   bool                `json:"applied"`
	Duplicate bool                `json:"duplicate"`
}

// SweepResult summarises one worker sweep.
type SweepResult struct {
	Selected  int `json:"selected"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}
