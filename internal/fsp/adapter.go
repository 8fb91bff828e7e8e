package fsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	fspmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/fsp"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
)

// ProviderStatus is the provider's view of a payment, normalized across FSPs.
type ProviderStatus string

const (
	ProviderStatusProcessing ProviderStatus = "PROCESSING"
	ProviderStatusCompleted  ProviderStatus = "COMPLETED"
	ProviderStatusFailed     ProviderStatus = "FAILED"
	ProviderStatusCancelled  ProviderStatus = "CANCELLED"
	ProviderStatusNotFound   ProviderStatus = "NOT_FOUND"
	ProviderStatusUnknown    ProviderStatus = "UNKNOWN"
)

type PaymentRequest struct {
	PaymentID              uuid.UUID           `json:"payment_id"`
	InternalReference      string              `json:"internal_reference"`
	Amount                 decimal.Decimal     `json:"amount"`
	Currency               string              `json:"currency"`
	Method                 paymentmodel.Method `json:"payment_method"`
	RecipientAccountNumber string              `json:"recipient_account_number,omitempty"`
	RecipientAccountName   string              `json:"recipient_account_name,omitempty"`
	RecipientMobileNumber  string              `json:"recipient_mobile_number,omitempty"`
	CorrelationID          string              `json:"correlation_id"`
}

// Outcome is the uniform result of submit and cancel calls. Success false
// with a nil error is a provider rejection.
type Outcome struct {
	Success         bool            `json:"success"`
	ReferenceNumber string          `json:"reference_number,omitempty"`
	Status          ProviderStatus  `json:"status"`
	Message         string          `json:"message,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	Fee             decimal.Decimal `json:"fee"`
	Attempts        int             `json:"attempts"`
	RawRequest      json.RawMessage `json:"-"`
	RawResponse     json.RawMessage `json:"-"`
}

type StatusResult struct {
	ReferenceNumber string          `json:"reference_number"`
	Status          ProviderStatus  `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Message         string          `json:"message,omitempty"`
	ErrorCode       string          `json:"error_code,omitempty"`
	CheckedAt       time.Time       `json:"checked_at"`
	RawResponse     json.RawMessage `json:"-"`
}

type WebhookEvent struct {
	FSPCode         string          `json:"fsp_code"`
	ReferenceNumber string          `json:"reference_number"`
	Event           string          `json:"event"`
	Status          ProviderStatus  `json:"status"`
	Message         string          `json:"message,omitempty"`
	Duplicate       bool            `json:"duplicate"`
	DedupeKey       string          `json:"-"`
	Raw             json.RawMessage `json:"-"`
}

// SettlementRecord is one line of a provider settlement report.
type SettlementRecord struct {
	ReferenceNumber   string          `json:"reference_number"`
	InternalReference string          `json:"internal_reference"`
	Status            ProviderStatus  `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	SettledAt         time.Time       `json:"settled_at"`
}

// Adapter talks to exactly one provider. Adapters are registered by code at
// startup and never know about each other.
type Adapter interface {
	FSPCode() string
	IsHealthy(ctx context.Context) bool
	SubmitPayment(ctx context.Context, req PaymentRequest, cfg *fspmodel.Configuration) (*Outcome, error)
	CheckPaymentStatus(ctx context.Context, reference string, cfg *fspmodel.Configuration) (*StatusResult, error)
	CancelPayment(ctx context.Context, reference string, cfg *fspmodel.Configuration) (*Outcome, error)
	ValidateConfiguration(cfg *fspmodel.Configuration) bool
	TestConnection(ctx context.Context, cfg *fspmodel.Configuration) bool
	SupportedPaymentMethods() []paymentmodel.Method
	MinimumAmount() decimal.Decimal
	MaximumAmount() decimal.Decimal
	ProcessWebhook(ctx context.Context, payload []byte, headers http.Header, cfg *fspmodel.Configuration) (*WebhookEvent, error)
}

// SettlementReporter is implemented by adapters whose provider publishes a
// settlement report for a period.
type SettlementReporter interface {
	SettlementReport(ctx context.Context, cfg *fspmodel.Configuration, start, end time.Time) ([]SettlementRecord, error)
}

// ProviderError is returned by adapters for failures they can classify.
// Unclassified adapter errors are treated as transient.
type ProviderError struct {
	FSPCode   string
	Code      string
	Message   string
	Transient bool
	Cause     error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.FSPCode, e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.FSPCode, e.Message, e.Code)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

func NewTransientError(fspCode, code, message string, cause error) *ProviderError {
	return &ProviderError{FSPCode: fspCode, Code: code, Message: message, Transient: true, Cause: cause}
}

func NewRejection(fspCode, code, message string) *ProviderError {
	return &ProviderError{FSPCode: fspCode, Code: code, Message: message}
}

// IsTransient classifies an adapter error.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return err != nil
}

func supportsMethod(a Adapter, method paymentmodel.Method) bool {
	for _, m := range a.SupportedPaymentMethods() {
		if m == method {
			return true
		}
	}
	return false
}

func adapterSupportsAmount(a Adapter, amount decimal.Decimal) bool {
	if min := a.MinimumAmount(); !min.IsZero() && amount.LessThan(min) {
		return false
	}
	if max := a.MaximumAmount(); !max.IsZero() && amount.GreaterThan(max) {
		return false
	}
	return true
}
