package paymentgateway

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the status vocabulary of the generic provider REST API.
type PaymentStatus string

const (
	PaymentStatusPending    PaymentStatus = "PENDING"
	PaymentStatusProcessing PaymentStatus = "PROCESSING"
	PaymentStatusSuccess    PaymentStatus = "SUCCESS"
	PaymentStatusCompleted  PaymentStatus = "COMPLETED"
	PaymentStatusFailed     PaymentStatus = "FAILED"
	PaymentStatusCancelled  PaymentStatus = "CANCELLED"
)

type Recipient struct {
	AccountNumber string `json:"account_number,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	MobileNumber  string `json:"mobile_number,omitempty"`
}

type PaymentRequest struct {
	ExternalID    string          `json:"external_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	PaymentMethod string          `json:"payment_method"`
	Recipient     Recipient       `json:"recipient"`
	CallbackURL   string          `json:"callback_url,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (r *PaymentRequest) Validate() error {
	if r.ExternalID == "" {
		return errors.New("external_id is required")
	}
	if !r.Amount.IsPositive() {
		return errors.New("amount must be greater than 0")
	}
	if r.Currency == "" {
		return errors.New("currency is required")
	}
	if r.PaymentMethod == "" {
		return errors.New("payment_method is required")
	}
	return nil
}

type PaymentData struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     PaymentStatus   `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Fee        decimal.Decimal `json:"fee"`
	Message    string          `json:"message,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
}

type PaymentResponse struct {
	Data PaymentData `json:"data"`
}

type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WebhookPayload is what providers POST to the callback URL, signed with
// X-Signature.
type WebhookPayload struct {
	Event string      `json:"event"`
	Data  PaymentData `json:"data"`
}

type SettlementItem struct {
	ID         string          `json:"id"`
	ExternalID string          `json:"external_id"`
	Status     PaymentStatus   `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	SettledAt  time.Time       `json:"settled_at"`
}

type SettlementResponse struct {
	Data []SettlementItem `json:"data"`
}
