package payment

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRefunded   Status = "REFUNDED"
	StatusExpired    Status = "EXPIRED"
)

var AllStatuses = []Status{
	StatusPending, StatusProcessing, StatusCompleted, StatusFailed,
	StatusCancelled, StatusRefunded, StatusExpired,
}

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

type Method string

const (
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodEWallet      Method = "E_WALLET"
	MethodCashPickup   Method = "CASH_PICKUP"
	MethodCheck        Method = "CHECK"
	MethodPrepaidCard  Method = "PREPAID_CARD"
)

var AllMethods = []Method{MethodBankTransfer, MethodEWallet, MethodCashPickup, MethodCheck, MethodPrepaidCard}

func (m Method) Valid() bool {
	for _, am := range AllMethods {
		if m == am {
			return true
		}
	}
	return false
}

type Payment struct {
	ID                      uuid.UUID       `gorm:"column:id;primaryKey"`
	HouseholdID             uuid.UUID       `gorm:"column:household_id;not null;index"`
	ProgramID               uuid.UUID       `gorm:"column:program_id;not null;index"`
	BeneficiaryID           uuid.UUID       `gorm:"column:beneficiary_id;not null"`
	BatchID                 *uuid.UUID      `gorm:"column:batch_id;index"`
	Amount                  decimal.Decimal `gorm:"column:amount;type:decimal(15,2);not null"`
	Currency                string          `gorm:"column:currency;size:3;not null"`
	Status                  Status          `gorm:"column:status;size:20;not null;index"`
	PaymentMethod           Method          `gorm:"column:payment_method;size:30;not null"`
	FSPCode                 string          `gorm:"column:fsp_code;size:50;index"`
	FSPReferenceNumber      string          `gorm:"column:fsp_reference_number;size:100;index"`
	InternalReferenceNumber string          `gorm:"column:internal_reference_number;size:100;not null;uniqueIndex"`
	RecipientAccountNumber  string          `gorm:"column:recipient_account_number;size:100"`
	RecipientAccountName    string          `gorm:"column:recipient_account_name;size:255"`
	RecipientMobileNumber   string          `gorm:"column:recipient_mobile_number;size:20"`
	TransactionFee          decimal.Decimal `gorm:"column:transaction_fee;type:decimal(15,2);not null;default:0"`
	ScheduledDate           time.Time       `gorm:"column:scheduled_date;not null"`
	ProcessedDate           *time.Time      `gorm:"column:processed_date"`
	CompletedDate           *time.Time      `gorm:"column:completed_date"`
	FailureReason           string          `gorm:"column:failure_reason"`
	RetryCount              int             `gorm:"column:retry_count;not null;default:0"`
	MaxRetryCount           int             `gorm:"column:max_retry_count;not null;default:3"`
	RetryEligible           bool            `gorm:"column:retry_eligible;not null;default:true"`
	CorrelationID           string          `gorm:"column:correlation_id;size:64"`
	Metadata                datatypes.JSON  `gorm:"column:metadata"`
	CreatedBy               string          `gorm:"column:created_by;size:100"`
	UpdatedBy               string          `gorm:"column:updated_by;size:100"`
	Version                 int64           `gorm:"column:version;not null;default:0"`
	CreatedAt               time.Time       `gorm:"column:created_at;index"`
	UpdatedAt               time.Time       `gorm:"column:updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}

// CanRetry reports whether a FAILED payment may be submitted again.
func (p *Payment) CanRetry() bool {
	return p.Status == StatusFailed && p.RetryEligible && p.RetryCount < p.MaxRetryCount
}

// Settled reports whether the payment will not move without operator action.
func (p *Payment) Settled() bool {
	return p.Status.IsTerminal() || (p.Status == StatusFailed && !p.CanRetry())
}
