package batch

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPaused     Status = "PAUSED"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

var AllStatuses = []Status{StatusPending, StatusProcessing, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

type PaymentBatch struct {
	ID                 uuid.UUID       `gorm:"column:id;primaryKey"`
	BatchNumber        string          `gorm:"column:batch_number;size:50;not null;uniqueIndex"`
	ProgramID          uuid.UUID       `gorm:"column:program_id;not null;index"`
	FSPCode            string          `gorm:"column:fsp_code;size:50"`
	PaymentMethod      string          `gorm:"column:payment_method;size:30"`
	Status             Status          `gorm:"column:status;size:20;not null;index"`
	TotalPayments      int             `gorm:"column:total_payments;not null"`
	TotalAmount        decimal.Decimal `gorm:"column:total_amount;type:decimal(15,2);not null"`
	SuccessfulPayments int             `gorm:"column:successful_payments;not null;default:0"`
	FailedPayments     int             `gorm:"column:failed_payments;not null;default:0"`
	ScheduledDate      time.Time       `gorm:"column:scheduled_date;not null;index"`
	StartedDate        *time.Time      `gorm:"column:started_date"`
	CompletedDate      *time.Time      `gorm:"column:completed_date"`
	NeedsAttention     bool            `gorm:"column:needs_attention;not null;default:false"`
	AttentionReason    string          `gorm:"column:attention_reason"`
	Notes              string          `gorm:"column:notes"`
	CreatedBy          string          `gorm:"column:created_by;size:100"`
	UpdatedBy          string          `gorm:"column:updated_by;size:100"`
	Version            int64           `gorm:"column:version;not null;default:0"`
	CreatedAt          time.Time       `gorm:"column:created_at;index"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
}

func (PaymentBatch) TableName() string {
	return "payment_batches"
}
