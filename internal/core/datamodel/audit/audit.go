package audit

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrImmutable = errors.New("audit log entries are immutable")

type LogEntry struct {
	ID            uuid.UUID      `gorm:"column:id;primaryKey"`
	PaymentID     *uuid.UUID     `gorm:"column:payment_id;index"`
	BatchID       *uuid.UUID     `gorm:"column:batch_id;index"`
	EventType     string         `gorm:"column:event_type;size:50;not null;index"`
	OldStatus     string         `gorm:"column:old_status;size:20"`
	NewStatus     string         `gorm:"column:new_status;size:20"`
	Description   string         `gorm:"column:description"`
	FSPCode       string         `gorm:"column:fsp_code;size:50"`
	FSPRequest    datatypes.JSON `gorm:"column:fsp_request"`
	FSPResponse   datatypes.JSON `gorm:"column:fsp_response"`
	ErrorCode     string         `gorm:"column:error_code;size:100"`
	ErrorMessage  string         `gorm:"column:error_message"`
	Actor         string         `gorm:"column:actor;size:100"`
	CorrelationID string         `gorm:"column:correlation_id;size:128;index"`
	CreatedAt     time.Time      `gorm:"column:created_at;not null;index"`
}

func (LogEntry) TableName() string {
	return "payment_audit_logs"
}

func (LogEntry) BeforeUpdate(*gorm.DB) error {
	return ErrImmutable
}

func (LogEntry) BeforeDelete(*gorm.DB) error {
	return ErrImmutable
}
