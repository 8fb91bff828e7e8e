package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	auditDatamodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/audit"
)

type EventType string

const (
	EventPaymentCreated    EventType = "PAYMENT_CREATED"
	EventPaymentProcessing EventType = "PAYMENT_PROCESSING"
	EventPaymentCompleted  EventType = "PAYMENT_COMPLETED"
	EventPaymentFailed     EventType = "PAYMENT_FAILED"
	EventPaymentCancelled  EventType = "PAYMENT_CANCELLED"
	EventPaymentRefunded   EventType = "PAYMENT_REFUNDED"
	EventPaymentRetry      EventType = "PAYMENT_RETRY"
	EventPaymentExpired    EventType = "PAYMENT_EXPIRED"

	EventBatchCreated   EventType = "BATCH_CREATED"
	EventBatchStarted   EventType = "BATCH_STARTED"
	EventBatchPaused    EventType = "BATCH_PAUSED"
	EventBatchResumed   EventType = "BATCH_RESUMED"
	EventBatchCompleted EventType = "BATCH_COMPLETED"
	EventBatchFailed    EventType = "BATCH_FAILED"
	EventBatchCancelled EventType = "BATCH_CANCELLED"

	EventFSPRequest  EventType = "FSP_REQUEST"
	EventFSPResponse EventType = "FSP_RESPONSE"
	EventFSPWebhook  EventType = "FSP_WEBHOOK"
	EventFSPError    EventType = "FSP_ERROR"

	EventReconciliationStarted     EventType = "RECONCILIATION_STARTED"
	EventReconciliationCompleted   EventType = "RECONCILIATION_COMPLETED"
	EventReconciliationDiscrepancy EventType = "RECONCILIATION_DISCREPANCY"

	EventSystemError          EventType = "SYSTEM_ERROR"
	EventConfigurationChanged EventType = "CONFIGURATION_CHANGED"
	EventManualIntervention   EventType = "MANUAL_INTERVENTION"
)

type Entry struct {
	ID            uuid.UUID       `json:"id"`
	PaymentID     *uuid.UUID      `json:"payment_id,omitempty"`
	BatchID       *uuid.UUID      `json:"batch_id,omitempty"`
	EventType     EventType       `json:"event_type"`
	OldStatus     string          `json:"old_status,omitempty"`
	NewStatus     string          `json:"new_status,omitempty"`
	Description   string          `json:"description,omitempty"`
	FSPCode       string          `json:"fsp_code,omitempty"`
	FSPRequest    json.RawMessage `json:"fsp_request,omitempty"`
	FSPResponse   json.RawMessage `json:"fsp_response,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	Actor         string          `json:"actor"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Filter selects entries; zero fields are ignored.
type Filter struct {
	PaymentID     *uuid.UUID
	BatchID       *uuid.UUID
	EventTypes    []EventType
	CorrelationID string
	FSPCode       string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
}

func ToDataModel(e *Entry) *auditDatamodel.LogEntry {
	return &auditDatamodel.LogEntry{
		ID:            e.ID,
		PaymentID:     e.PaymentID,
		BatchID:       e.BatchID,
		EventType:     string(e.EventType),
		OldStatus:     e.OldStatus,
		NewStatus:     e.NewStatus,
		Description:   e.Description,
		FSPCode:       e.FSPCode,
		FSPRequest:    jsonColumn(e.FSPRequest),
		FSPResponse:   jsonColumn(e.FSPResponse),
		ErrorCode:     e.ErrorCode,
		ErrorMessage:  e.ErrorMessage,
		Actor:         e.Actor,
		CorrelationID: e.CorrelationID,
		CreatedAt:     e.CreatedAt,
	}
}

func FromDataModel(m *auditDatamodel.LogEntry) *Entry {
	return &Entry{
		ID:            m.ID,
		PaymentID:     m.PaymentID,
		BatchID:       m.BatchID,
		EventType:     EventType(m.EventType),
		OldStatus:     m.OldStatus,
		NewStatus:     m.NewStatus,
		Description:   m.Description,
		FSPCode:       m.FSPCode,
		FSPRequest:    json.RawMessage(m.FSPRequest),
		FSPResponse:   json.RawMessage(m.FSPResponse),
		ErrorCode:     m.ErrorCode,
		ErrorMessage:  m.ErrorMessage,
		Actor:         m.Actor,
		CorrelationID: m.CorrelationID,
		CreatedAt:     m.CreatedAt,
	}
}

func jsonColumn(raw json.RawMessage) datatypes.JSON {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return datatypes.JSON(raw)
}
