package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventTypePaymentStatusChanged = "payment.status_changed"
	EventTypeBatchStatusChanged   = "batch.status_changed"
)

// AllEventTypes lists the event types forwarded to external consumers.
var AllEventTypes = []string{EventTypePaymentStatusChanged, EventTypeBatchStatusChanged}

type PaymentStatusChangedEvent struct {
	BaseEvent
	PaymentID     string `json:"payment_id"`
	BatchID       string `json:"batch_id,omitempty"`
	FromStatus    string `json:"from_status"`
	ToStatus      string `json:"to_status"`
	FSPCode       string `json:"fsp_code,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func NewPaymentStatusChangedEvent(paymentID uuid.UUID, batchID *uuid.UUID, from, to, fspCode, correlationID string) *PaymentStatusChangedEvent {
	batch := ""
	if batchID != nil {
		batch = batchID.String()
	}
	return &PaymentStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypePaymentStatusChanged,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"payment_id":     paymentID.String(),
				"batch_id":       batch,
				"from_status":    from,
				"to_status":      to,
				"fsp_code":       fspCode,
				"correlation_id": correlationID,
			},
		},
		PaymentID:     paymentID.String(),
		BatchID:       batch,
		FromStatus:    from,
		ToStatus:      to,
		FSPCode:       fspCode,
		CorrelationID: correlationID,
	}
}

type BatchStatusChangedEvent struct {
	BaseEvent
	BatchID     string `json:"batch_id"`
	BatchNumber string `json:"batch_number"`
	FromStatus  string `json:"from_status"`
	ToStatus    string `json:"to_status"`
}

func NewBatchStatusChangedEvent(batchID uuid.UUID, batchNumber, from, to string) *BatchStatusChangedEvent {
	return &BatchStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeBatchStatusChanged,
			Timestamp: time.Now().UTC(),
			Data: map[string]interface{}{
				"batch_id":     batchID.String(),
				"batch_number": batchNumber,
				"from_status":  from,
				"to_status":    to,
			},
		},
		BatchID:     batchID.String(),
		BatchNumber: batchNumber,
		FromStatus:  from,
		ToStatus:    to,
	}
}
