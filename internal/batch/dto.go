package batch

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/core/common/validation"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/payment"
)

const maxBatchSize = 10000

type CreateBatchRequest struct {
	ProgramID     uuid.UUID                      `json:"program_id"`
	FSPCode       string                         `json:"fsp_code,omitempty"`
	PaymentMethod paymentmodel.Method            `json:"payment_method,omitempty"`
	ScheduledDate *time.Time                     `json:"scheduled_date,omitempty"`
	Notes         string                         `json:"notes,omitempty"`
	Payments      []payment.CreatePaymentRequest `json:"payments"`
}

// Validate checks the batch envelope and every member. Member errors are
// reported with their index.
func (r *CreateBatchRequest) Validate() error {
	if len(r.Payments) == 0 {
		return errors.NewValidationFieldError("payments", "a batch needs at least one payment", errors.ErrCodeEmptyBatch)
	}

	r.FSPCode = strings.ToUpper(strings.TrimSpace(r.FSPCode))
	validator := validation.NewValidator()
	validator.Field("program_id", r.ProgramID).Required()
	validator.Field("notes", r.Notes).MaxLength(1000)
	validator.Field("payments", int64(len(r.Payments))).MaxInt(maxBatchSize, errors.ErrCodeValidationFailed)
	if r.PaymentMethod != "" {
		validator.Field("payment_method", string(r.PaymentMethod)).OneOf(methodNames(), errors.ErrCodeInvalidMethod)
	}
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}

	seen := make(map[string]int, len(r.Payments))
	for i := range r.Payments {
		member := &r.Payments[i]
		if member.ProgramID == uuid.Nil {
			member.ProgramID = r.ProgramID
		}
		if member.PaymentMethod == "" {
			member.PaymentMethod = r.PaymentMethod
		}
		if member.FSPCode == "" {
			member.FSPCode = r.FSPCode
		}
		if member.ScheduledDate == nil {
			member.ScheduledDate = r.ScheduledDate
		}
		if err := member.Validate(); err != nil {
			appErr, ok := errors.IsAppError(err)
			if !ok {
				return err
			}
			return errors.NewValidationFieldError(fmt.Sprintf("payments[%d]", i), appErr.Message, appErr.Code).WithCause(err)
		}
		if member.ProgramID != r.ProgramID {
			return errors.NewValidationFieldError(fmt.Sprintf("payments[%d].program_id", i), "member payment belongs to another program", errors.ErrCodeValidationFailed)
		}
		if ref := member.InternalReferenceNumber; ref != "" {
			if j, dup := seen[ref]; dup {
				return errors.NewValidationFieldError(fmt.Sprintf("payments[%d].internal_reference_number", i),
					fmt.Sprintf("reference repeats payments[%d]", j), errors.ErrCodeDuplicateReference)
			}
			seen[ref] = i
		}
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
	names := make([]string, len(batchmodel.AllStatuses))
	for i, s := range batchmodel.AllStatuses {
		names[i] = string(s)
	}
	return names
}

type StatusUpdateRequest struct {
	Status batchmodel.Status `json:"status"`
	Reason string            `json:"reason"`
}

func (r *StatusUpdateRequest) Validate() error {
	r.Status = batchmodel.Status(strings.ToUpper(string(r.Status)))
	validator := validation.NewValidator()
	validator.Field("status", string(r.Status)).Required().OneOf(statusNames(), errors.ErrCodeInvalidStatus)
	validator.Field("reason", r.Reason).Required().MaxLength(500)
	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

type BatchResponse struct {
	ID                 uuid.UUID         `json:"id"`
	BatchNumber        string            `json:"batch_number"`
	ProgramID          uuid.UUID         `json:"program_id"`
	FSPCode            string            `json:"fsp_code,omitempty"`
	PaymentMethod      string            `json:"payment_method,omitempty"`
	Status             batchmodel.Status `json:"status"`
	TotalPayments      int               `json:"total_payments"`
	TotalAmount        decimal.Decimal   `json:"total_amount"`
	SuccessfulPayments int               `json:"successful_payments"`
	FailedPayments     int               `json:"failed_payments"`
	ScheduledDate      time.Time         `json:"scheduled_date"`
	StartedDate        *time.Time        `json:"started_date,omitempty"`
	CompletedDate      *time.Time        `json:"completed_date,omitempty"`
	NeedsAttention     bool              `json:"needs_attention"`
	AttentionReason    string            `json:"attention_reason,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	Version            int64             `json:"version"`
	CreatedBy          string            `json:"created_by,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

func ToResponse(b *batchmodel.PaymentBatch) *BatchResponse {
	return &BatchResponse{
		ID:                 b.ID,
		BatchNumber:        b.BatchNumber,
		ProgramID:          b.ProgramID,
		FSPCode:            b.FSPCode,
		PaymentMethod:      b.PaymentMethod,
		Status:             b.Status,
		TotalPayments:      b.TotalPayments,
		TotalAmount:        b.TotalAmount,
		SuccessfulPayments: b.SuccessfulPayments,
		FailedPayments:     b.FailedPayments,
		ScheduledDate:      b.ScheduledDate,
		StartedDate:        b.StartedDate,
		CompletedDate:      b.CompletedDate,
		NeedsAttention:     b.NeedsAttention,
		AttentionReason:    b.AttentionReason,
		Notes:              b.Notes,
		Version:            b.Version,
		CreatedBy:          b.CreatedBy,
		CreatedAt:          b.CreatedAt,
		UpdatedAt:          b.UpdatedAt,
	}
}

func ToResponses(batches []*batchmodel.PaymentBatch) []*BatchResponse {
	out := make([]*BatchResponse, 0, len(batches))
	for _, b := range batches {
		out = append(out, ToResponse(b))
	}
	return out
}

// CreateBatchResponse carries the batch and its member payment ids in
// creation order.
type CreateBatchResponse struct {
	Batch      *BatchResponse `json:"batch"`
	PaymentIDs []uuid.UUID    `json:"payment_ids"`
}

type ProgressResponse struct {
	Batch               *BatchResponse `json:"batch"`
	Summary             Summary        `json:"summary"`
	PercentSettled      float64        `json:"percent_settled"`
	EstimatedCompletion *time.Time     `json:"estimated_completion,omitempty"`
}

type FSPBreakdown struct {
	FSPCode     string          `json:"fsp_code"`
	Count       int             `json:"count"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	TotalFees   decimal.Decimal `json:"total_fees"`
}

type ReportResponse struct {
	Batch           *BatchResponse  `json:"batch"`
	Summary         Summary         `json:"summary"`
	SuccessRate     float64         `json:"success_rate"`
	CompletedAmount decimal.Decimal `json:"completed_amount"`
	TotalFees       decimal.Decimal `json:"total_fees"`
	ByFSP           []FSPBreakdown  `json:"by_fsp"`
	DurationSeconds float64         `json:"duration_seconds"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

type StatusCount struct {
	Status      batchmodel.Status `json:"status" gorm:"column:status"`
	Count       int64             `json:"count" gorm:"column:count"`
	TotalAmount decimal.Decimal   `json:"total_amount" gorm:"column:total_amount"`
}

// RetryResponse reports how many FAILED members were queued again.
type RetryResponse struct {
	Batch   *BatchResponse `json:"batch"`
	Retried int            `json:"retried"`
}

// SweepResult reports one ProcessScheduledBatches or DetectStuckBatches run.
type SweepResult struct {
	Examined int      `json:"examined"`
	Affected int      `json:"affected"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}
