package batch

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/payment"
	"github.com/frahmantamala/disbursement-core/internal/transport"
)

type ServiceAPI interface {
	CreatePaymentBatch(ctx context.Context, req CreateBatchRequest) (*batchmodel.PaymentBatch, []*paymentmodel.Payment, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error)
	ListBatchPayments(ctx context.Context, id uuid.UUID) ([]*paymentmodel.Payment, error)
	StartBatchProcessing(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error)
	PauseBatch(ctx context.Context, id uuid.UUID, reason string) (*batchmodel.PaymentBatch, error)
	ResumeBatch(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error)
	CancelBatch(ctx context.Context, id uuid.UUID, reason string) (*batchmodel.PaymentBatch, error)
	RetryFailedPayments(ctx context.Context, id uuid.UUID) (*RetryResponse, error)
	UpdateBatchStatus(ctx context.Context, id uuid.UUID, req StatusUpdateRequest) (*batchmodel.PaymentBatch, error)
	MonitorBatchProgress(ctx context.Context, id uuid.UUID) (*ProgressResponse, error)
	GenerateBatchReport(ctx context.Context, id uuid.UUID) (*ReportResponse, error)
	BatchStatistics(ctx context.Context, programID *uuid.UUID) ([]StatusCount, error)
	GetRecentBatches(ctx context.Context, programID *uuid.UUID, limit int) ([]*batchmodel.PaymentBatch, error)
	ProcessScheduledBatches(ctx context.Context) (*SweepResult, error)
}

type Handler struct {
	*transport.BaseHandler
	BatchService ServiceAPI
}

func NewHandler(batchService ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:  transport.NewBaseHandler(logger),
		BatchService: batchService,
	}
}

// CreateBatch handles POST /api/v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req CreateBatchRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	b, members, err := h.BatchService.CreatePaymentBatch(r.Context(), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	ids := make([]uuid.UUID, 0, len(members))
	for _, p := range members {
		ids = append(ids, p.ID)
	}
	h.WriteJSON(w, http.StatusCreated, &CreateBatchResponse{Batch: ToResponse(b), PaymentIDs: ids})
}

// GetBatch handles GET /api/v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	b, err := h.BatchService.GetBatch(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(b))
}

// ListPayments handles GET /api/v1/batches/{id}/payments
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	members, err := h.BatchService.ListBatchPayments(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, payment.ToResponses(members))
}

// StartBatch handles POST /api/v1/batches/{id}/start. The response is sent
// once the batch is PROCESSING; members are submitted in the background.
func (h *Handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, func(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error) {
		return h.BatchService.StartBatchProcessing(ctx, id)
	})
}

// PauseBatch handles POST /api/v1/batches/{id}/pause
func (h *Handler) PauseBatch(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.BatchService.PauseBatch)
}

// ResumeBatch handles POST /api/v1/batches/{id}/resume
func (h *Handler) ResumeBatch(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.BatchService.ResumeBatch)
}

// CancelBatch handles POST /api/v1/batches/{id}/cancel
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	h.withReason(w, r, h.BatchService.CancelBatch)
}

// RetryFailed handles POST /api/v1/batches/{id}/retry-failed
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	resp, err := h.BatchService.RetryFailedPayments(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusAccepted, resp)
}

// UpdateStatus handles PUT /api/v1/batches/{id}/status
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req StatusUpdateRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	b, err := h.BatchService.UpdateBatchStatus(r.Context(), id, req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(b))
}

// Progress handles GET /api/v1/batches/{id}/progress
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	progress, err := h.BatchService.MonitorBatchProgress(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, progress)
}

// Report handles GET /api/v1/batches/{id}/report
func (h *Handler) Report(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	report, err := h.BatchService.GenerateBatchReport(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, report)
}

// Statistics handles GET /api/v1/batches/statistics?program_id=
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	programID, ok := h.programFilter(w, r)
	if !ok {
		return
	}
	stats, err := h.BatchService.BatchStatistics(r.Context(), programID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, stats)
}

// Recent handles GET /api/v1/batches/recent?program_id=&limit=
func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	programID, ok := h.programFilter(w, r)
	if !ok {
		return
	}
	limit, _ := transport.Paging(r)
	batches, err := h.BatchService.GetRecentBatches(r.Context(), programID, limit)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponses(batches))
}

// ProcessScheduled handles POST /api/v1/batches/process-scheduled
func (h *Handler) ProcessScheduled(w http.ResponseWriter, r *http.Request) {
	result, err := h.BatchService.ProcessScheduledBatches(r.Context())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}

func (h *Handler) control(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID) (*batchmodel.PaymentBatch, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	b, err := fn(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(b))
}

func (h *Handler) withReason(w http.ResponseWriter, r *http.Request, fn func(context.Context, uuid.UUID, string) (*batchmodel.PaymentBatch, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req payment.ReasonRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}
	b, err := fn(r.Context(), id, req.Reason)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(b))
}

func (h *Handler) programFilter(w http.ResponseWriter, r *http.Request) (*uuid.UUID, bool) {
	v := r.URL.Query().Get("program_id")
	if v == "" {
		return nil, true
	}
	id, appErr := transport.ParseUUID("program_id", v)
	if appErr != nil {
		h.HandleError(w, appErr)
		return nil, false
	}
	return &id, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, appErr := transport.ParseUUID("id", chi.URLParam(r, "id"))
	if appErr != nil {
		h.HandleError(w, appErr)
		return uuid.Nil, false
	}
	return id, true
}
