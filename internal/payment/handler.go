package payment

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi"
	"github.com/google/uuid"

	errors "github.com/frahmantamala/disbursement-core/internal"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/transport"
)

type ServiceAPI interface {
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (*paymentmodel.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error)
	GetPaymentByReference(ctx context.Context, ref string) (*paymentmodel.Payment, error)
	SearchPayments(ctx context.Context, c SearchCriteria) ([]*paymentmodel.Payment, int64, error)
	CanProcessPayment(ctx context.Context, id uuid.UUID) (bool, error)
	ProcessPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error)
	CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*paymentmodel.Payment, error)
	RetryPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error)
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, to paymentmodel.Status, reason string) (*paymentmodel.Payment, error)
	RefundPayment(ctx context.Context, id uuid.UUID, reason string) (*paymentmodel.Payment, error)
	CheckPaymentStatusWithFSP(ctx context.Context, id uuid.UUID) (*StatusCheckResult, error)
	ApplyWebhook(ctx context.Context, fspCode string, payload []byte, headers http.Header) (*WebhookResult, error)
	ProcessScheduledPayments(ctx context.Context) (*SweepResult, error)
	ProcessRetryPayments(ctx context.Context) (*SweepResult, error)
	ExpirePayments(ctx context.Context) (*SweepResult, error)
	GetStatistics(ctx context.Context, f StatsFilter) ([]StatusStat, error)
	GetFSPStatistics(ctx context.Context, f StatsFilter) ([]FSPStat, error)
	GetDailyVolume(ctx context.Context, f StatsFilter) ([]DailyVolume, error)
	GetTotalAmount(ctx context.Context, f StatsFilter) (*TotalResult, error)
	GetCount(ctx context.Context, f StatsFilter) (int64, error)
}

type Handler struct {
	*transport.BaseHandler
	PaymentService ServiceAPI
}

func NewHandler(paymentService ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler:    transport.NewBaseHandler(logger),
		PaymentService: paymentService,
	}
}

// CreatePayment handles POST /api/v1/payments
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	p, err := h.PaymentService.CreatePayment(r.Context(), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, ToResponse(p))
}

// GetPayment handles GET /api/v1/payments/{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.PaymentService.GetPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}

// GetPaymentByReference handles GET /api/v1/payments/reference/{ref}
func (h *Handler) GetPaymentByReference(w http.ResponseWriter, r *http.Request) {
	p, err := h.PaymentService.GetPaymentByReference(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}

// ListByHousehold handles GET /api/v1/payments/household/{id}
func (h *Handler) ListByHousehold(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	h.search(w, r, SearchCriteria{HouseholdID: &id})
}

// ListByProgram handles GET /api/v1/payments/program/{id}
func (h *Handler) ListByProgram(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	h.search(w, r, SearchCriteria{ProgramID: &id})
}

// ListByStatus handles GET /api/v1/payments/status/{status}
func (h *Handler) ListByStatus(w http.ResponseWriter, r *http.Request) {
	status := paymentmodel.Status(strings.ToUpper(chi.URLParam(r, "status")))
	h.search(w, r, SearchCriteria{Status: status})
}

// SearchPayments handles GET /api/v1/payments/search?household_id=&program_id=&batch_id=&status=&fsp_code=&from=&to=
func (h *Handler) SearchPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var c SearchCriteria

	ids := []struct {
		name string
		dst  **uuid.UUID
	}{
		{"household_id", &c.HouseholdID},
		{"program_id", &c.ProgramID},
		{"batch_id", &c.BatchID},
	}
	for _, f := range ids {
		v := q.Get(f.name)
		if v == "" {
			continue
		}
		id, appErr := transport.ParseUUID(f.name, v)
		if appErr != nil {
			h.HandleError(w, appErr)
			return
		}
		*f.dst = &id
	}
	c.Status = paymentmodel.Status(strings.ToUpper(q.Get("status")))
	c.FSPCode = q.Get("fsp_code")

	var appErr *errors.AppError
	if c.From, appErr = transport.ParseTime("from", q.Get("from")); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if c.To, appErr = transport.ParseTime("to", q.Get("to")); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	h.search(w, r, c)
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request, c SearchCriteria) {
	c.Limit, c.Offset = transport.Paging(r)
	payments, total, err := h.PaymentService.SearchPayments(r.Context(), c)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, PageResponse{
		Items:  ToResponses(payments),
		Total:  total,
		Limit:  c.Limit,
		Offset: c.Offset,
	})
}

// CanProcess handles GET /api/v1/payments/{id}/can-process
func (h *Handler) CanProcess(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	can, err := h.PaymentService.CanProcessPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]interface{}{"payment_id": id, "can_process": can})
}

// ProcessPayment handles POST /api/v1/payments/{id}/process
func (h *Handler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.PaymentService.ProcessPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.Logger.Info("payment processed via api", "payment_id", p.ID, "status", p.Status, "actor", errors.ActorFromContext(r.Context()))
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}

// CancelPayment handles POST /api/v1/payments/{id}/cancel
func (h *Handler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.PaymentService.CancelPayment(r.Context(), id, req.Reason)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}

// RetryPayment handles POST /api/v1/payments/{id}/retry
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	p, err := h.PaymentService.RetryPayment(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}

// UpdateStatus handles PUT /api/v1/payments/{id}/status
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
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.PaymentService.UpdatePaymentStatus(r.Context(), id, req.Status, req.Reason)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}

// RefundPayment handles POST /api/v1/payments/{id}/refund
func (h *Handler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ReasonRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if err := req.Validate(); err != nil {
		h.HandleServiceError(w, err)
		return
	}

	p, err := h.PaymentService.RefundPayment(r.Context(), id, req.Reason)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, ToResponse(p))
}

// CheckStatus handles POST /api/v1/payments/{id}/check-status
func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	result, err := h.PaymentService.CheckPaymentStatusWithFSP(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}

// ProcessScheduled handles POST /api/v1/payments/process-scheduled. It runs
// the scheduled, retry and expiry sweeps once.
func (h *Handler) ProcessScheduled(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scheduled, err := h.PaymentService.ProcessScheduledPayments(ctx)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	retried, err := h.PaymentService.ProcessRetryPayments(ctx)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	expired, err := h.PaymentService.ExpirePayments(ctx)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]*SweepResult{
		"scheduled": scheduled,
		"retried":   retried,
		"expired":   expired,
	})
}

// Statistics handles GET /api/v1/payments/statistics
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	f, ok := h.statsFilter(w, r.URL.Query())
	if !ok {
		return
	}
	stats, err := h.PaymentService.GetStatistics(r.Context(), f)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, stats)
}

// FSPStatistics handles GET /api/v1/payments/statistics/fsp
func (h *Handler) FSPStatistics(w http.ResponseWriter, r *http.Request) {
	f, ok := h.statsFilter(w, r.URL.Query())
	if !ok {
		return
	}
	stats, err := h.PaymentService.GetFSPStatistics(r.Context(), f)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, stats)
}

// DailyVolume handles GET /api/v1/payments/volume/daily?from=&to=
func (h *Handler) DailyVolume(w http.ResponseWriter, r *http.Request) {
	f, ok := h.statsFilter(w, r.URL.Query())
	if !ok {
		return
	}
	volume, err := h.PaymentService.GetDailyVolume(r.Context(), f)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, volume)
}

// TotalAmount handles GET /api/v1/payments/total-amount
func (h *Handler) TotalAmount(w http.ResponseWriter, r *http.Request) {
	f, ok := h.statsFilter(w, r.URL.Query())
	if !ok {
		return
	}
	total, err := h.PaymentService.GetTotalAmount(r.Context(), f)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, total)
}

// Count handles GET /api/v1/payments/count
func (h *Handler) Count(w http.ResponseWriter, r *http.Request) {
	f, ok := h.statsFilter(w, r.URL.Query())
	if !ok {
		return
	}
	count, err := h.PaymentService.GetCount(r.Context(), f)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (h *Handler) statsFilter(w http.ResponseWriter, q url.Values) (StatsFilter, bool) {
	var f StatsFilter
	if v := q.Get("program_id"); v != "" {
		id, appErr := transport.ParseUUID("program_id", v)
		if appErr != nil {
			h.HandleError(w, appErr)
			return f, false
		}
		f.ProgramID = &id
	}
	f.Status = paymentmodel.Status(strings.ToUpper(q.Get("status")))
	f.FSPCode = q.Get("fsp_code")

	var appErr *errors.AppError
	if f.From, appErr = transport.ParseTime("from", q.Get("from")); appErr != nil {
		h.HandleError(w, appErr)
		return f, false
	}
	if f.To, appErr = transport.ParseTime("to", q.Get("to")); appErr != nil {
		h.HandleError(w, appErr)
		return f, false
	}
	return f, true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, appErr := transport.ParseUUID("id", chi.URLParam(r, "id"))
	if appErr != nil {
		h.HandleError(w, appErr)
		return uuid.Nil, false
	}
	return id, true
}
