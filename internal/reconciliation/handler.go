package reconciliation

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frahmantamala/disbursement-core/internal/transport"
)

type ServiceAPI interface {
	ReconcilePayments(ctx context.Context, req Request) (*Report, error)
}

type Handler struct {
	*transport.BaseHandler
	Engine ServiceAPI
}

func NewHandler(engine ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger),
		Engine:      engine,
	}
}

// Reconcile handles POST /api/v1/payments/reconcile. Query parameters
// fsp_code, start_date and end_date are accepted when no body is sent.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req Request
	if r.ContentLength > 0 {
		if appErr := h.DecodeJSON(r, &req); appErr != nil {
			h.HandleError(w, appErr)
			return
		}
	} else {
		q := r.URL.Query()
		req.FSPCode = q.Get("fsp_code")
		start, appErr := transport.ParseTime("start_date", q.Get("start_date"))
		if appErr != nil {
			h.HandleError(w, appErr)
			return
		}
		end, appErr := transport.ParseTime("end_date", q.Get("end_date"))
		if appErr != nil {
			h.HandleError(w, appErr)
			return
		}
		req.StartDate, req.EndDate = start, end
	}
	req.FSPCode = strings.ToUpper(strings.TrimSpace(req.FSPCode))

	report, err := h.Engine.ReconcilePayments(r.Context(), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, report)
}
