package audit

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/transport"
)

type QueryAPI interface {
	Query(ctx context.Context, filter Filter) (*QueryResult, error)
}

type Handler struct {
	*transport.BaseHandler
	Ledger QueryAPI
}

func NewHandler(ledger QueryAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger),
		Ledger:      ledger,
	}
}

// ListEntries serves GET /audit?payment_id=&batch_id=&event_type=&correlation_id=&fsp_code=&from=&to=
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter Filter

	if v := q.Get("payment_id"); v != "" {
		id, appErr := transport.ParseUUID("payment_id", v)
		if appErr != nil {
			h.HandleError(w, appErr)
			return
		}
		filter.PaymentID = &id
	}
	if v := q.Get("batch_id"); v != "" {
		id, appErr := transport.ParseUUID("batch_id", v)
		if appErr != nil {
			h.HandleError(w, appErr)
			return
		}
		filter.BatchID = &id
	}
	for _, v := range q["event_type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.EventTypes = append(filter.EventTypes, EventType(strings.ToUpper(t)))
			}
		}
	}
	filter.CorrelationID = q.Get("correlation_id")
	filter.FSPCode = q.Get("fsp_code")

	var appErr *internal.AppError
	if filter.From, appErr = transport.ParseTime("from", q.Get("from")); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	if filter.To, appErr = transport.ParseTime("to", q.Get("to")); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	filter.Limit, filter.Offset = transport.Paging(r)

	result, err := h.Ledger.Query(r.Context(), filter)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}
