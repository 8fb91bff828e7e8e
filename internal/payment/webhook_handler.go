package payment

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"

	errors "github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/transport"
)

const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	*transport.BaseHandler
	paymentService ServiceAPI
}

func NewWebhookHandler(paymentService ServiceAPI, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler:    transport.NewBaseHandler(logger),
		paymentService: paymentService,
	}
}

// HandleFSPWebhook handles POST /api/v1/webhooks/fsp/{fspCode}. The body is
// passed through unparsed so the adapter can verify the signature over the
// exact bytes received.
func (h *WebhookHandler) HandleFSPWebhook(w http.ResponseWriter, r *http.Request) {
	fspCode := chi.URLParam(r, "fspCode")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.HandleError(w, errors.NewValidationError("unable to read webhook body", errors.ErrCodeMalformedWebhook).WithCause(err))
		return
	}
	if len(payload) == 0 {
		h.HandleError(w, errors.NewValidationError("webhook body is empty", errors.ErrCodeMalformedWebhook))
		return
	}

	h.Logger.Info("webhook received",
		"fsp_code", fspCode,
		"bytes", len(payload),
		"correlation_id", errors.CorrelationIDFromContext(r.Context()))

	result, err := h.paymentService.ApplyWebhook(r.Context(), fspCode, payload, r.Header.Clone())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}
