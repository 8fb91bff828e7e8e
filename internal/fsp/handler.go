package fsp

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi"

	"github.com/frahmantamala/disbursement-core/internal/transport"
)

type ServiceAPI interface {
	ListFSPs(ctx context.Context) ([]FSPView, error)
	GetFSP(ctx context.Context, code string) (*FSPView, error)
	CreateFSP(ctx context.Context, req ConfigurationRequest) (*FSPView, error)
	UpdateFSP(ctx context.Context, code string, req ConfigurationRequest) (*FSPView, error)
	TestConnection(ctx context.Context, code string) (*ConnectionTestResponse, error)
	ProbeHealth(ctx context.Context) map[string]HealthState
}

type Handler struct {
	*transport.BaseHandler
	FSPService ServiceAPI
}

func NewHandler(svc ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(logger),
		FSPService:  svc,
	}
}

// GET /fsp
func (h *Handler) ListFSPs(w http.ResponseWriter, r *http.Request) {
	views, err := h.FSPService.ListFSPs(r.Context())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, views)
}

// GET /fsp/{code}
func (h *Handler) GetFSP(w http.ResponseWriter, r *http.Request) {
	view, err := h.FSPService.GetFSP(r.Context(), fspCode(r))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, view)
}

// POST /fsp
func (h *Handler) CreateFSP(w http.ResponseWriter, r *http.Request) {
	var req ConfigurationRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}
	req.FSPCode = strings.ToUpper(strings.TrimSpace(req.FSPCode))

	view, err := h.FSPService.CreateFSP(r.Context(), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusCreated, view)
}

// PUT /fsp/{code}
func (h *Handler) UpdateFSP(w http.ResponseWriter, r *http.Request) {
	var req ConfigurationRequest
	if appErr := h.DecodeJSON(r, &req); appErr != nil {
		h.HandleError(w, appErr)
		return
	}

	view, err := h.FSPService.UpdateFSP(r.Context(), fspCode(r), req)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, view)
}

// POST /fsp/{code}/test-connection
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	result, err := h.FSPService.TestConnection(r.Context(), fspCode(r))
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}
	h.WriteJSON(w, http.StatusOK, result)
}

// POST /fsp/health/probe
func (h *Handler) ProbeHealth(w http.ResponseWriter, r *http.Request) {
	h.WriteJSON(w, http.StatusOK, h.FSPService.ProbeHealth(r.Context()))
}

func fspCode(r *http.Request) string {
	return strings.ToUpper(chi.URLParam(r, "code"))
}
