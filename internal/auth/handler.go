package auth

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/transport"
	"github.com/frahmantamala/disbursement-core/pkg/logger"
)

type Handler struct {
	*transport.BaseHandler
	Verifier TokenVerifierAPI
	Checker  PermissionChecker
}

func NewHandler(verifier TokenVerifierAPI, checker PermissionChecker, lg *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: transport.NewBaseHandler(lg),
		Verifier:    verifier,
		Checker:     checker,
	}
}

type MeResponse struct {
	User        *User        `json:"user"`
	Permissions []Permission `json:"permissions"`
}

// Me serves GET /auth/me.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		h.HandleError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
		return
	}
	h.WriteJSON(w, http.StatusOK, MeResponse{User: user, Permissions: h.Checker.Permissions(user.Roles)})
}

func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := h.ExtractTokenFromHeader(r)
		if token == "" {
			h.HandleError(w, internal.NewUnauthorizedError("missing bearer token", internal.ErrCodeInvalidToken))
			return
		}

		user, err := h.Verifier.Verify(token)
		if err != nil {
			logger.From(r.Context()).Info("auth middleware: token rejected", "error", err, "path", r.URL.Path)
			h.HandleServiceError(w, err)
			return
		}

		ctx := ContextWithUser(r.Context(), user)
		ctx = logger.With(ctx, "user_id", user.ID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
