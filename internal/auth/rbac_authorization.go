package auth

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/transport"
)

type RBACAuthorization struct {
	*transport.BaseHandler
	checker PermissionChecker
}

func NewRBACAuthorization(checker PermissionChecker, logger *slog.Logger) *RBACAuthorization {
	return &RBACAuthorization{
		BaseHandler: transport.NewBaseHandler(logger),
		checker:     checker,
	}
}

func (ra *RBACAuthorization) Check(next http.HandlerFunc, permission Permission) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok || user == nil {
			ra.Logger.Warn("authorization check failed: user not found in context")
			ra.HandleError(w, internal.NewUnauthorizedError("authentication required", internal.ErrCodeInvalidToken))
			return
		}

		if !ra.checker.HasPermission(user.Roles, permission) {
			ra.Logger.WarnContext(r.Context(), "access denied: insufficient role",
				"user_id", user.ID,
				"required_permission", permission,
				"roles", user.Roles)
			ra.HandleError(w, internal.ErrUnauthorizedAccess)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// Require is the chi-style middleware form of Check.
func (ra *RBACAuthorization) Require(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return ra.Check(next.ServeHTTP, permission)
	}
}
