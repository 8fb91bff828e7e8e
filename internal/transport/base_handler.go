package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	errors "github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/pkg/logger"
)

// BaseHandler provides common functionality for HTTP handlers
type BaseHandler struct {
	Logger *slog.Logger
}

// NewBaseHandler creates a base handler with logger
func NewBaseHandler(lg *slog.Logger) *BaseHandler {
	if lg == nil {
		lg = logger.LoggerWrapper()
		if lg == nil {
			lg = slog.Default()
		}
	}
	return &BaseHandler{Logger: lg}
}

// WriteJSON writes a JSON response
func (h *BaseHandler) WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.Logger.Error("failed to encode JSON response", "error", err)
	}
}

// WriteError writes an error response for failures that never reached a
// service, such as middleware rejections.
func (h *BaseHandler) WriteError(w http.ResponseWriter, status int, message string) {
	h.Logger.Error("http error", "status", status, "message", message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errorResp := map[string]interface{}{
		"code":    status,
		"message": message,
	}

	if err := json.NewEncoder(w).Encode(errorResp); err != nil {
		h.Logger.Error("failed to encode error response", "error", err)
	}
}

// HandleError writes an AppError as {"error": {...}}.
func (h *BaseHandler) HandleError(w http.ResponseWriter, appErr *errors.AppError) {
	status, body := appErr.ToHTTPResponse()
	if status >= http.StatusInternalServerError {
		h.Logger.Error("request failed", "status", status, "code", appErr.Code, "error", appErr)
	} else {
		h.Logger.Debug("request rejected", "status", status, "code", appErr.Code, "message", appErr.Message)
	}
	h.WriteJSON(w, status, body)
}

// HandleServiceError maps service errors onto the API error shape. Errors
// outside the taxonomy become a generic 500 with no internal detail.
func (h *BaseHandler) HandleServiceError(w http.ResponseWriter, err error) {
	if appErr, ok := errors.IsAppError(err); ok {
		h.HandleError(w, appErr)
		return
	}
	h.HandleError(w, errors.NewInternalError("an unexpected error occurred", err))
}

// ExtractTokenFromHeader extracts Bearer token from Authorization header
func (h *BaseHandler) ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	if len(authHeader) < 7 || authHeader[:7] != "Bearer " {
		return ""
	}

	return authHeader[7:]
}

// DecodeJSON decodes the request body into dst.
func (h *BaseHandler) DecodeJSON(r *http.Request, dst interface{}) *errors.AppError {
	if r.Body == nil {
		return errors.NewValidationError("request body is required", errors.ErrCodeValidationFailed)
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed).WithCause(err)
	}
	return nil
}

// ParseUUID parses a path or query value as a UUID.
func ParseUUID(name, value string) (uuid.UUID, *errors.AppError) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, errors.NewValidationFieldError(name, name+" must be a valid UUID", errors.ErrCodeInvalidIdentifier)
	}
	return id, nil
}

// Paging reads limit/offset, defaulting to 20 and capping at 100.
func Paging(r *http.Request) (limit, offset int) {
	limit = 20
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}
	return limit, offset
}

// ParseTime accepts RFC 3339 timestamps or plain dates. Empty input yields the
// zero time.
func ParseTime(name, value string) (time.Time, *errors.AppError) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, value); err == nil {
		return t, nil
	}
	return time.Time{}, errors.NewValidationFieldError(name, name+" must be an RFC 3339 timestamp or YYYY-MM-DD date", errors.ErrCodeInvalidDate)
}
