package internal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "VALIDATION_ERROR"
	ErrorTypeNotFound         ErrorType = "NOT_FOUND"
	ErrorTypeUnauthorized     ErrorType = "UNAUTHORIZED"
	ErrorTypeForbidden        ErrorType = "FORBIDDEN"
	ErrorTypeConflict         ErrorType = "CONFLICT"
	ErrorTypeBusinessRule     ErrorType = "BUSINESS_RULE_VIOLATION"
	ErrorTypeFSPCommunication ErrorType = "FSP_COMMUNICATION_ERROR"
	ErrorTypeFSPBusiness      ErrorType = "FSP_BUSINESS_ERROR"
	ErrorTypeConfiguration    ErrorType = "CONFIGURATION_ERROR"
	ErrorTypeRateLimited      ErrorType = "RATE_LIMITED"
	ErrorTypeInternal         ErrorType = "INTERNAL_ERROR"
)

type ErrorCode string

const (
	ErrCodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	ErrCodeInvalidAmount      ErrorCode = "INVALID_AMOUNT"
	ErrCodeInvalidCurrency    ErrorCode = "INVALID_CURRENCY"
	ErrCodeInvalidMethod      ErrorCode = "INVALID_PAYMENT_METHOD"
	ErrCodeInvalidStatus      ErrorCode = "INVALID_STATUS"
	ErrCodeInvalidDate        ErrorCode = "INVALID_DATE"
	ErrCodeInvalidDateRange   ErrorCode = "INVALID_DATE_RANGE"
	ErrCodeInvalidIdentifier  ErrorCode = "INVALID_IDENTIFIER"
	ErrCodeAmountTooLow       ErrorCode = "AMOUNT_TOO_LOW"
	ErrCodeAmountTooHigh      ErrorCode = "AMOUNT_TOO_HIGH"
	ErrCodeRequired           ErrorCode = "REQUIRED"
	ErrCodeNotSubmitted       ErrorCode = "PAYMENT_NOT_SUBMITTED"
	ErrCodeEmptyBatch         ErrorCode = "EMPTY_BATCH"
	ErrCodeMalformedWebhook   ErrorCode = "MALFORMED_WEBHOOK"
	ErrCodeInvalidSignature   ErrorCode = "INVALID_SIGNATURE"
	ErrCodeInvalidFSPSettings ErrorCode = "INVALID_FSP_CONFIGURATION"

	ErrCodePaymentNotFound ErrorCode = "PAYMENT_NOT_FOUND"
	ErrCodeBatchNotFound   ErrorCode = "BATCH_NOT_FOUND"
	ErrCodeFSPNotFound     ErrorCode = "FSP_NOT_FOUND"

	ErrCodeDuplicateReference ErrorCode = "DUPLICATE_REFERENCE"
	ErrCodeDuplicateFSP       ErrorCode = "DUPLICATE_FSP_CODE"
	ErrCodeVersionConflict    ErrorCode = "VERSION_CONFLICT"

	ErrCodeInvalidTransition   ErrorCode = "INVALID_STATUS_TRANSITION"
	ErrCodeRetryLimitExceeded  ErrorCode = "RETRY_LIMIT_EXCEEDED"
	ErrCodePaymentNotRetryable ErrorCode = "PAYMENT_NOT_RETRYABLE"

	ErrCodeFSPUnavailable   ErrorCode = "FSP_UNAVAILABLE"
	ErrCodeFSPTimeout       ErrorCode = "FSP_TIMEOUT"
	ErrCodeFSPRejected      ErrorCode = "FSP_REJECTED"
	ErrCodeNoEligibleFSP    ErrorCode = "NO_ELIGIBLE_FSP"
	ErrCodeFSPInactive      ErrorCode = "FSP_INACTIVE"
	ErrCodeFSPMisconfigured ErrorCode = "FSP_MISCONFIGURED"
	ErrCodeFSPLimitExceeded ErrorCode = "FSP_LIMIT_EXCEEDED"

	ErrCodeUnauthorizedAccess ErrorCode = "UNAUTHORIZED_ACCESS"
	ErrCodeInvalidToken       ErrorCode = "INVALID_TOKEN"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"

	ErrCodeSystemError ErrorCode = "SYSTEM_ERROR"
)

// AppError is the single error shape crossing service boundaries. Its Type
// decides the HTTP status; Code is the stable machine-readable reason.
type AppError struct {
	Type       ErrorType
	Code       ErrorCode
	Message    string
	Details    interface{}
	StatusCode int
	Cause      error
}

var statusByType = map[ErrorType]int{
	ErrorTypeValidation:       http.StatusBadRequest,
	ErrorTypeNotFound:         http.StatusNotFound,
	ErrorTypeUnauthorized:     http.StatusUnauthorized,
	ErrorTypeForbidden:        http.StatusForbidden,
	ErrorTypeConflict:         http.StatusConflict,
	ErrorTypeBusinessRule:     http.StatusUnprocessableEntity,
	ErrorTypeFSPCommunication: http.StatusBadGateway,
	ErrorTypeFSPBusiness:      http.StatusUnprocessableEntity,
	ErrorTypeConfiguration:    http.StatusServiceUnavailable,
	ErrorTypeRateLimited:      http.StatusTooManyRequests,
	ErrorTypeInternal:         http.StatusInternalServerError,
}

func newAppError(t ErrorType, code ErrorCode, message string) *AppError {
	status, ok := statusByType[t]
	if !ok {
		status = http.StatusInternalServerError
	}
	return &AppError{Type: t, Code: code, Message: message, StatusCode: status}
}

func (e *AppError) Error() string {
	if fields := e.fieldErrors(); len(fields) > 0 {
		return fields[0].Message
	}
	if e.Cause == nil {
		return e.Message
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *AppError) fieldErrors() []ValidationError {
	if v, ok := e.Details.(ValidationErrors); ok {
		return v.Errors
	}
	return nil
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

func (e *AppError) WithDetails(details interface{}) *AppError {
	e.Details = details
	return e
}

// ValidationError describes one rejected field. Code holds the specific
// ErrorCode while the enclosing AppError stays VALIDATION_FAILED.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func NewValidationError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeValidation, code, message)
}

func NewValidationFieldError(field, message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeValidation, ErrCodeValidationFailed, "Validation failed").
		WithDetails(ValidationErrors{Errors: []ValidationError{{Field: field, Message: message, Code: string(code)}}})
}

func NewNotFoundError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeNotFound, code, message)
}

func NewUnauthorizedError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeUnauthorized, code, message)
}

func NewForbiddenError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeForbidden, code, message)
}

// NewInternalError keeps cause for logs only; it is never serialized.
func NewInternalError(message string, cause error) *AppError {
	return newAppError(ErrorTypeInternal, ErrCodeSystemError, message).WithCause(cause)
}

func NewConflictError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeConflict, code, message)
}

// NewBusinessRuleError reports a request that is well formed but not allowed
// in the entity's current state.
func NewBusinessRuleError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeBusinessRule, code, message)
}

// NewFSPCommunicationError is the transient class of provider failure. Deadline
// errors map to FSP_TIMEOUT.
func NewFSPCommunicationError(fspCode, message string, cause error) *AppError {
	e := newAppError(ErrorTypeFSPCommunication, ErrCodeFSPUnavailable, message).
		WithCause(cause).
		WithDetails(map[string]string{"fsp_code": fspCode})
	if errors.Is(cause, context.DeadlineExceeded) || isTimeout(cause) {
		e.Code = ErrCodeFSPTimeout
		e.StatusCode = http.StatusGatewayTimeout
	}
	return e
}

func NewFSPBusinessError(fspCode, providerCode, message string) *AppError {
	return newAppError(ErrorTypeFSPBusiness, ErrCodeFSPRejected, message).
		WithDetails(map[string]string{"fsp_code": fspCode, "provider_code": providerCode})
}

func NewConfigurationError(message string, code ErrorCode) *AppError {
	return newAppError(ErrorTypeConfiguration, code, message)
}

func NewRateLimitError(message string) *AppError {
	return newAppError(ErrorTypeRateLimited, ErrCodeRateLimited, message)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

var (
	ErrUnauthorizedAccess = NewForbiddenError("insufficient role for this operation", ErrCodeUnauthorizedAccess)
	ErrInvalidToken       = NewUnauthorizedError("Invalid token", ErrCodeInvalidToken)
	ErrTokenExpired       = NewUnauthorizedError("Token has expired", ErrCodeTokenExpired)
)

func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsErrorType reports whether err carries an AppError of type t.
func IsErrorType(err error, t ErrorType) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Type == t
}

type errorBody struct {
	Type    ErrorType   `json:"type"`
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ToHTTPResponse returns the status and the {"error": {...}} envelope.
func (e *AppError) ToHTTPResponse() (int, interface{}) {
	return e.StatusCode, map[string]*AppError{"error": e}
}

func (e *AppError) MarshalJSON() ([]byte, error) {
	return json.Marshal(errorBody{Type: e.Type, Code: e.Code, Message: e.Message, Details: e.Details})
}
