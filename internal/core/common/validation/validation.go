package validation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/disbursement-core/internal"
)

type ValidatorFunc func(interface{}) *errors.AppError

type FieldValidator struct {
	FieldName  string
	Value      interface{}
	Validators []ValidatorFunc
}

// ValidationBuilder collects every failing rule across fields so a request
// is rejected once with all of its problems.
type ValidationBuilder struct {
	fields []*FieldValidator
}

func NewValidator() *ValidationBuilder {
	return &ValidationBuilder{}
}

func (v *ValidationBuilder) Field(name string, value interface{}) *FieldValidator {
	fv := &FieldValidator{FieldName: name, Value: value}
	v.fields = append(v.fields, fv)
	return fv
}

// rule adds a check that fails with message when bad reports true.
func (fv *FieldValidator) rule(code errors.ErrorCode, message string, bad func(interface{}) bool) *FieldValidator {
	fv.Validators = append(fv.Validators, func(value interface{}) *errors.AppError {
		if bad(value) {
			return errors.NewValidationFieldError(fv.FieldName, message, code)
		}
		return nil
	})
	return fv
}

func isBlank(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case *string:
		return v == nil || *v == ""
	case int64:
		return v == 0
	case uuid.UUID:
		return v == uuid.Nil
	case decimal.Decimal:
		return v.IsZero()
	case time.Time:
		return v.IsZero()
	}
	return false
}

func (fv *FieldValidator) Required() *FieldValidator {
	return fv.rule(errors.ErrCodeRequired, fv.FieldName+" is required", isBlank)
}

func (fv *FieldValidator) MinInt(min int64, code errors.ErrorCode) *FieldValidator {
	return fv.rule(code, fmt.Sprintf("%s must be at least %d", fv.FieldName, min), func(value interface{}) bool {
		n, ok := value.(int64)
		return ok && n < min
	})
}

func (fv *FieldValidator) MaxInt(max int64, code errors.ErrorCode) *FieldValidator {
	return fv.rule(code, fmt.Sprintf("%s must not exceed %d", fv.FieldName, max), func(value interface{}) bool {
		n, ok := value.(int64)
		return ok && n > max
	})
}

// Positive rejects zero and negative decimal amounts.
func (fv *FieldValidator) Positive(code errors.ErrorCode) *FieldValidator {
	return fv.rule(code, fv.FieldName+" must be greater than zero", func(value interface{}) bool {
		d, ok := value.(decimal.Decimal)
		return ok && !d.IsPositive()
	})
}

// MaxScale bounds the number of fractional digits of a decimal amount.
func (fv *FieldValidator) MaxScale(places int32, code errors.ErrorCode) *FieldValidator {
	return fv.rule(code, fmt.Sprintf("%s must have at most %d decimal places", fv.FieldName, places), func(value interface{}) bool {
		d, ok := value.(decimal.Decimal)
		return ok && !d.Equal(d.Truncate(places))
	})
}

func (fv *FieldValidator) MaxLength(max int) *FieldValidator {
	return fv.rule(errors.ErrCodeValidationFailed, fmt.Sprintf("%s must not exceed %d characters", fv.FieldName, max), func(value interface{}) bool {
		s, ok := value.(string)
		return ok && len(s) > max
	})
}

// OneOf accepts string-like values found in allowed. Empty values pass; pair
// with Required when the field is mandatory.
func (fv *FieldValidator) OneOf(allowed []string, code errors.ErrorCode) *FieldValidator {
	set := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		set[a] = struct{}{}
	}
	return fv.rule(code, fmt.Sprintf("%s must be one of %v", fv.FieldName, allowed), func(value interface{}) bool {
		s := fmt.Sprint(value)
		if s == "" {
			return false
		}
		_, ok := set[s]
		return !ok
	})
}

func (fv *FieldValidator) Custom(validator func(interface{}) *errors.AppError) *FieldValidator {
	fv.Validators = append(fv.Validators, validator)
	return fv
}

func (v *ValidationBuilder) Validate() *errors.AppError {
	var failed []errors.ValidationError
	for _, field := range v.fields {
		for _, check := range field.Validators {
			appErr := check(field.Value)
			if appErr == nil {
				continue
			}
			if details, ok := appErr.Details.(errors.ValidationErrors); ok {
				failed = append(failed, details.Errors...)
				continue
			}
			failed = append(failed, errors.ValidationError{
				Field:   field.FieldName,
				Message: appErr.Message,
				Code:    string(appErr.Code),
			})
		}
	}

	if len(failed) == 0 {
		return nil
	}
	return errors.NewValidationError("Validation failed", errors.ErrCodeValidationFailed).
		WithDetails(errors.ValidationErrors{Errors: failed})
}

// ValidateDateRange checks an inclusive start and exclusive end.
func ValidateDateRange(start, end time.Time) *errors.AppError {
	if start.IsZero() || end.IsZero() {
		return errors.NewValidationError("start and end dates are required", errors.ErrCodeInvalidDateRange)
	}
	if !end.After(start) {
		return errors.NewValidationError("end date must be after start date", errors.ErrCodeInvalidDateRange)
	}
	return nil
}
