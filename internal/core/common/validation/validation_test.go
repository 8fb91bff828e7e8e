package validation_test

import (
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/core/common/validation"
)

func fieldCodes(appErr *errors.AppError) map[string]string {
	out := map[string]string{}
	for _, e := range appErr.Details.(errors.ValidationErrors).Errors {
		out[e.Field] = e.Code
	}
	return out
}

var _ = Describe("ValidationBuilder", func() {
	It("passes a valid request", func() {
		v := validation.NewValidator()
		v.Field("household_id", uuid.New()).Required()
		v.Field("amount", decimal.RequireFromString("1500.25")).
			Positive(errors.ErrCodeInvalidAmount).
			MaxScale(2, errors.ErrCodeInvalidAmount)
		v.Field("method", "GCASH").OneOf([]string{"GCASH", "BANK_TRANSFER"}, errors.ErrCodeInvalidMethod)
		Expect(v.Validate()).To(BeNil())
	})

	It("reports every failing field at once", func() {
		v := validation.NewValidator()
		v.Field("household_id", uuid.Nil).Required()
		v.Field("amount", decimal.RequireFromString("-1")).Positive(errors.ErrCodeInvalidAmount)
		v.Field("scale", decimal.RequireFromString("1.005")).MaxScale(2, errors.ErrCodeInvalidAmount)
		v.Field("method", "CARRIER_PIGEON").OneOf([]string{"GCASH"}, errors.ErrCodeInvalidMethod)
		v.Field("reason", "way too long").MaxLength(3)
		v.Field("retries", int64(12)).MaxInt(10, errors.ErrCodeRetryLimitExceeded)

		appErr := v.Validate()
		Expect(appErr).NotTo(BeNil())
		Expect(appErr.Code).To(Equal(errors.ErrCodeValidationFailed))
		Expect(fieldCodes(appErr)).To(Equal(map[string]string{
			"household_id": string(errors.ErrCodeRequired),
			"amount":       string(errors.ErrCodeInvalidAmount),
			"scale":        string(errors.ErrCodeInvalidAmount),
			"method":       string(errors.ErrCodeInvalidMethod),
			"reason":       string(errors.ErrCodeValidationFailed),
			"retries":      string(errors.ErrCodeRetryLimitExceeded),
		}))
	})

	It("keeps rules chained after later fields are added", func() {
		v := validation.NewValidator()
		first := v.Field("a", "")
		for i := 0; i < 10; i++ {
			v.Field("filler", "x")
		}
		first.Required()
		Expect(v.Validate()).NotTo(BeNil())
	})

	It("lets OneOf pass empty values", func() {
		v := validation.NewValidator()
		v.Field("status", "").OneOf([]string{"PENDING"}, errors.ErrCodeInvalidStatus)
		Expect(v.Validate()).To(BeNil())
	})
})

var _ = Describe("ValidateDateRange", func() {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	It("requires both ends", func() {
		Expect(validation.ValidateDateRange(time.Time{}, now)).NotTo(BeNil())
	})

	It("requires the end after the start", func() {
		appErr := validation.ValidateDateRange(now, now)
		Expect(appErr).NotTo(BeNil())
		Expect(appErr.Code).To(Equal(errors.ErrCodeInvalidDateRange))
		Expect(validation.ValidateDateRange(now, now.Add(time.Hour))).To(BeNil())
	})
})
