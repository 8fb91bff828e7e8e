package internal_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/disbursement-core/internal"
)

var _ = Describe("AppError", func() {
	DescribeTable("maps each error class to its HTTP status",
		func(err *internal.AppError, status int) {
			Expect(err.StatusCode).To(Equal(status))
		},
		Entry("validation", internal.NewValidationError("bad", internal.ErrCodeInvalidAmount), http.StatusBadRequest),
		Entry("not found", internal.NewNotFoundError("gone", internal.ErrCodePaymentNotFound), http.StatusNotFound),
		Entry("conflict", internal.NewConflictError("dup", internal.ErrCodeDuplicateReference), http.StatusConflict),
		Entry("business rule", internal.NewBusinessRuleError("no", internal.ErrCodeInvalidTransition), http.StatusUnprocessableEntity),
		Entry("fsp business", internal.NewFSPBusinessError("GCASH", "E42", "rejected"), http.StatusUnprocessableEntity),
		Entry("configuration", internal.NewConfigurationError("off", internal.ErrCodeFSPInactive), http.StatusServiceUnavailable),
		Entry("rate limited", internal.NewRateLimitError("slow down"), http.StatusTooManyRequests),
		Entry("internal", internal.NewInternalError("oops", nil), http.StatusInternalServerError),
	)

	It("classifies provider deadlines as timeouts", func() {
		err := internal.NewFSPCommunicationError("GCASH", "provider call failed", fmt.Errorf("send: %w", context.DeadlineExceeded))
		Expect(err.Code).To(Equal(internal.ErrCodeFSPTimeout))
		Expect(err.StatusCode).To(Equal(http.StatusGatewayTimeout))

		err = internal.NewFSPCommunicationError("GCASH", "provider call failed", fmt.Errorf("connection refused"))
		Expect(err.Code).To(Equal(internal.ErrCodeFSPUnavailable))
		Expect(err.StatusCode).To(Equal(http.StatusBadGateway))
	})

	It("uses the first field message for field errors", func() {
		err := internal.NewValidationFieldError("amount", "amount must be positive", internal.ErrCodeInvalidAmount)
		Expect(err.Error()).To(Equal("amount must be positive"))
		Expect(err.Code).To(Equal(internal.ErrCodeValidationFailed))
	})

	It("is found through wrapping", func() {
		wrapped := fmt.Errorf("create: %w", internal.NewNotFoundError("fsp missing", internal.ErrCodeFSPNotFound))
		Expect(internal.IsErrorType(wrapped, internal.ErrorTypeNotFound)).To(BeTrue())
		Expect(internal.IsErrorType(wrapped, internal.ErrorTypeConflict)).To(BeFalse())
	})

	It("serializes without the cause", func() {
		status, body := internal.NewInternalError("an unexpected error occurred", fmt.Errorf("dsn=postgres://secret")).ToHTTPResponse()
		Expect(status).To(Equal(http.StatusInternalServerError))

		raw, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(raw)).To(MatchJSON(`{"error":{"type":"INTERNAL_ERROR","code":"SYSTEM_ERROR","message":"an unexpected error occurred"}}`))
	})
})
