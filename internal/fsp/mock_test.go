package fsp_test

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

var _ fsp.SettlementReporter = (*fsp.MockAdapter)(nil)

var _ = Describe("MockAdapter", func() {
	var (
		ctx     context.Context
		adapter *fsp.MockAdapter
	)

	BeforeEach(func() {
		ctx = context.Background()
		adapter = fsp.NewMockAdapter(discardLogger())
	})

	submit := func(amount string) *fsp.Outcome {
		outcome, err := adapter.SubmitPayment(ctx, fsp.PaymentRequest{
			PaymentID:         uuid.New(),
			InternalReference: "PAY-2025-000001",
			Amount:            decimal.RequireFromString(amount),
			Currency:          "PHP",
			Method:            paymentmodel.MethodEWallet,
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		return outcome
	}

	It("completes small amounts at once", func() {
		outcome := submit("999.99")
		Expect(outcome.Success).To(BeTrue())
		Expect(outcome.Status).To(Equal(fsp.ProviderStatusCompleted))
		Expect(outcome.Fee.Equal(decimal.NewFromInt(5))).To(BeTrue())
		Expect(strings.HasPrefix(outcome.ReferenceNumber, "MOCK-")).To(BeTrue())
		Expect(outcome.ReferenceNumber).To(HaveLen(len("MOCK-") + 8))
	})

	It("rejects amounts above ten thousand", func() {
		outcome := submit("10000.01")
		Expect(outcome.Success).To(BeFalse())
		Expect(outcome.ErrorCode).To(Equal("AMOUNT_LIMIT_EXCEEDED"))
	})

	It("leaves mid-range amounts processing", func() {
		outcome := submit("5000")
		Expect(outcome.Status).To(Equal(fsp.ProviderStatusProcessing))
		Expect(outcome.Fee.Equal(decimal.NewFromInt(10))).To(BeTrue())

		status, err := adapter.CheckPaymentStatus(ctx, outcome.ReferenceNumber, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Status).To(Equal(fsp.ProviderStatusProcessing))
	})

	It("reports unknown references as not found", func() {
		status, err := adapter.CheckPaymentStatus(ctx, "MOCK-UNKNOWN", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Status).To(Equal(fsp.ProviderStatusNotFound))
	})

	It("refuses to cancel a completed payment", func() {
		outcome := submit("100")
		_, err := adapter.CancelPayment(ctx, outcome.ReferenceNumber, nil)
		var pe *fsp.ProviderError
		Expect(errors.As(err, &pe)).To(BeTrue())
		Expect(pe.Code).To(Equal("CANNOT_CANCEL_COMPLETED"))
		Expect(pe.Transient).To(BeFalse())
	})

	It("cancels a processing payment", func() {
		outcome := submit("5000")
		cancelled, err := adapter.CancelPayment(ctx, outcome.ReferenceNumber, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(cancelled.Status).To(Equal(fsp.ProviderStatusCancelled))
	})

	Context("when unreachable", func() {
		It("fails every call with a transient error", func() {
			adapter.SetUnreachable(true)
			_, err := adapter.SubmitPayment(ctx, fsp.PaymentRequest{Amount: decimal.NewFromInt(100)}, nil)
			Expect(fsp.IsTransient(err)).To(BeTrue())
			Expect(adapter.TestConnection(ctx, nil)).To(BeFalse())
		})
	})

	Describe("SettlementReport", func() {
		It("lists the payments submitted in the window", func() {
			instant := submit("500")
			pending := submit("5000")
			rejected := submit("15000")
			lost := submit("700")
			adapter.Forget(lost.ReferenceNumber)

			records, err := adapter.SettlementReport(ctx, nil, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(HaveLen(3))
			Expect(records).To(ContainElements(
				And(HaveField("ReferenceNumber", instant.ReferenceNumber), HaveField("Status", fsp.ProviderStatusCompleted)),
				And(HaveField("ReferenceNumber", pending.ReferenceNumber), HaveField("Status", fsp.ProviderStatusProcessing)),
				And(HaveField("ReferenceNumber", rejected.ReferenceNumber), HaveField("Status", fsp.ProviderStatusFailed)),
			))
			for _, rec := range records {
				Expect(rec.InternalReference).To(Equal("PAY-2025-000001"))
				if rec.ReferenceNumber == instant.ReferenceNumber {
					Expect(rec.Amount.Equal(decimal.NewFromInt(500))).To(BeTrue())
					Expect(rec.SettledAt).NotTo(BeZero())
				}
			}
		})

		It("leaves out payments submitted outside the window", func() {
			submit("500")
			records, err := adapter.SettlementReport(ctx, nil, time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour))
			Expect(err).NotTo(HaveOccurred())
			Expect(records).To(BeEmpty())
		})

		It("fails transiently when unreachable", func() {
			adapter.SetUnreachable(true)
			_, err := adapter.SettlementReport(ctx, nil, time.Now().Add(-time.Hour), time.Now())
			Expect(fsp.IsTransient(err)).To(BeTrue())
		})
	})

	It("parses webhook payloads and defaults the event name", func() {
		event, err := adapter.ProcessWebhook(ctx, []byte(`{"reference_number":"MOCK-1","status":"completed"}`), nil, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(event.Event).To(Equal("payment.completed"))
		Expect(event.Status).To(Equal(fsp.ProviderStatusCompleted))

		_, err = adapter.ProcessWebhook(ctx, []byte(`{"status":"completed"}`), nil, nil)
		Expect(err).To(HaveOccurred())
	})
})
