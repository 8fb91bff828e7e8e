package batch_test

import (
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/disbursement-core/internal/batch"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
)

func member(status paymentmodel.Status, amount int64) *paymentmodel.Payment {
	return &paymentmodel.Payment{
		Status:        status,
		Amount:        decimal.NewFromInt(amount),
		MaxRetryCount: 3,
		RetryEligible: true,
		UpdatedAt:     time.Now(),
	}
}

var _ = Describe("Batch rules", func() {
	DescribeTable("status transitions",
		func(from, to batchmodel.Status, allowed bool) {
			Expect(batch.CanTransition(from, to)).To(Equal(allowed))
		},
		Entry("start", batchmodel.StatusPending, batchmodel.StatusProcessing, true),
		Entry("pause", batchmodel.StatusProcessing, batchmodel.StatusPaused, true),
		Entry("resume", batchmodel.StatusPaused, batchmodel.StatusProcessing, true),
		Entry("cancel while paused", batchmodel.StatusPaused, batchmodel.StatusCancelled, true),
		Entry("reopen failed", batchmodel.StatusFailed, batchmodel.StatusProcessing, true),
		Entry("pause pending", batchmodel.StatusPending, batchmodel.StatusPaused, false),
		Entry("complete pending", batchmodel.StatusPending, batchmodel.StatusCompleted, false),
		Entry("leave completed", batchmodel.StatusCompleted, batchmodel.StatusProcessing, false),
		Entry("leave cancelled", batchmodel.StatusCancelled, batchmodel.StatusProcessing, false),
	)

	It("formats batch numbers with the year and six digits", func() {
		now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
		Expect(batch.GenerateBatchNumber(now)).To(MatchRegexp(`^BATCH-2025-\d{6}$`))
		Expect(regexp.MustCompile(`^BATCH-\d{4}-\d{6}$`).MatchString(batch.GenerateBatchNumber(time.Now()))).To(BeTrue())
	})

	Describe("Summarize", func() {
		It("counts refunded as successful and expired as failed", func() {
			s := batch.Summarize([]*paymentmodel.Payment{
				member(paymentmodel.StatusCompleted, 100),
				member(paymentmodel.StatusRefunded, 200),
				member(paymentmodel.StatusExpired, 300),
				member(paymentmodel.StatusCancelled, 400),
			})
			Expect(s.Successful).To(Equal(2))
			Expect(s.Failed).To(Equal(1))
			Expect(s.Cancelled).To(Equal(1))
			Expect(s.Done()).To(BeTrue())
			Expect(s.Amounts[paymentmodel.StatusRefunded].Equal(decimal.NewFromInt(200))).To(BeTrue())
		})

		It("treats a failed member with retries left as in flight", func() {
			retryable := member(paymentmodel.StatusFailed, 100)
			retryable.RetryCount = 1
			exhausted := member(paymentmodel.StatusFailed, 100)
			exhausted.RetryCount = 3

			s := batch.Summarize([]*paymentmodel.Payment{retryable, exhausted})
			Expect(s.InFlight).To(Equal(1))
			Expect(s.Settled).To(Equal(1))
			Expect(s.Done()).To(BeFalse())
		})

		It("is never done for an empty member set", func() {
			Expect(batch.Summarize(nil).Done()).To(BeFalse())
		})
	})

	Describe("Resolve", func() {
		summary := func(successful, failed, cancelled int) batch.Summary {
			var members []*paymentmodel.Payment
			for i := 0; i < successful; i++ {
				members = append(members, member(paymentmodel.StatusCompleted, 100))
			}
			for i := 0; i < failed; i++ {
				members = append(members, member(paymentmodel.StatusExpired, 100))
			}
			for i := 0; i < cancelled; i++ {
				members = append(members, member(paymentmodel.StatusCancelled, 100))
			}
			return batch.Summarize(members)
		}

		DescribeTable("final status by failure ratio",
			func(successful, failed, cancelled int, threshold float64, want batchmodel.Status) {
				Expect(summary(successful, failed, cancelled).Resolve(threshold)).To(Equal(want))
			},
			Entry("ratio equal to the threshold", 1, 1, 0, 0.5, batchmodel.StatusCompleted),
			Entry("ratio just above the threshold", 2, 3, 0, 0.5, batchmodel.StatusFailed),
			Entry("ratio just below the threshold", 3, 2, 0, 0.5, batchmodel.StatusCompleted),
			Entry("no failures with zero tolerance", 3, 0, 0, 0.0, batchmodel.StatusCompleted),
			Entry("one failure with zero tolerance", 2, 1, 0, 0.0, batchmodel.StatusFailed),
			Entry("every member failed under full tolerance", 0, 3, 0, 1.0, batchmodel.StatusCompleted),
			Entry("cancelled members do not dilute failures", 0, 1, 3, 0.5, batchmodel.StatusFailed),
			Entry("cancelled members do not count as failures", 1, 0, 3, 0.0, batchmodel.StatusCompleted),
			Entry("every member cancelled", 0, 0, 3, 0.5, batchmodel.StatusCancelled),
		)

		It("measures the ratio over decided members only", func() {
			s := summary(1, 1, 2)
			Expect(s.FailureRatio()).To(Equal(0.5))
			Expect(summary(0, 0, 2).FailureRatio()).To(Equal(0.0))
		})
	})
})
