package batch_test

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	"github.com/frahmantamala/disbursement-core/internal/batch"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

func expectCode(err error, code internal.ErrorCode) {
	appErr, ok := internal.IsAppError(err)
	ExpectWithOffset(1, ok).To(BeTrue(), "expected an AppError, got %v", err)
	ExpectWithOffset(1, appErr.Code).To(Equal(code))
}

func expectFieldError(err error, field string, code internal.ErrorCode) {
	appErr, ok := internal.IsAppError(err)
	ExpectWithOffset(1, ok).To(BeTrue(), "expected an AppError, got %v", err)
	ExpectWithOffset(1, appErr.Type).To(Equal(internal.ErrorTypeValidation))
	details, ok := appErr.Details.(internal.ValidationErrors)
	ExpectWithOffset(1, ok).To(BeTrue())
	ExpectWithOffset(1, details.Errors).To(ContainElement(And(
		HaveField("Field", field),
		HaveField("Code", string(code)),
	)))
}

var _ = Describe("Batch Orchestrator", func() {
	var (
		ctx context.Context
		f   *fixture
	)

	BeforeEach(func() {
		ctx = internal.ContextWithUserID(context.Background(), "program-officer")
		f = newFixture(time.Millisecond)
	})

	AfterEach(func() {
		f.orchestrator.Shutdown()
	})

	Describe("NewOrchestrator", func() {
		DescribeTable("rejects a failure threshold outside [0, 1]",
			func(threshold float64) {
				_, err := batch.NewOrchestrator(f.batches, f.payments, f.registry, f.audit,
					batch.Config{FailureThreshold: threshold}, discardLogger())
				Expect(err).To(MatchError(ContainSubstring("must be between 0 and 1")))
			},
			Entry("negative", -0.1),
			Entry("above one", 1.01),
			Entry("not a number", math.NaN()),
		)
	})

	Describe("CreatePaymentBatch", func() {
		It("stores the batch and its members with computed totals", func() {
			b, members, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "700.50", "15000"))
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Status).To(Equal(batchmodel.StatusPending))
			Expect(b.BatchNumber).To(MatchRegexp(`^BATCH-\d{4}-\d{6}$`))
			Expect(b.TotalPayments).To(Equal(3))
			Expect(b.TotalAmount.Equal(decimal.RequireFromString("16200.50"))).To(BeTrue())
			Expect(b.CreatedBy).To(Equal("program-officer"))
			Expect(members).To(HaveLen(3))

			stored, err := f.payments.ListBatchPayments(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(HaveLen(3))
			sum := decimal.Zero
			for _, p := range stored {
				Expect(p.Status).To(Equal(paymentmodel.StatusPending))
				Expect(*p.BatchID).To(Equal(b.ID))
				Expect(p.ProgramID).To(Equal(f.programID))
				Expect(p.PaymentMethod).To(Equal(paymentmodel.MethodEWallet))
				sum = sum.Add(p.Amount)
			}
			Expect(sum.Equal(b.TotalAmount)).To(BeTrue())

			Expect(f.audit.count(audit.EventBatchCreated)).To(Equal(1))
			Expect(f.audit.count(audit.EventPaymentCreated)).To(Equal(3))
		})

		It("rejects an empty member list", func() {
			_, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request())
			expectFieldError(err, "payments", internal.ErrCodeEmptyBatch)
			Expect(f.audit.entries).To(BeEmpty())
		})

		It("rejects a request that repeats a member reference", func() {
			req := f.request("100", "200")
			req.Payments[0].InternalReferenceNumber = "PAY-2025-000042"
			req.Payments[1].InternalReferenceNumber = "PAY-2025-000042"

			_, _, err := f.orchestrator.CreatePaymentBatch(ctx, req)
			expectFieldError(err, "payments[1].internal_reference_number", internal.ErrCodeDuplicateReference)
		})

		It("stores nothing when a member reference already exists", func() {
			existing := f.request("100")
			existing.Payments[0].InternalReferenceNumber = "PAY-2025-000077"
			_, _, err := f.orchestrator.CreatePaymentBatch(ctx, existing)
			Expect(err).NotTo(HaveOccurred())

			req := f.request("300", "400")
			req.Payments[1].InternalReferenceNumber = "PAY-2025-000077"
			_, _, err = f.orchestrator.CreatePaymentBatch(ctx, req)
			expectCode(err, internal.ErrCodeDuplicateReference)

			recent, err := f.orchestrator.GetRecentBatches(ctx, &f.programID, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(HaveLen(1))
		})

		It("draws new generated references when they collide", func() {
			repo := &collidingRepository{RepositoryAPI: f.batches, conflicts: 1}
			o, err := batch.NewOrchestrator(repo, f.payments, f.registry, f.audit, f.cfg, discardLogger())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(o.Shutdown)

			req := f.request("300", "400")
			req.Payments[1].InternalReferenceNumber = "PAY-2025-000555"
			b, members, err := o.CreatePaymentBatch(ctx, req)
			Expect(err).NotTo(HaveOccurred())
			Expect(b.TotalPayments).To(Equal(2))

			Expect(repo.attempts).To(HaveLen(2))
			Expect(repo.attempts[0][0]).NotTo(Equal(repo.attempts[1][0]))
			Expect(repo.attempts[1][0]).To(MatchRegexp(`^PAY-\d{4}-\d{6}$`))
			Expect(repo.attempts[0][1]).To(Equal("PAY-2025-000555"))
			Expect(repo.attempts[1][1]).To(Equal("PAY-2025-000555"))
			Expect(members[0].InternalReferenceNumber).To(Equal(repo.attempts[1][0]))
		})

		It("gives up when only caller references collide", func() {
			repo := &collidingRepository{RepositoryAPI: f.batches, conflicts: 10}
			o, err := batch.NewOrchestrator(repo, f.payments, f.registry, f.audit, f.cfg, discardLogger())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(o.Shutdown)

			req := f.request("300")
			req.Payments[0].InternalReferenceNumber = "PAY-2025-000556"
			_, _, err = o.CreatePaymentBatch(ctx, req)
			expectCode(err, internal.ErrCodeDuplicateReference)
			Expect(repo.attempts).To(HaveLen(3))
			for _, refs := range repo.attempts {
				Expect(refs).To(Equal([]string{"PAY-2025-000556"}))
			}
		})

		It("reports invalid members with their index", func() {
			req := f.request("100", "-5")
			_, _, err := f.orchestrator.CreatePaymentBatch(ctx, req)
			appErr, ok := internal.IsAppError(err)
			Expect(ok).To(BeTrue())
			Expect(appErr.Type).To(Equal(internal.ErrorTypeValidation))
			details, ok := appErr.Details.(internal.ValidationErrors)
			Expect(ok).To(BeTrue())
			Expect(details.Errors[0].Field).To(Equal("payments[1]"))
		})
	})

	Describe("StartBatchProcessing", func() {
		It("completes a batch whose failure ratio stays within the threshold", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "700", "15000"))
			Expect(err).NotTo(HaveOccurred())

			started, err := f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(started.Status).To(Equal(batchmodel.StatusProcessing))
			Expect(started.StartedDate).NotTo(BeNil())

			Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusCompleted)))
			Expect(f.memberStatuses(b.ID)).To(ConsistOf(
				paymentmodel.StatusCompleted, paymentmodel.StatusCompleted, paymentmodel.StatusFailed))

			done, err := f.orchestrator.GetBatch(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.SuccessfulPayments).To(Equal(2))
			Expect(done.FailedPayments).To(Equal(1))
			Expect(done.CompletedDate).NotTo(BeNil())

			Expect(f.audit.count(audit.EventBatchStarted)).To(Equal(1))
			Eventually(func() int { return f.audit.count(audit.EventBatchCompleted) }).Should(Equal(1))
		})

		It("fails a batch whose failure ratio exceeds the threshold", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "15000", "20000"))
			Expect(err).NotTo(HaveOccurred())

			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())

			Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusFailed)))
			Eventually(func() int { return f.audit.count(audit.EventBatchFailed) }).Should(Equal(1))
		})

		It("submits each member through the FSP its pool was chosen for", func() {
			pinned := &pinnedPayments{PaymentsAPI: f.payments}
			o, err := batch.NewOrchestrator(f.batches, pinned, f.registry, f.audit, f.cfg, discardLogger())
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(o.Shutdown)

			b, _, err := o.CreatePaymentBatch(ctx, f.request("500", "700"))
			Expect(err).NotTo(HaveOccurred())
			_, err = o.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())

			Eventually(pinned.submittedVia).Should(ConsistOf(fsp.MockFSPCode, fsp.MockFSPCode))
			Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusCompleted)))
		})

		Context("with a zero failure threshold", func() {
			BeforeEach(func() {
				f.orchestrator.Shutdown()
				f = newFixtureWith(batch.Config{StaleAfter: time.Hour, RetryBackoff: time.Millisecond, QueueSize: 16})
			})

			It("fails the batch on a single rejected member", func() {
				b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "700", "15000"))
				Expect(err).NotTo(HaveOccurred())

				_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
				Expect(err).NotTo(HaveOccurred())

				Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusFailed)))
				Expect(f.memberStatuses(b.ID)).To(ConsistOf(
					paymentmodel.StatusCompleted, paymentmodel.StatusCompleted, paymentmodel.StatusFailed))
			})
		})

		It("refuses to start a batch twice", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())

			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).To(HaveOccurred())
		})

		It("returns BATCH_NOT_FOUND for an unknown batch", func() {
			_, err := f.orchestrator.StartBatchProcessing(ctx, uuid.New())
			expectCode(err, internal.ErrCodeBatchNotFound)
		})

		Context("when a member settles later through the lifecycle manager", func() {
			It("resolves the batch from the status change event", func() {
				b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "5000"))
				Expect(err).NotTo(HaveOccurred())
				_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
				Expect(err).NotTo(HaveOccurred())

				Eventually(func() []paymentmodel.Status { return f.memberStatuses(b.ID) }).Should(ConsistOf(
					paymentmodel.StatusCompleted, paymentmodel.StatusProcessing))
				Consistently(f.batchStatus(b.ID), 50*time.Millisecond).Should(Equal(string(batchmodel.StatusProcessing)))

				members, err := f.payments.ListBatchPayments(ctx, b.ID)
				Expect(err).NotTo(HaveOccurred())
				for _, p := range members {
					if p.Status == paymentmodel.StatusProcessing {
						_, err := f.payments.UpdatePaymentStatus(ctx, p.ID, paymentmodel.StatusCompleted, "provider settled")
						Expect(err).NotTo(HaveOccurred())
					}
				}

				Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusCompleted)))
			})
		})
	})

	Describe("MonitorBatchProgress", func() {
		It("reports settled members and an estimated completion", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "5000"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() int {
				progress, err := f.orchestrator.MonitorBatchProgress(ctx, b.ID)
				Expect(err).NotTo(HaveOccurred())
				return progress.Summary.Settled
			}).Should(Equal(1))

			progress, err := f.orchestrator.MonitorBatchProgress(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.PercentSettled).To(BeNumerically("~", 50, 0.001))
			Expect(progress.Summary.InFlight).To(Equal(1))
			Expect(progress.Batch.SuccessfulPayments).To(Equal(1))
			Expect(progress.EstimatedCompletion).NotTo(BeNil())
			Expect(progress.EstimatedCompletion.After(*progress.Batch.StartedDate)).To(BeTrue())
		})

		It("does not estimate a batch that has not started", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500"))
			Expect(err).NotTo(HaveOccurred())

			progress, err := f.orchestrator.MonitorBatchProgress(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(progress.Batch.Status).To(Equal(batchmodel.StatusPending))
			Expect(progress.EstimatedCompletion).To(BeNil())
		})
	})

	Describe("PauseBatch and ResumeBatch", func() {
		BeforeEach(func() {
			f.orchestrator.Shutdown()
			f = newFixture(time.Hour)
		})

		It("stops re-driving while paused and finishes after resume", func() {
			f.adapter.SetUnreachable(true)
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() []paymentmodel.Status { return f.memberStatuses(b.ID) }).Should(ConsistOf(paymentmodel.StatusFailed))

			paused, err := f.orchestrator.PauseBatch(ctx, b.ID, "provider outage")
			Expect(err).NotTo(HaveOccurred())
			Expect(paused.Status).To(Equal(batchmodel.StatusPaused))
			Expect(f.audit.count(audit.EventBatchPaused)).To(Equal(1))

			f.adapter.SetUnreachable(false)
			resumed, err := f.orchestrator.ResumeBatch(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resumed.Status).To(Equal(batchmodel.StatusProcessing))
			Expect(f.audit.count(audit.EventBatchResumed)).To(Equal(1))

			Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusCompleted)))
		})

		It("refuses to pause a batch that has not started", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500"))
			Expect(err).NotTo(HaveOccurred())

			_, err = f.orchestrator.PauseBatch(ctx, b.ID, "hold")
			expectCode(err, internal.ErrCodeInvalidTransition)
		})

		It("refuses to resume a batch that is not paused", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500"))
			Expect(err).NotTo(HaveOccurred())

			_, err = f.orchestrator.ResumeBatch(ctx, b.ID)
			expectCode(err, internal.ErrCodeInvalidTransition)
		})
	})

	Describe("CancelBatch", func() {
		It("cancels the batch and every unsettled member", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "700"))
			Expect(err).NotTo(HaveOccurred())

			cancelled, err := f.orchestrator.CancelBatch(ctx, b.ID, "program suspended")
			Expect(err).NotTo(HaveOccurred())
			Expect(cancelled.Status).To(Equal(batchmodel.StatusCancelled))
			Expect(f.memberStatuses(b.ID)).To(ConsistOf(paymentmodel.StatusCancelled, paymentmodel.StatusCancelled))
			Expect(f.audit.count(audit.EventBatchCancelled)).To(Equal(1))
			Expect(f.audit.count(audit.EventPaymentCancelled)).To(Equal(2))

			_, err = f.orchestrator.CancelBatch(ctx, b.ID, "again")
			expectCode(err, internal.ErrCodeInvalidTransition)
		})
	})

	Describe("RetryFailedPayments", func() {
		BeforeEach(func() {
			f.orchestrator.Shutdown()
			f = newFixture(time.Hour)
		})

		It("re-submits failed members that still have retry budget", func() {
			f.adapter.SetUnreachable(true)
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("700"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())

			Eventually(func() []paymentmodel.Status { return f.memberStatuses(b.ID) }).Should(ConsistOf(paymentmodel.StatusFailed))

			f.adapter.SetUnreachable(false)
			resp, err := f.orchestrator.RetryFailedPayments(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Retried).To(Equal(1))

			Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusCompleted)))
		})

		It("reports PAYMENT_NOT_RETRYABLE when nothing can be retried", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("5000"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []paymentmodel.Status { return f.memberStatuses(b.ID) }).Should(ConsistOf(paymentmodel.StatusProcessing))

			_, err = f.orchestrator.RetryFailedPayments(ctx, b.ID)
			expectCode(err, internal.ErrCodePaymentNotRetryable)
		})
	})

	Describe("UpdateBatchStatus", func() {
		It("only follows legal batch edges", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500"))
			Expect(err).NotTo(HaveOccurred())

			_, err = f.orchestrator.UpdateBatchStatus(ctx, b.ID, batch.StatusUpdateRequest{Status: batchmodel.StatusCompleted, Reason: "done"})
			expectCode(err, internal.ErrCodeInvalidTransition)
		})

		It("requires a reason", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500"))
			Expect(err).NotTo(HaveOccurred())

			_, err = f.orchestrator.UpdateBatchStatus(ctx, b.ID, batch.StatusUpdateRequest{Status: batchmodel.StatusCancelled})
			Expect(internal.IsErrorType(err, internal.ErrorTypeValidation)).To(BeTrue())
		})

		It("records a manual failure as an intervention", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("5000"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []paymentmodel.Status { return f.memberStatuses(b.ID) }).Should(ConsistOf(paymentmodel.StatusProcessing))

			updated, err := f.orchestrator.UpdateBatchStatus(ctx, b.ID, batch.StatusUpdateRequest{Status: "failed", Reason: "provider confirmed outage"})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Status).To(Equal(batchmodel.StatusFailed))
			Expect(f.audit.count(audit.EventManualIntervention)).To(Equal(1))
		})
	})

	Describe("GenerateBatchReport", func() {
		It("breaks the outcome down by status and FSP", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("500", "700", "15000"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Eventually(f.batchStatus(b.ID)).Should(Equal(string(batchmodel.StatusCompleted)))

			report, err := f.orchestrator.GenerateBatchReport(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(report.SuccessRate).To(BeNumerically("~", 2.0/3.0, 0.0001))
			Expect(report.CompletedAmount.Equal(decimal.NewFromInt(1200))).To(BeTrue())
			Expect(report.TotalFees.Equal(decimal.NewFromInt(10))).To(BeTrue())
			Expect(report.Summary.ByStatus).To(HaveKeyWithValue(paymentmodel.StatusCompleted, 2))
			Expect(report.ByFSP).To(HaveLen(1))
			Expect(report.ByFSP[0].FSPCode).To(Equal("MOCK_FSP"))
			Expect(report.ByFSP[0].Successful).To(Equal(2))
			Expect(report.ByFSP[0].Failed).To(Equal(1))
			Expect(report.DurationSeconds).To(BeNumerically(">=", 0))
		})
	})

	Describe("ProcessScheduledBatches", func() {
		It("starts only batches whose scheduled date has passed", func() {
			past := time.Now().Add(-time.Hour)
			future := time.Now().Add(24 * time.Hour)

			due := f.request("500")
			due.ScheduledDate = &past
			dueBatch, _, err := f.orchestrator.CreatePaymentBatch(ctx, due)
			Expect(err).NotTo(HaveOccurred())

			later := f.request("500")
			later.ScheduledDate = &future
			laterBatch, _, err := f.orchestrator.CreatePaymentBatch(ctx, later)
			Expect(err).NotTo(HaveOccurred())

			result, err := f.orchestrator.ProcessScheduledBatches(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Examined).To(Equal(1))
			Expect(result.Affected).To(Equal(1))

			Eventually(f.batchStatus(dueBatch.ID)).Should(Equal(string(batchmodel.StatusCompleted)))
			Expect(f.batchStatus(laterBatch.ID)()).To(Equal(string(batchmodel.StatusPending)))
		})
	})

	Describe("DetectStuckBatches", func() {
		It("flags a batch with no member progress past the stale threshold once", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("5000"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []paymentmodel.Status { return f.memberStatuses(b.ID) }).Should(ConsistOf(paymentmodel.StatusProcessing))

			later := f.newOrchestrator(time.Millisecond).WithClock(func() time.Time { return time.Now().Add(3 * time.Hour) })
			defer later.Shutdown()

			result, err := later.DetectStuckBatches(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Affected).To(Equal(1))

			flagged, err := f.orchestrator.GetBatch(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(flagged.NeedsAttention).To(BeTrue())
			Expect(flagged.AttentionReason).To(ContainSubstring("1 of 1 payments unsettled"))
			Expect(f.audit.count(audit.EventManualIntervention)).To(Equal(1))

			result, err = later.DetectStuckBatches(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Affected).To(BeZero())
			Expect(f.audit.count(audit.EventManualIntervention)).To(Equal(1))
		})

		It("leaves a recently active batch alone", func() {
			b, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("5000"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.StartBatchProcessing(ctx, b.ID)
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() []paymentmodel.Status { return f.memberStatuses(b.ID) }).Should(ConsistOf(paymentmodel.StatusProcessing))

			result, err := f.orchestrator.DetectStuckBatches(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Examined).To(Equal(1))
			Expect(result.Affected).To(BeZero())
		})
	})

	Describe("BatchStatistics and GetRecentBatches", func() {
		It("counts batches per status and lists the newest first", func() {
			first, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("100"))
			Expect(err).NotTo(HaveOccurred())
			second, _, err := f.orchestrator.CreatePaymentBatch(ctx, f.request("200", "300"))
			Expect(err).NotTo(HaveOccurred())
			_, err = f.orchestrator.CancelBatch(ctx, first.ID, "duplicate run")
			Expect(err).NotTo(HaveOccurred())

			stats, err := f.orchestrator.BatchStatistics(ctx, &f.programID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats).To(ConsistOf(
				And(HaveField("Status", batchmodel.StatusCancelled), HaveField("Count", int64(1))),
				And(HaveField("Status", batchmodel.StatusPending), HaveField("Count", int64(1))),
			))

			recent, err := f.orchestrator.GetRecentBatches(ctx, nil, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(recent).To(HaveLen(2))
			Expect(recent[0].ID).To(Equal(second.ID))
		})
	})
})
