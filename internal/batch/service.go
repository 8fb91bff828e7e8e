package batch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/core/events"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
	"github.com/frahmantamala/disbursement-core/internal/payment"
)

const (
	sweepLimit        = 50
	recentLimit       = 20
	maxRecentLimit    = 100
	monitorAttempts   = 3
	maxMemberBackoff  = 5 * time.Minute
	referenceAttempts = 3
)

// RepositoryAPI stores batches. CreateWithPayments writes the batch and its
// members in one transaction; Update is a compare-and-swap on Version.
type RepositoryAPI interface {
	CreateWithPayments(ctx context.Context, b *batchmodel.PaymentBatch, members []*paymentmodel.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error)
	Update(ctx context.Context, b *batchmodel.PaymentBatch) error
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*batchmodel.PaymentBatch, error)
	ListByStatus(ctx context.Context, status batchmodel.Status, limit int) ([]*batchmodel.PaymentBatch, error)
	ListRecent(ctx context.Context, programID *uuid.UUID, limit int) ([]*batchmodel.PaymentBatch, error)
	CountByStatus(ctx context.Context, programID *uuid.UUID) ([]StatusCount, error)
}

// PaymentsAPI is the part of the payment lifecycle manager a batch drives.
type PaymentsAPI interface {
	NewPayment(ctx context.Context, req payment.CreatePaymentRequest, batchID *uuid.UUID) *paymentmodel.Payment
	RecordCreated(ctx context.Context, p *paymentmodel.Payment)
	GetPayment(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error)
	ProcessPaymentVia(ctx context.Context, id uuid.UUID, fspCode string) (*paymentmodel.Payment, error)
	CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*paymentmodel.Payment, error)
	ListBatchPayments(ctx context.Context, batchID uuid.UUID) ([]*paymentmodel.Payment, error)
}

type FSPRouter interface {
	GetBestFSP(ctx context.Context, method paymentmodel.Method, amount decimal.Decimal, currency string) (*fsp.Selection, error)
	ConcurrencyLimit(ctx context.Context, code string) int
}

type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

type Subscriber interface {
	Subscribe(eventType string, handler events.Handler)
}

type Config struct {
	FailureThreshold float64
	StaleAfter       time.Duration
	RetryBackoff     time.Duration
	QueueSize        int
}

// Orchestrator groups payments into batches and drives them through the
// payment lifecycle manager on per-FSP worker pools.
type Orchestrator struct {
	repo       RepositoryAPI
	payments   PaymentsAPI
	router     FSPRouter
	audit      audit.Recorder
	events     EventPublisher
	dispatcher *Dispatcher
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewOrchestrator rejects a failure threshold outside [0, 1]. Zero is a
// valid zero-tolerance policy.
func NewOrchestrator(repo RepositoryAPI, payments PaymentsAPI, router FSPRouter, recorder audit.Recorder, cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if math.IsNaN(cfg.FailureThreshold) || cfg.FailureThreshold < 0 || cfg.FailureThreshold > 1 {
		return nil, fmt.Errorf("batch failure threshold %v must be between 0 and 1", cfg.FailureThreshold)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Hour
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}

	o := &Orchestrator{
		repo:       repo,
		payments:   payments,
		router:     router,
		audit:      recorder,
		dispatcher: NewDispatcher(router, cfg.QueueSize, logger),
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	o.dispatcher.Start(o.processJob)
	return o, nil
}

func (o *Orchestrator) WithEvents(p EventPublisher) *Orchestrator {
	o.events = p
	return o
}

func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Subscribe re-evaluates a batch whenever one of its members changes status
// outside the dispatch path, for example through a provider webhook.
func (o *Orchestrator) Subscribe(bus Subscriber) {
	bus.Subscribe(events.EventTypePaymentStatusChanged, func(ctx context.Context, event events.Event) error {
		ev, ok := event.(*events.PaymentStatusChangedEvent)
		if !ok || ev.BatchID == "" {
			return nil
		}
		batchID, err := uuid.Parse(ev.BatchID)
		if err != nil {
			return nil
		}
		_, err = o.MonitorBatchProgress(ctx, batchID)
		return err
	})
}

func (o *Orchestrator) Shutdown() {
	o.dispatcher.Shutdown()
}

// CreatePaymentBatch stores the batch and one PENDING payment per member in a
// single transaction. Totals are computed from the member set.
func (o *Orchestrator) CreatePaymentBatch(ctx context.Context, req CreateBatchRequest) (*batchmodel.PaymentBatch, []*paymentmodel.Payment, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	now := o.now().UTC()
	actor := internal.ActorFromContext(ctx)
	b := &batchmodel.PaymentBatch{
		ID:            uuid.New(),
		BatchNumber:   GenerateBatchNumber(now),
		ProgramID:     req.ProgramID,
		FSPCode:       req.FSPCode,
		PaymentMethod: string(req.PaymentMethod),
		Status:        batchmodel.StatusPending,
		TotalAmount:   decimal.Zero,
		ScheduledDate: now,
		Notes:         req.Notes,
		CreatedBy:     actor,
		UpdatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.ScheduledDate != nil {
		b.ScheduledDate = req.ScheduledDate.UTC()
	}

	members := make([]*paymentmodel.Payment, 0, len(req.Payments))
	var generated []*paymentmodel.Payment
	for _, m := range req.Payments {
		p := o.payments.NewPayment(ctx, m, &b.ID)
		members = append(members, p)
		if m.InternalReferenceNumber == "" {
			generated = append(generated, p)
		}
		b.TotalAmount = b.TotalAmount.Add(p.Amount)
	}
	b.TotalPayments = len(members)

	// Generated batch numbers and member references are drawn again on a
	// collision. Caller-supplied references are never rewritten.
	for attempt := 1; ; attempt++ {
		err := o.repo.CreateWithPayments(ctx, b, members)
		if err == nil {
			break
		}
		if !internal.IsErrorType(err, internal.ErrorTypeConflict) {
			return nil, nil, o.fail(ctx, nil, "create batch", err)
		}
		if attempt >= referenceAttempts {
			o.logger.Warn("batch rejected on duplicate reference", "batch_number", b.BatchNumber, "error", err)
			return nil, nil, err
		}
		o.logger.Debug("batch reference collision, drawing new references", "batch_number", b.BatchNumber, "attempt", attempt)
		b.BatchNumber = GenerateBatchNumber(now)
		for _, p := range generated {
			p.InternalReferenceNumber = payment.GenerateReference(now)
		}
	}

	o.record(ctx, audit.Entry{
		BatchID:     &b.ID,
		EventType:   audit.EventBatchCreated,
		NewStatus:   string(b.Status),
		FSPCode:     b.FSPCode,
		Description: fmt.Sprintf("batch %s created with %d payments totalling %s", b.BatchNumber, b.TotalPayments, b.TotalAmount.StringFixed(2)),
	})
	for _, p := range members {
		o.payments.RecordCreated(ctx, p)
	}

	o.logger.Info("payment batch created",
		"batch_id", b.ID,
		"batch_number", b.BatchNumber,
		"program_id", b.ProgramID,
		"total_payments", b.TotalPayments,
		"total_amount", b.TotalAmount.StringFixed(2))
	return b, members, nil
}

func (o *Orchestrator) GetBatch(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error) {
	b, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, o.fail(ctx, &id, "get batch", err)
	}
	return b, nil
}

func (o *Orchestrator) ListBatchPayments(ctx context.Context, id uuid.UUID) ([]*paymentmodel.Payment, error) {
	if _, err := o.GetBatch(ctx, id); err != nil {
		return nil, err
	}
	return o.payments.ListBatchPayments(ctx, id)
}

// StartBatchProcessing moves a PENDING batch to PROCESSING and queues its
// members. It returns once the batch is marked; submission continues on the
// worker pools and progress is read through MonitorBatchProgress.
func (o *Orchestrator) StartBatchProcessing(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error) {
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}

	now := o.now().UTC()
	err = o.transition(ctx, b, batchmodel.StatusProcessing, func(next *batchmodel.PaymentBatch) {
		if next.StartedDate == nil {
			next.StartedDate = &now
		}
	}, "batch processing started")
	if err != nil {
		return nil, o.fail(ctx, &id, "start batch", err)
	}

	o.dispatchAsync(ctx, b, nil)
	return b, nil
}

// PauseBatch stops new submissions. Members already handed to a worker
// finish their current call.
func (o *Orchestrator) PauseBatch(ctx context.Context, id uuid.UUID, reason string) (*batchmodel.PaymentBatch, error) {
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.transition(ctx, b, batchmodel.StatusPaused, nil, reason); err != nil {
		return nil, o.fail(ctx, &id, "pause batch", err)
	}
	return b, nil
}

func (o *Orchestrator) ResumeBatch(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error) {
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != batchmodel.StatusPaused {
		return nil, internal.NewBusinessRuleError(
			fmt.Sprintf("only PAUSED batches can be resumed, batch is %s", b.Status), internal.ErrCodeInvalidTransition)
	}
	if err := o.transition(ctx, b, batchmodel.StatusProcessing, nil, "batch processing resumed"); err != nil {
		return nil, o.fail(ctx, &id, "resume batch", err)
	}

	o.dispatchAsync(ctx, b, nil)
	return b, nil
}

// CancelBatch cancels the batch and every member that has not settled. A
// member that cannot be cancelled, for example one that completed meanwhile,
// keeps its status.
func (o *Orchestrator) CancelBatch(ctx context.Context, id uuid.UUID, reason string) (*batchmodel.PaymentBatch, error) {
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(b, batchmodel.StatusCancelled); err != nil {
		return nil, err
	}

	now := o.now().UTC()
	if err := o.transition(ctx, b, batchmodel.StatusCancelled, func(next *batchmodel.PaymentBatch) {
		next.CompletedDate = &now
		next.NeedsAttention = false
		next.AttentionReason = ""
	}, reason); err != nil {
		return nil, o.fail(ctx, &id, "cancel batch", err)
	}

	members, err := o.payments.ListBatchPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	cancelled, skipped := 0, 0
	for _, p := range members {
		if p.Status != paymentmodel.StatusPending && p.Status != paymentmodel.StatusProcessing {
			continue
		}
		if _, err := o.payments.CancelPayment(ctx, p.ID, "batch cancelled: "+reason); err != nil {
			skipped++
			o.logger.Warn("batch member not cancelled", "batch_id", id, "payment_id", p.ID, "error", err)
			continue
		}
		cancelled++
	}

	o.refreshCounts(ctx, b)
	o.logger.Info("payment batch cancelled",
		"batch_id", id,
		"cancelled_members", cancelled,
		"skipped_members", skipped)
	return b, nil
}

// RetryFailedPayments queues the FAILED members that still have retry
// budget. A FAILED batch is re-opened first.
func (o *Orchestrator) RetryFailedPayments(ctx context.Context, id uuid.UUID) (*RetryResponse, error) {
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != batchmodel.StatusProcessing && b.Status != batchmodel.StatusFailed {
		return nil, internal.NewBusinessRuleError(
			fmt.Sprintf("failed payments of a %s batch cannot be retried", b.Status), internal.ErrCodeInvalidTransition)
	}

	members, err := o.payments.ListBatchPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	var eligible []*paymentmodel.Payment
	for _, p := range members {
		if p.CanRetry() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return nil, internal.NewBusinessRuleError(
			fmt.Sprintf("batch %s has no retry-eligible failed payments", b.BatchNumber), internal.ErrCodePaymentNotRetryable)
	}

	if b.Status == batchmodel.StatusFailed {
		if err := o.transition(ctx, b, batchmodel.StatusProcessing, func(next *batchmodel.PaymentBatch) {
			next.CompletedDate = nil
		}, fmt.Sprintf("retrying %d failed payments", len(eligible))); err != nil {
			return nil, o.fail(ctx, &id, "reopen batch", err)
		}
	}

	o.dispatchAsync(ctx, b, eligible)
	o.logger.Info("retrying failed batch members", "batch_id", id, "count", len(eligible))
	return &RetryResponse{Batch: ToResponse(b), Retried: len(eligible)}, nil
}

// UpdateBatchStatus is the administrative override. Moves that have a
// dedicated operation go through it so members are handled the same way.
func (o *Orchestrator) UpdateBatchStatus(ctx context.Context, id uuid.UUID, req StatusUpdateRequest) (*batchmodel.PaymentBatch, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(b, req.Status); err != nil {
		return nil, err
	}

	switch {
	case req.Status == batchmodel.StatusCancelled:
		return o.CancelBatch(ctx, id, req.Reason)
	case req.Status == batchmodel.StatusPaused:
		return o.PauseBatch(ctx, id, req.Reason)
	case req.Status == batchmodel.StatusProcessing && b.Status == batchmodel.StatusPending:
		return o.StartBatchProcessing(ctx, id)
	case req.Status == batchmodel.StatusProcessing && b.Status == batchmodel.StatusPaused:
		return o.ResumeBatch(ctx, id)
	case req.Status == batchmodel.StatusProcessing:
		resp, err := o.RetryFailedPayments(ctx, id)
		if err != nil {
			return nil, err
		}
		return o.GetBatch(ctx, resp.Batch.ID)
	}

	now := o.now().UTC()
	if err := o.transition(ctx, b, req.Status, func(next *batchmodel.PaymentBatch) {
		next.CompletedDate = &now
		next.NeedsAttention = false
		next.AttentionReason = ""
	}, "manual override: "+req.Reason); err != nil {
		return nil, o.fail(ctx, &id, "update batch status", err)
	}
	o.record(ctx, audit.Entry{
		BatchID:     &b.ID,
		EventType:   audit.EventManualIntervention,
		NewStatus:   string(b.Status),
		Description: req.Reason,
	})
	return b, nil
}

// MonitorBatchProgress aggregates member statuses into the batch counters
// and resolves a PROCESSING batch once every member has settled.
func (o *Orchestrator) MonitorBatchProgress(ctx context.Context, id uuid.UUID) (*ProgressResponse, error) {
	var (
		b       *batchmodel.PaymentBatch
		summary Summary
	)
	for attempt := 1; ; attempt++ {
		var err error
		b, err = o.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		members, err := o.payments.ListBatchPayments(ctx, id)
		if err != nil {
			return nil, err
		}
		summary = Summarize(members)

		err = o.settle(ctx, b, summary)
		if err == nil {
			break
		}
		if !internal.IsErrorType(err, internal.ErrorTypeConflict) || attempt == monitorAttempts {
			return nil, o.fail(ctx, &id, "monitor batch", err)
		}
	}
	return o.progress(b, summary), nil
}

// settle writes the counters and, when everything has settled, the final
// status. Nothing is written when nothing changed.
func (o *Orchestrator) settle(ctx context.Context, b *batchmodel.PaymentBatch, s Summary) error {
	if b.Status != batchmodel.StatusProcessing {
		return nil
	}

	if !s.Done() {
		if b.SuccessfulPayments == s.Successful && b.FailedPayments == s.Failed {
			return nil
		}
		return o.save(ctx, b, func(next *batchmodel.PaymentBatch) {
			next.SuccessfulPayments = s.Successful
			next.FailedPayments = s.Failed
		})
	}

	to := s.Resolve(o.cfg.FailureThreshold)
	now := o.now().UTC()
	description := fmt.Sprintf("%d of %d payments failed, %d cancelled (ratio %.2f, threshold %.2f)",
		s.Failed, s.Total, s.Cancelled, s.FailureRatio(), o.cfg.FailureThreshold)
	return o.transition(ctx, b, to, func(next *batchmodel.PaymentBatch) {
		next.SuccessfulPayments = s.Successful
		next.FailedPayments = s.Failed
		next.CompletedDate = &now
		next.NeedsAttention = false
		next.AttentionReason = ""
	}, description)
}

func (o *Orchestrator) progress(b *batchmodel.PaymentBatch, s Summary) *ProgressResponse {
	resp := &ProgressResponse{Batch: ToResponse(b), Summary: s}
	if s.Total > 0 {
		resp.PercentSettled = float64(s.Settled) / float64(s.Total) * 100
	}
	if b.Status != batchmodel.StatusProcessing || b.StartedDate == nil || s.Settled == 0 || s.Done() {
		return resp
	}

	now := o.now().UTC()
	elapsed := now.Sub(*b.StartedDate)
	if elapsed <= 0 {
		return resp
	}
	perPayment := elapsed / time.Duration(s.Settled)
	eta := now.Add(perPayment * time.Duration(s.Total-s.Settled))
	resp.EstimatedCompletion = &eta
	return resp
}

func (o *Orchestrator) refreshCounts(ctx context.Context, b *batchmodel.PaymentBatch) {
	members, err := o.payments.ListBatchPayments(ctx, b.ID)
	if err != nil {
		return
	}
	s := Summarize(members)
	if b.SuccessfulPayments == s.Successful && b.FailedPayments == s.Failed {
		return
	}
	if err := o.save(ctx, b, func(next *batchmodel.PaymentBatch) {
		next.SuccessfulPayments = s.Successful
		next.FailedPayments = s.Failed
	}); err != nil {
		o.logger.Warn("failed to refresh batch counters", "batch_id", b.ID, "error", err)
	}
}

func (o *Orchestrator) GenerateBatchReport(ctx context.Context, id uuid.UUID) (*ReportResponse, error) {
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := o.payments.ListBatchPayments(ctx, id)
	if err != nil {
		return nil, err
	}

	s := Summarize(members)
	report := &ReportResponse{
		Batch:           ToResponse(b),
		Summary:         s,
		SuccessRate:     s.SuccessRate(),
		CompletedAmount: decimal.Zero,
		TotalFees:       decimal.Zero,
		GeneratedAt:     o.now().UTC(),
	}

	byFSP := make(map[string]*FSPBreakdown)
	for _, p := range members {
		code := p.FSPCode
		if code == "" {
			code = "UNASSIGNED"
		}
		row, ok := byFSP[code]
		if !ok {
			row = &FSPBreakdown{FSPCode: code, TotalAmount: decimal.Zero, TotalFees: decimal.Zero}
			byFSP[code] = row
		}
		row.Count++
		row.TotalAmount = row.TotalAmount.Add(p.Amount)
		row.TotalFees = row.TotalFees.Add(p.TransactionFee)
		report.TotalFees = report.TotalFees.Add(p.TransactionFee)

		switch p.Status {
		case paymentmodel.StatusCompleted, paymentmodel.StatusRefunded:
			row.Successful++
			report.CompletedAmount = report.CompletedAmount.Add(p.Amount)
		case paymentmodel.StatusFailed, paymentmodel.StatusExpired:
			row.Failed++
		}
	}
	for _, row := range byFSP {
		report.ByFSP = append(report.ByFSP, *row)
	}
	sort.Slice(report.ByFSP, func(i, j int) bool { return report.ByFSP[i].FSPCode < report.ByFSP[j].FSPCode })

	if b.StartedDate != nil {
		end := report.GeneratedAt
		if b.CompletedDate != nil {
			end = *b.CompletedDate
		}
		report.DurationSeconds = end.Sub(*b.StartedDate).Seconds()
	}
	return report, nil
}

func (o *Orchestrator) BatchStatistics(ctx context.Context, programID *uuid.UUID) ([]StatusCount, error) {
	stats, err := o.repo.CountByStatus(ctx, programID)
	if err != nil {
		return nil, o.fail(ctx, nil, "batch statistics", err)
	}
	return stats, nil
}

func (o *Orchestrator) GetRecentBatches(ctx context.Context, programID *uuid.UUID, limit int) ([]*batchmodel.PaymentBatch, error) {
	if limit <= 0 {
		limit = recentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	batches, err := o.repo.ListRecent(ctx, programID, limit)
	if err != nil {
		return nil, o.fail(ctx, nil, "list recent batches", err)
	}
	return batches, nil
}

// ProcessScheduledBatches starts every PENDING batch whose scheduled date
// has passed.
func (o *Orchestrator) ProcessScheduledBatches(ctx context.Context) (*SweepResult, error) {
	due, err := o.repo.ListDueScheduled(ctx, o.now().UTC(), sweepLimit)
	if err != nil {
		return nil, o.fail(ctx, nil, "list scheduled batches", err)
	}

	result := &SweepResult{Examined: len(due)}
	for _, b := range due {
		if _, err := o.StartBatchProcessing(ctx, b.ID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", b.BatchNumber, err))
			o.logger.Warn("scheduled batch not started", "batch_id", b.ID, "error", err)
			continue
		}
		result.Affected++
	}
	if result.Examined > 0 {
		o.logger.Info("scheduled batches processed", "examined", result.Examined, "started", result.Affected, "failed", result.Failed)
	}
	return result, nil
}

// DetectStuckBatches re-evaluates PROCESSING batches and flags the ones
// whose members have not moved for longer than the stale threshold.
func (o *Orchestrator) DetectStuckBatches(ctx context.Context) (*SweepResult, error) {
	running, err := o.repo.ListByStatus(ctx, batchmodel.StatusProcessing, sweepLimit)
	if err != nil {
		return nil, o.fail(ctx, nil, "list processing batches", err)
	}

	result := &SweepResult{Examined: len(running)}
	now := o.now().UTC()
	for _, b := range running {
		progress, err := o.MonitorBatchProgress(ctx, b.ID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", b.BatchNumber, err))
			continue
		}
		if progress.Batch.Status != batchmodel.StatusProcessing || progress.Batch.NeedsAttention {
			continue
		}

		last := progress.Summary.LastChange
		if b.StartedDate != nil && b.StartedDate.After(last) {
			last = *b.StartedDate
		}
		if now.Sub(last) < o.cfg.StaleAfter {
			continue
		}

		reason := fmt.Sprintf("no member progress since %s, %d of %d payments unsettled",
			last.Format(time.RFC3339), progress.Summary.InFlight, progress.Summary.Total)
		if err := o.flag(ctx, b.ID, reason); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", b.BatchNumber, err))
			continue
		}
		result.Affected++
	}
	return result, nil
}

// Run drives the scheduled-batch sweep and stuck detection until ctx ends.
func (o *Orchestrator) Run(ctx context.Context, schedulerInterval, monitorInterval time.Duration) {
	scheduler := time.NewTicker(schedulerInterval)
	defer scheduler.Stop()
	monitor := time.NewTicker(monitorInterval)
	defer monitor.Stop()

	for {
		select {
		case <-scheduler.C:
			if _, err := o.ProcessScheduledBatches(ctx); err != nil {
				o.logger.Error("scheduled batch sweep failed", "error", err)
			}
		case <-monitor.C:
			if _, err := o.DetectStuckBatches(ctx); err != nil {
				o.logger.Error("stuck batch detection failed", "error", err)
			}
		case <-ctx.Done():
			o.logger.Info("batch scheduler stopped")
			return
		}
	}
}

func (o *Orchestrator) flag(ctx context.Context, id uuid.UUID, reason string) error {
	b, err := o.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	if b.NeedsAttention {
		return nil
	}
	if err := o.save(ctx, b, func(next *batchmodel.PaymentBatch) {
		next.NeedsAttention = true
		next.AttentionReason = reason
	}); err != nil {
		return err
	}

	o.record(ctx, audit.Entry{
		BatchID:     &b.ID,
		EventType:   audit.EventManualIntervention,
		OldStatus:   string(b.Status),
		NewStatus:   string(b.Status),
		Description: reason,
	})
	o.logger.Warn("batch needs attention", "batch_id", b.ID, "batch_number", b.BatchNumber, "reason", reason)
	return nil
}

// dispatchAsync queues members on the worker pools without blocking the
// caller. With only nil, every PENDING or retryable member is queued.
func (o *Orchestrator) dispatchAsync(ctx context.Context, b *batchmodel.PaymentBatch, only []*paymentmodel.Payment) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		members := only
		if members == nil {
			var err error
			members, err = o.payments.ListBatchPayments(ctx, b.ID)
			if err != nil {
				o.logger.Error("failed to load batch members", "batch_id", b.ID, "error", err)
				return
			}
		}

		queued := 0
		for _, p := range members {
			if p.Status != paymentmodel.StatusPending && !p.CanRetry() {
				continue
			}
			job := Job{BatchID: b.ID, PaymentID: p.ID, FSPCode: o.route(ctx, b, p)}
			if err := o.dispatcher.Enqueue(ctx, job); err != nil {
				o.logger.Error("failed to queue batch member", "batch_id", b.ID, "payment_id", p.ID, "error", err)
				return
			}
			queued++
		}

		o.logger.Info("batch members queued", "batch_id", b.ID, "queued", queued)
		if queued == 0 {
			if _, err := o.MonitorBatchProgress(ctx, b.ID); err != nil {
				o.logger.Error("failed to monitor batch", "batch_id", b.ID, "error", err)
			}
		}
	}()
}

// route picks the FSP pool for p. The code travels on the Job and the
// member is submitted to that same FSP.
func (o *Orchestrator) route(ctx context.Context, b *batchmodel.PaymentBatch, p *paymentmodel.Payment) string {
	if p.FSPCode != "" {
		return p.FSPCode
	}
	if b.FSPCode != "" {
		return b.FSPCode
	}
	sel, err := o.router.GetBestFSP(ctx, p.PaymentMethod, p.Amount, p.Currency)
	if err != nil {
		return ""
	}
	return sel.Config.FSPCode
}

// processJob submits one member and re-drives it with backoff while it
// keeps failing transiently. The batch is re-checked before every attempt
// so a pause or cancel stops further submissions.
func (o *Orchestrator) processJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	callCtx := internal.ContextWithCorrelationID(context.WithoutCancel(ctx), uuid.NewString())

	active := func() bool {
		b, err := o.repo.GetByID(callCtx, job.BatchID)
		return err == nil && b.Status == batchmodel.StatusProcessing
	}

	p, err := o.payments.GetPayment(callCtx, job.PaymentID)
	if err != nil {
		o.logger.Error("batch member not found", "batch_id", job.BatchID, "payment_id", job.PaymentID, "error", err)
		return
	}
	budget := p.MaxRetryCount - p.RetryCount
	if budget < 0 {
		budget = 0
	}

	backoff := retry.WithCappedDuration(maxMemberBackoff,
		retry.WithMaxRetries(uint64(budget), retry.NewExponential(o.cfg.RetryBackoff)))
	err = retry.Do(ctx, backoff, func(_ context.Context) error {
		if !active() {
			return nil
		}
		p, err := o.payments.ProcessPaymentVia(callCtx, job.PaymentID, job.FSPCode)
		if err != nil {
			if internal.IsErrorType(err, internal.ErrorTypeConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		if p.CanRetry() {
			return retry.RetryableError(fmt.Errorf("payment %s failed transiently: %s", p.InternalReferenceNumber, p.FailureReason))
		}
		return nil
	})

	switch {
	case err == nil:
	case internal.IsErrorType(err, internal.ErrorTypeBusinessRule):
		// already moved on by someone else
		o.logger.Debug("batch member skipped", "payment_id", job.PaymentID, "reason", err)
	case internal.IsErrorType(err, internal.ErrorTypeConfiguration):
		o.logger.Warn("batch member could not be routed", "batch_id", job.BatchID, "payment_id", job.PaymentID, "error", err)
		if flagErr := o.flag(callCtx, job.BatchID, fmt.Sprintf("payment %s cannot be submitted: %v", job.PaymentID, err)); flagErr != nil {
			o.logger.Error("failed to flag batch", "batch_id", job.BatchID, "error", flagErr)
		}
	default:
		o.logger.Warn("batch member processing stopped", "batch_id", job.BatchID, "payment_id", job.PaymentID, "error", err)
	}

	if _, err := o.MonitorBatchProgress(callCtx, job.BatchID); err != nil {
		o.logger.Error("failed to monitor batch", "batch_id", job.BatchID, "error", err)
	}
}

func (o *Orchestrator) save(ctx context.Context, b *batchmodel.PaymentBatch, mutate func(*batchmodel.PaymentBatch)) error {
	next := *b
	mutate(&next)
	next.UpdatedBy = internal.ActorFromContext(ctx)
	if err := o.repo.Update(ctx, &next); err != nil {
		return err
	}
	*b = next
	return nil
}

// transition is the only path that changes PaymentBatch.Status. Each
// successful call writes one audit entry and publishes one event.
func (o *Orchestrator) transition(ctx context.Context, b *batchmodel.PaymentBatch, to batchmodel.Status, mutate func(*batchmodel.PaymentBatch), description string) error {
	if err := ValidateTransition(b, to); err != nil {
		return err
	}
	from := b.Status
	err := o.save(ctx, b, func(next *batchmodel.PaymentBatch) {
		next.Status = to
		if mutate != nil {
			mutate(next)
		}
	})
	if err != nil {
		return err
	}

	o.record(ctx, audit.Entry{
		BatchID:     &b.ID,
		EventType:   eventFor(to, from),
		OldStatus:   string(from),
		NewStatus:   string(to),
		FSPCode:     b.FSPCode,
		Description: description,
	})
	if o.events != nil {
		ev := events.NewBatchStatusChangedEvent(b.ID, b.BatchNumber, string(from), string(to))
		if err := o.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
			o.logger.Error("failed to publish batch event", "error", err, "batch_id", b.ID)
		}
	}

	o.logger.Info("batch status changed", "batch_id", b.ID, "batch_number", b.BatchNumber, "from", from, "to", to)
	return nil
}

func (o *Orchestrator) record(ctx context.Context, entry audit.Entry) {
	if err := o.audit.Record(ctx, entry); err != nil {
		o.logger.Error("failed to write batch audit entry",
			"error", err,
			"event_type", entry.EventType,
			"batch_id", entry.BatchID)
	}
}

func (o *Orchestrator) fail(ctx context.Context, id *uuid.UUID, op string, err error) error {
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	o.logger.Error("batch operation failed", "error", err, "operation", op, "batch_id", id)
	o.record(ctx, audit.Entry{
		BatchID:      id,
		EventType:    audit.EventSystemError,
		ErrorCode:    string(internal.ErrCodeSystemError),
		ErrorMessage: err.Error(),
		Description:  op,
	})
	return internal.NewInternalError("an unexpected error occurred while processing the batch", err)
}
