package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

// PaymentSource lists the payments submitted to an FSP within a window.
type PaymentSource interface {
	ListSubmitted(ctx context.Context, fspCode string, from, to time.Time) ([]*paymentmodel.Payment, error)
}

type Provider interface {
	CheckPaymentStatus(ctx context.Context, code, reference string) (*fsp.StatusResult, error)
	SettlementReport(ctx context.Context, code string, start, end time.Time) ([]fsp.SettlementRecord, bool, error)
}

type Ledger interface {
	audit.Recorder
	Exists(ctx context.Context, filter audit.Filter) (bool, error)
}

type Config struct {
	DefaultWindow time.Duration
	Parallelism   int
}

// Engine compares local payment state with what an FSP reports. It reads
// payments and writes audit entries only.
type Engine struct {
	payments PaymentSource
	provider Provider
	ledger   Ledger
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewEngine(payments PaymentSource, provider Provider, ledger Ledger, cfg Config, logger *slog.Logger) *Engine {
	if cfg.DefaultWindow <= 0 {
		cfg.DefaultWindow = 24 * time.Hour
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Engine{
		payments: payments,
		provider: provider,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// ReconcilePayments checks every payment submitted to req.FSPCode within the
// window. A settlement report is used when the FSP publishes one; otherwise
// each payment's status is queried. Each discrepancy is written to the audit
// log once, however often the window is reconciled.
func (e *Engine) ReconcilePayments(ctx context.Context, req Request) (*Report, error) {
	if err := req.Validate(e.now().UTC(), e.cfg.DefaultWindow); err != nil {
		return nil, err
	}
	ctx, _ = internal.EnsureCorrelationID(ctx)

	report := &Report{
		FSPCode:       req.FSPCode,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		Discrepancies: []Discrepancy{},
		StartedAt:     e.now().UTC(),
	}

	payments, err := e.payments.ListSubmitted(ctx, req.FSPCode, req.StartDate, req.EndDate)
	if err != nil {
		return nil, err
	}

	e.record(ctx, audit.Entry{
		EventType: audit.EventReconciliationStarted,
		FSPCode:   req.FSPCode,
		Description: fmt.Sprintf("reconciling %d payments from %s to %s",
			len(payments), req.StartDate.Format(time.RFC3339), req.EndDate.Format(time.RFC3339)),
	})

	records, published, err := e.provider.SettlementReport(ctx, req.FSPCode, req.StartDate, req.EndDate)
	if internal.IsErrorType(err, internal.ErrorTypeNotFound) {
		return nil, err
	}
	if err != nil {
		e.logger.Warn("settlement report unavailable, checking statuses one by one",
			"fsp_code", req.FSPCode, "error", err)
		published = false
	}

	if published {
		report.Source = SourceSettlementReport
		e.compareSettlement(req.FSPCode, payments, records, report)
	} else {
		report.Source = SourceStatusCheck
		if err := e.checkStatuses(ctx, req.FSPCode, payments, report); err != nil {
			return nil, err
		}
	}

	sort.Slice(report.Discrepancies, func(i, j int) bool {
		a, b := report.Discrepancies[i], report.Discrepancies[j]
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.InternalReference != b.InternalReference {
			return a.InternalReference < b.InternalReference
		}
		return a.Fingerprint < b.Fingerprint
	})
	report.Discrepant = len(report.Discrepancies)

	for _, d := range report.Discrepancies {
		recorded, err := e.recordDiscrepancy(ctx, req.FSPCode, d)
		if err != nil {
			e.logger.Error("failed to record discrepancy", "fingerprint", d.Fingerprint, "error", err)
			continue
		}
		if recorded {
			report.NewlyRecorded++
		}
	}

	report.CompletedAt = e.now().UTC()
	e.record(ctx, audit.Entry{
		EventType: audit.EventReconciliationCompleted,
		FSPCode:   req.FSPCode,
		Description: fmt.Sprintf("source %s: %d checked, %d matched, %d discrepant, %d provider errors",
			report.Source, report.Checked, report.Matched, report.Discrepant, len(report.ProviderErrors)),
	})

	e.logger.Info("reconciliation completed",
		"fsp_code", req.FSPCode,
		"source", report.Source,
		"checked", report.Checked,
		"matched", report.Matched,
		"discrepant", report.Discrepant,
		"newly_recorded", report.NewlyRecorded,
		"provider_errors", len(report.ProviderErrors))
	return report, nil
}

type checkResult struct {
	discrepancy *Discrepancy
	providerErr *ProviderError
}

// checkStatuses fans the status queries out over a bounded errgroup. No lock
// is held across the provider round trip.
func (e *Engine) checkStatuses(ctx context.Context, fspCode string, payments []*paymentmodel.Payment, report *Report) error {
	results := make([]checkResult, len(payments))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i, p := range payments {
		g.Go(func() error {
			results[i] = e.checkOne(gctx, fspCode, p)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, r := range results {
		switch {
		case r.providerErr != nil:
			report.ProviderErrors = append(report.ProviderErrors, *r.providerErr)
		case r.discrepancy != nil:
			report.Checked++
			report.Discrepancies = append(report.Discrepancies, *r.discrepancy)
		default:
			report.Checked++
			report.Matched++
		}
	}
	return nil
}

func (e *Engine) checkOne(ctx context.Context, fspCode string, p *paymentmodel.Payment) checkResult {
	if p.FSPReferenceNumber == "" {
		// never accepted by the provider, so there is nothing to ask about
		if localOutcome(p.Status) == outcomeSucceeded {
			d := newDiscrepancy(fspCode, MissingAtProvider, SeverityHigh, p, "", fsp.ProviderStatusNotFound, decimal.NullDecimal{},
				"payment is completed locally but carries no provider reference")
			return checkResult{discrepancy: &d}
		}
		return checkResult{}
	}

	status, err := e.provider.CheckPaymentStatus(ctx, fspCode, p.FSPReferenceNumber)
	if err != nil {
		e.logger.Warn("provider status check failed",
			"fsp_code", fspCode, "payment_id", p.ID, "reference", p.FSPReferenceNumber, "error", err)
		return checkResult{providerErr: &ProviderError{
			PaymentID:         p.ID,
			InternalReference: p.InternalReferenceNumber,
			Error:             err.Error(),
		}}
	}

	t, sev, ok := Classify(p.Status, status.Status)
	if !ok {
		return checkResult{}
	}
	var amount decimal.NullDecimal
	if status.Status != fsp.ProviderStatusNotFound && !status.Amount.IsZero() {
		amount = nullAmount(status.Amount)
	}
	d := newDiscrepancy(fspCode, t, sev, p, p.FSPReferenceNumber, status.Status, amount,
		fmt.Sprintf("local status %s, provider reports %s", p.Status, status.Status))
	return checkResult{discrepancy: &d}
}

// compareSettlement matches report lines to payments by provider reference,
// falling back to the internal reference.
func (e *Engine) compareSettlement(fspCode string, payments []*paymentmodel.Payment, records []fsp.SettlementRecord, report *Report) {
	byRef := make(map[string]int, len(records))
	byInternal := make(map[string]int, len(records))
	for i, rec := range records {
		if rec.ReferenceNumber != "" {
			byRef[rec.ReferenceNumber] = i
		}
		if rec.InternalReference != "" {
			byInternal[rec.InternalReference] = i
		}
	}

	used := make([]bool, len(records))
	for _, p := range payments {
		report.Checked++
		idx, found := -1, false
		if p.FSPReferenceNumber != "" {
			idx, found = byRef[p.FSPReferenceNumber]
		}
		if !found {
			idx, found = byInternal[p.InternalReferenceNumber]
		}

		if !found {
			switch localOutcome(p.Status) {
			case outcomeSucceeded:
				report.Discrepancies = append(report.Discrepancies, newDiscrepancy(fspCode, MissingAtProvider, SeverityHigh, p, "",
					fsp.ProviderStatusNotFound, decimal.NullDecimal{}, "payment is completed locally but absent from the settlement report"))
			default:
				// unsettled or failed payments are not expected in the report
				report.Matched++
			}
			continue
		}

		used[idx] = true
		rec := records[idx]
		matched := true
		if t, sev, ok := Classify(p.Status, rec.Status); ok {
			matched = false
			report.Discrepancies = append(report.Discrepancies, newDiscrepancy(fspCode, t, sev, p, rec.ReferenceNumber,
				rec.Status, nullAmount(rec.Amount), fmt.Sprintf("local status %s, settlement reports %s", p.Status, rec.Status)))
		}
		if !rec.Amount.Equal(p.Amount) {
			matched = false
			report.Discrepancies = append(report.Discrepancies, newDiscrepancy(fspCode, AmountMismatch, SeverityHigh, p, rec.ReferenceNumber,
				rec.Status, nullAmount(rec.Amount), fmt.Sprintf("local amount %s, settlement reports %s",
					p.Amount.StringFixed(2), rec.Amount.StringFixed(2))))
		}
		if matched {
			report.Matched++
		}
	}

	for i, rec := range records {
		if used[i] {
			continue
		}
		d := newDiscrepancy(fspCode, MissingLocally, SeverityHigh, nil, rec.ReferenceNumber, rec.Status, nullAmount(rec.Amount),
			fmt.Sprintf("settlement line %s has no matching payment", rec.ReferenceNumber))
		d.InternalReference = rec.InternalReference
		d.Fingerprint = Fingerprint(fspCode, MissingLocally, rec.InternalReference, rec.ReferenceNumber, "", rec.Status,
			decimal.NullDecimal{}, d.ProviderAmount)
		report.Discrepancies = append(report.Discrepancies, d)
	}
}

// recordDiscrepancy writes the audit entry unless one with the same
// fingerprint already exists.
func (e *Engine) recordDiscrepancy(ctx context.Context, fspCode string, d Discrepancy) (bool, error) {
	exists, err := e.ledger.Exists(ctx, audit.Filter{
		EventTypes:    []audit.EventType{audit.EventReconciliationDiscrepancy},
		CorrelationID: d.Fingerprint,
	})
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	entry := audit.Entry{
		PaymentID:     d.PaymentID,
		BatchID:       d.BatchID,
		EventType:     audit.EventReconciliationDiscrepancy,
		OldStatus:     string(d.LocalStatus),
		NewStatus:     string(d.ProviderStatus),
		FSPCode:       fspCode,
		ErrorCode:     string(d.Type),
		ErrorMessage:  string(d.Severity),
		Description:   d.Description,
		CorrelationID: d.Fingerprint,
	}
	if err := e.ledger.Record(ctx, entry); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) record(ctx context.Context, entry audit.Entry) {
	if err := e.ledger.Record(ctx, entry); err != nil {
		e.logger.Error("failed to write reconciliation audit entry", "error", err, "event_type", entry.EventType)
	}
}
