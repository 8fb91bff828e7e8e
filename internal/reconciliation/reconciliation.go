package reconciliation

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	errors "github.com/frahmantamala/disbursement-core/internal"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

type DiscrepancyType string

const (
	MissingAtProvider DiscrepancyType = "MISSING_AT_PROVIDER"
	MissingLocally    DiscrepancyType = "MISSING_LOCALLY"
	StatusMismatch    DiscrepancyType = "STATUS_MISMATCH"
	AmountMismatch    DiscrepancyType = "AMOUNT_MISMATCH"
)

type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Source names where the provider side of a run came from.
type Source string

const (
	SourceStatusCheck      Source = "STATUS_CHECK"
	SourceSettlementReport Source = "SETTLEMENT_REPORT"
)

// maxWindow bounds a single run so a status-check fan-out stays reasonable.
const maxWindow = 31 * 24 * time.Hour

type Discrepancy struct {
	Fingerprint       string              `json:"fingerprint"`
	Type              DiscrepancyType     `json:"type"`
	Severity          Severity            `json:"severity"`
	PaymentID         *uuid.UUID          `json:"payment_id,omitempty"`
	BatchID           *uuid.UUID          `json:"batch_id,omitempty"`
	InternalReference string              `json:"internal_reference,omitempty"`
	FSPReference      string              `json:"fsp_reference,omitempty"`
	LocalStatus       paymentmodel.Status `json:"local_status,omitempty"`
	ProviderStatus    fsp.ProviderStatus  `json:"provider_status,omitempty"`
	LocalAmount       decimal.NullDecimal `json:"local_amount"`
	ProviderAmount    decimal.NullDecimal `json:"provider_amount"`
	Description       string              `json:"description"`
}

// ProviderError is a payment the provider could not be asked about. It is
// reported alongside discrepancies but is never one.
type ProviderError struct {
	PaymentID         uuid.UUID `json:"payment_id"`
	InternalReference string    `json:"internal_reference"`
	Error             string    `json:"error"`
}

type Report struct {
	FSPCode        string          `json:"fsp_code"`
	StartDate      time.Time       `json:"start_date"`
	EndDate        time.Time       `json:"end_date"`
	Source         Source          `json:"source"`
	Checked        int             `json:"checked"`
	Matched        int             `json:"matched"`
	Discrepant     int             `json:"discrepant"`
	NewlyRecorded  int             `json:"newly_recorded"`
	Discrepancies  []Discrepancy   `json:"discrepancies"`
	ProviderErrors []ProviderError `json:"provider_errors,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
}

type Request struct {
	FSPCode   string    `json:"fsp_code"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// Validate fills a missing window from defaultWindow ending at now.
func (r *Request) Validate(now time.Time, defaultWindow time.Duration) error {
	if r.FSPCode == "" {
		return errors.NewValidationFieldError("fsp_code", "fsp_code is required", errors.ErrCodeRequired)
	}
	if r.EndDate.IsZero() {
		r.EndDate = now
	}
	if r.StartDate.IsZero() {
		r.StartDate = r.EndDate.Add(-defaultWindow)
	}
	r.StartDate = r.StartDate.UTC()
	r.EndDate = r.EndDate.UTC()

	if !r.EndDate.After(r.StartDate) {
		return errors.NewValidationError("end_date must be after start_date", errors.ErrCodeInvalidDateRange)
	}
	if r.EndDate.Sub(r.StartDate) > maxWindow {
		return errors.NewValidationError(
			fmt.Sprintf("reconciliation window may not exceed %d days", int(maxWindow.Hours()/24)), errors.ErrCodeInvalidDateRange)
	}
	return nil
}

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeInFlight
	outcomeMissing
	outcomeUnknown
)

func localOutcome(s paymentmodel.Status) outcome {
	switch s {
	case paymentmodel.StatusCompleted, paymentmodel.StatusRefunded:
		return outcomeSucceeded
	case paymentmodel.StatusFailed, paymentmodel.StatusCancelled, paymentmodel.StatusExpired:
		return outcomeFailed
	default:
		return outcomeInFlight
	}
}

func providerOutcome(s fsp.ProviderStatus) outcome {
	switch s {
	case fsp.ProviderStatusCompleted:
		return outcomeSucceeded
	case fsp.ProviderStatusFailed, fsp.ProviderStatusCancelled:
		return outcomeFailed
	case fsp.ProviderStatusProcessing:
		return outcomeInFlight
	case fsp.ProviderStatusNotFound:
		return outcomeMissing
	default:
		return outcomeUnknown
	}
}

// Classify compares the local status with the provider's. ok is false when
// the two agree.
func Classify(local paymentmodel.Status, provider fsp.ProviderStatus) (DiscrepancyType, Severity, bool) {
	l, p := localOutcome(local), providerOutcome(provider)
	if l == p {
		return "", "", false
	}

	switch p {
	case outcomeMissing:
		switch l {
		case outcomeSucceeded:
			return MissingAtProvider, SeverityHigh, true
		case outcomeInFlight:
			return MissingAtProvider, SeverityMedium, true
		default:
			return MissingAtProvider, SeverityLow, true
		}
	case outcomeUnknown:
		return StatusMismatch, SeverityLow, true
	}

	switch {
	case l == outcomeInFlight:
		// provider is ahead; the next status check settles it
		return StatusMismatch, SeverityLow, true
	case p == outcomeInFlight:
		return StatusMismatch, SeverityMedium, true
	default:
		// one side paid out, the other did not
		return StatusMismatch, SeverityHigh, true
	}
}

// Fingerprint identifies a discrepancy by its content. The same mismatch
// observed on a later run yields the same value.
func Fingerprint(fspCode string, t DiscrepancyType, internalRef, fspRef string, local paymentmodel.Status, provider fsp.ProviderStatus, localAmount, providerAmount decimal.NullDecimal) string {
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		fspCode, t, internalRef, fspRef, local, provider, amountKey(localAmount), amountKey(providerAmount))
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

func amountKey(a decimal.NullDecimal) string {
	if !a.Valid {
		return "-"
	}
	return a.Decimal.StringFixed(2)
}

func nullAmount(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func newDiscrepancy(fspCode string, t DiscrepancyType, sev Severity, p *paymentmodel.Payment, fspRef string, provider fsp.ProviderStatus, providerAmount decimal.NullDecimal, description string) Discrepancy {
	d := Discrepancy{
		Type:           t,
		Severity:       sev,
		FSPReference:   fspRef,
		ProviderStatus: provider,
		ProviderAmount: providerAmount,
		Description:    description,
	}
	if p != nil {
		id := p.ID
		d.PaymentID = &id
		d.BatchID = p.BatchID
		d.InternalReference = p.InternalReferenceNumber
		d.LocalStatus = p.Status
		d.LocalAmount = nullAmount(p.Amount)
		if d.FSPReference == "" {
			d.FSPReference = p.FSPReferenceNumber
		}
	}
	d.Fingerprint = Fingerprint(fspCode, t, d.InternalReference, d.FSPReference, d.LocalStatus, provider, d.LocalAmount, providerAmount)
	return d
}
