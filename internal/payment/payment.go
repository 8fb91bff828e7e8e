package payment

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	"github.com/frahmantamala/disbursement-core/internal/fsp"
)

// transitions lists every legal edge of the payment state machine.
var transitions = map[paymentmodel.Status][]paymentmodel.Status{
	paymentmodel.StatusPending: {
		paymentmodel.StatusProcessing,
		paymentmodel.StatusCancelled,
		paymentmodel.StatusExpired,
	},
	paymentmodel.StatusProcessing: {
		paymentmodel.StatusCompleted,
		paymentmodel.StatusFailed,
		paymentmodel.StatusCancelled,
		paymentmodel.StatusExpired,
	},
	paymentmodel.StatusFailed: {
		paymentmodel.StatusProcessing,
		paymentmodel.StatusExpired,
	},
	paymentmodel.StatusCompleted: {
		paymentmodel.StatusRefunded,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
// It does not look at retry counters; see ValidateTransition.
func CanTransition(from, to paymentmodel.Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s in one step.
func AllowedTransitions(s paymentmodel.Status) []paymentmodel.Status {
	return append([]paymentmodel.Status(nil), transitions[s]...)
}

// ValidateTransition checks an edge against the current payment, including
// the retry budget on FAILED -> PROCESSING.
func ValidateTransition(p *paymentmodel.Payment, to paymentmodel.Status) error {
	if !CanTransition(p.Status, to) {
		return internal.NewBusinessRuleError(
			fmt.Sprintf("cannot move payment from %s to %s", p.Status, to),
			internal.ErrCodeInvalidTransition)
	}
	if p.Status == paymentmodel.StatusFailed && to == paymentmodel.StatusProcessing {
		return retryable(p)
	}
	return nil
}

func retryable(p *paymentmodel.Payment) error {
	if p.RetryCount >= p.MaxRetryCount {
		return internal.NewBusinessRuleError(
			fmt.Sprintf("payment has used %d of %d retries", p.RetryCount, p.MaxRetryCount),
			internal.ErrCodeRetryLimitExceeded)
	}
	if !p.RetryEligible {
		return internal.NewBusinessRuleError("payment was rejected and cannot be retried", internal.ErrCodePaymentNotRetryable)
	}
	return nil
}

// EventForTransition names the audit event written when a payment enters to.
func EventForTransition(from, to paymentmodel.Status) audit.EventType {
	switch to {
	case paymentmodel.StatusProcessing:
		if from == paymentmodel.StatusFailed {
			return audit.EventPaymentRetry
		}
		return audit.EventPaymentProcessing
	case paymentmodel.StatusCompleted:
		return audit.EventPaymentCompleted
	case paymentmodel.StatusFailed:
		return audit.EventPaymentFailed
	case paymentmodel.StatusCancelled:
		return audit.EventPaymentCancelled
	case paymentmodel.StatusRefunded:
		return audit.EventPaymentRefunded
	case paymentmodel.StatusExpired:
		return audit.EventPaymentExpired
	}
	return audit.EventPaymentCreated
}

// StatusFromProvider maps the provider's view onto a local status. The
// second result is false when the provider state carries no instruction.
func StatusFromProvider(s fsp.ProviderStatus) (paymentmodel.Status, bool) {
	switch s {
	case fsp.ProviderStatusProcessing:
		return paymentmodel.StatusProcessing, true
	case fsp.ProviderStatusCompleted:
		return paymentmodel.StatusCompleted, true
	case fsp.ProviderStatusFailed:
		return paymentmodel.StatusFailed, true
	case fsp.ProviderStatusCancelled:
		return paymentmodel.StatusCancelled, true
	}
	return "", false
}

// GenerateReference returns an internal reference of the form PAY-YYYY-NNNNNN.
func GenerateReference(now time.Time) string {
	return fmt.Sprintf("PAY-%d-%06d", now.Year(), randomSequence())
}

func randomSequence() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return time.Now().UnixNano() % 1_000_000
	}
	return n.Int64()
}
