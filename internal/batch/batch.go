package batch

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/audit"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
)

var transitions = map[batchmodel.Status][]batchmodel.Status{
	batchmodel.StatusPending:    {batchmodel.StatusProcessing, batchmodel.StatusCancelled},
	batchmodel.StatusProcessing: {batchmodel.StatusPaused, batchmodel.StatusCompleted, batchmodel.StatusFailed, batchmodel.StatusCancelled},
	batchmodel.StatusPaused:     {batchmodel.StatusProcessing, batchmodel.StatusCancelled},
	// A FAILED batch re-opens when its failed members are retried.
	batchmodel.StatusFailed: {batchmodel.StatusProcessing},
}

func CanTransition(from, to batchmodel.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ValidateTransition(b *batchmodel.PaymentBatch, to batchmodel.Status) error {
	if !CanTransition(b.Status, to) {
		return internal.NewBusinessRuleError(
			fmt.Sprintf("batch %s cannot move from %s to %s", b.BatchNumber, b.Status, to),
			internal.ErrCodeInvalidTransition)
	}
	return nil
}

func eventFor(to batchmodel.Status, from batchmodel.Status) audit.EventType {
	switch to {
	case batchmodel.StatusProcessing:
		if from == batchmodel.StatusPaused {
			return audit.EventBatchResumed
		}
		return audit.EventBatchStarted
	case batchmodel.StatusPaused:
		return audit.EventBatchPaused
	case batchmodel.StatusCompleted:
		return audit.EventBatchCompleted
	case batchmodel.StatusFailed:
		return audit.EventBatchFailed
	case batchmodel.StatusCancelled:
		return audit.EventBatchCancelled
	}
	return audit.EventManualIntervention
}

// GenerateBatchNumber returns BATCH-YYYY-NNNNNN.
func GenerateBatchNumber(now time.Time) string {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return fmt.Sprintf("BATCH-%d-%06d", now.Year(), now.UnixNano()%1000000)
	}
	return fmt.Sprintf("BATCH-%d-%06d", now.Year(), n.Int64())
}

// Summary aggregates the member payments of one batch.
type Summary struct {
	Total      int                                     `json:"total"`
	Successful int                                     `json:"successful"`
	Failed     int                                     `json:"failed"`
	Cancelled  int                                     `json:"cancelled"`
	InFlight   int                                     `json:"in_flight"`
	Settled    int                                     `json:"settled"`
	ByStatus   map[paymentmodel.Status]int             `json:"by_status"`
	Amounts    map[paymentmodel.Status]decimal.Decimal `json:"amounts"`
	LastChange time.Time                               `json:"-"`
}

// Summarize counts COMPLETED and REFUNDED members as successful, FAILED and
// EXPIRED as failed. A member is settled once it is terminal or FAILED with
// no retry left.
func Summarize(members []*paymentmodel.Payment) Summary {
	s := Summary{
		Total:    len(members),
		ByStatus: make(map[paymentmodel.Status]int),
		Amounts:  make(map[paymentmodel.Status]decimal.Decimal),
	}
	for _, p := range members {
		s.ByStatus[p.Status]++
		s.Amounts[p.Status] = s.Amounts[p.Status].Add(p.Amount)
		if p.UpdatedAt.After(s.LastChange) {
			s.LastChange = p.UpdatedAt
		}

		switch p.Status {
		case paymentmodel.StatusCompleted, paymentmodel.StatusRefunded:
			s.Successful++
		case paymentmodel.StatusFailed, paymentmodel.StatusExpired:
			s.Failed++
		case paymentmodel.StatusCancelled:
			s.Cancelled++
		}
		if p.Settled() {
			s.Settled++
		} else {
			s.InFlight++
		}
	}
	return s
}

func (s Summary) Done() bool {
	return s.Total > 0 && s.Settled == s.Total
}

// FailureRatio is failed / (successful + failed). Cancelled members are
// neither and do not dilute the ratio.
func (s Summary) FailureRatio() float64 {
	decided := s.Successful + s.Failed
	if decided == 0 {
		return 0
	}
	return float64(s.Failed) / float64(decided)
}

func (s Summary) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Successful) / float64(s.Total)
}

// Resolve picks the final status of a settled batch. A ratio equal to the
// threshold still completes. A batch whose members were all cancelled
// resolves CANCELLED.
func (s Summary) Resolve(threshold float64) batchmodel.Status {
	if s.Successful+s.Failed == 0 {
		return batchmodel.StatusCancelled
	}
	if s.FailureRatio() <= threshold {
		return batchmodel.StatusCompleted
	}
	return batchmodel.StatusFailed
}

// Job is one member payment queued for submission.
type Job struct {
	BatchID   uuid.UUID
	PaymentID uuid.UUID
	FSPCode   string
}
