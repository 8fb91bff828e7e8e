package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/frahmantamala/disbursement-core/internal"
	auditDatamodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/audit"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type RepositoryAPI interface {
	Append(ctx context.Context, entry *auditDatamodel.LogEntry) error
	Query(ctx context.Context, filter Filter) ([]*auditDatamodel.LogEntry, int64, error)
	Exists(ctx context.Context, filter Filter) (bool, error)
}

// Recorder is what the other components write through.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

// Ledger is the append-only audit sink. It exposes no update or delete.
type Ledger struct {
	repo   RepositoryAPI
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(repo RepositoryAPI, logger *slog.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Record appends one entry. Actor and correlation id default to the values
// carried by ctx.
func (l *Ledger) Record(ctx context.Context, entry Entry) error {
	entry.ID = uuid.New()
	entry.CreatedAt = l.now().UTC()
	if entry.Actor == "" {
		entry.Actor = internal.ActorFromContext(ctx)
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = internal.CorrelationIDFromContext(ctx)
	}

	if err := l.repo.Append(ctx, ToDataModel(&entry)); err != nil {
		l.logger.Error("failed to append audit entry",
			"error", err,
			"event_type", entry.EventType,
			"payment_id", entry.PaymentID,
			"batch_id", entry.BatchID)
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

type QueryResult struct {
	Entries []*Entry `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

func (l *Ledger) Query(ctx context.Context, filter Filter) (*QueryResult, error) {
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, internal.NewValidationError("'to' must not be before 'from'", internal.ErrCodeInvalidDateRange)
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	rows, total, err := l.repo.Query(ctx, filter)
	if err != nil {
		l.logger.Error("failed to query audit log", "error", err)
		return nil, internal.NewInternalError("failed to query audit log", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, FromDataModel(row))
	}
	return &QueryResult{Entries: entries, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (l *Ledger) Exists(ctx context.Context, filter Filter) (bool, error) {
	return l.repo.Exists(ctx, filter)
}
