package postgres

import (
	"context"

	"gorm.io/gorm"

	"github.com/frahmantamala/disbursement-core/internal/audit"
	auditDatamodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/audit"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) audit.RepositoryAPI {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Append(ctx context.Context, entry *auditDatamodel.LogEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *AuditRepository) Query(ctx context.Context, filter audit.Filter) ([]*auditDatamodel.LogEntry, int64, error) {
	var total int64
	if err := r.scoped(ctx, filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []*auditDatamodel.LogEntry
	err := r.scoped(ctx, filter).
		Order("created_at ASC, id ASC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&entries).Error
	return entries, total, err
}

func (r *AuditRepository) Exists(ctx context.Context, filter audit.Filter) (bool, error) {
	var count int64
	err := r.scoped(ctx, filter).Limit(1).Count(&count).Error
	return count > 0, err
}

func (r *AuditRepository) scoped(ctx context.Context, f audit.Filter) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&auditDatamodel.LogEntry{})
	if f.PaymentID != nil {
		q = q.Where("payment_id = ?", *f.PaymentID)
	}
	if f.BatchID != nil {
		q = q.Where("batch_id = ?", *f.BatchID)
	}
	if len(f.EventTypes) > 0 {
		types := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			types[i] = string(t)
		}
		q = q.Where("event_type IN ?", types)
	}
	if f.CorrelationID != "" {
		q = q.Where("correlation_id = ?", f.CorrelationID)
	}
	if f.FSPCode != "" {
		q = q.Where("fsp_code = ?", f.FSPCode)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}
	return q
}
