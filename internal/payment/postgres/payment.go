package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/internal/core/database"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/disbursement-core/internal/payment"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) Create(ctx context.Context, p *paymentmodel.Payment) error {
	err := r.db.WithContext(ctx).Create(p).Error
	if database.IsDuplicateKey(err) {
		return internal.NewConflictError(
			fmt.Sprintf("payment with reference %s already exists", p.InternalReferenceNumber),
			internal.ErrCodeDuplicateReference)
	}
	return err
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*paymentmodel.Payment, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *PaymentRepository) GetByInternalReference(ctx context.Context, ref string) (*paymentmodel.Payment, error) {
	return r.first(ctx, "internal_reference_number = ?", ref)
}

func (r *PaymentRepository) GetByFSPReference(ctx context.Context, fspCode, ref string) (*paymentmodel.Payment, error) {
	return r.first(ctx, "fsp_code = ? AND fsp_reference_number = ?", fspCode, ref)
}

func (r *PaymentRepository) first(ctx context.Context, query string, args ...interface{}) (*paymentmodel.Payment, error) {
	var p paymentmodel.Payment
	err := r.db.WithContext(ctx).Where(query, args...).First(&p).Error
	if database.IsNotFound(err) {
		return nil, internal.NewNotFoundError("payment not found", internal.ErrCodePaymentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Update is a compare-and-swap on version. On success p.Version is the new
// stored version; on a lost race p is left untouched and a Conflict is
// returned.
func (r *PaymentRepository) Update(ctx context.Context, p *paymentmodel.Payment) error {
	expected := p.Version
	p.Version = expected + 1
	p.UpdatedAt = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&paymentmodel.Payment{}).
		Where("id = ? AND version = ?", p.ID, expected).
		Select("*").
		Omit("id", "created_at", "created_by").
		Updates(p)
	if result.Error != nil {
		p.Version = expected
		if database.IsDuplicateKey(result.Error) {
			return internal.NewConflictError("payment reference already in use", internal.ErrCodeDuplicateReference)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		p.Version = expected
		return internal.NewConflictError(
			fmt.Sprintf("payment %s was modified concurrently", p.ID), internal.ErrCodeVersionConflict)
	}
	return nil
}

func (r *PaymentRepository) Search(ctx context.Context, c paymentpkg.SearchCriteria) ([]*paymentmodel.Payment, int64, error) {
	var total int64
	if err := r.scoped(ctx, c).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var payments []*paymentmodel.Payment
	err := r.scoped(ctx, c).
		Order("created_at DESC, id").
		Limit(c.Limit).
		Offset(c.Offset).
		Find(&payments).Error
	return payments, total, err
}

func (r *PaymentRepository) scoped(ctx context.Context, c paymentpkg.SearchCriteria) *gorm.DB {
	q := r.db.WithContext(ctx).Model(&paymentmodel.Payment{})
	if c.HouseholdID != nil {
		q = q.Where("household_id = ?", *c.HouseholdID)
	}
	if c.ProgramID != nil {
		q = q.Where("program_id = ?", *c.ProgramID)
	}
	if c.BatchID != nil {
		q = q.Where("batch_id = ?", *c.BatchID)
	}
	if c.Status != "" {
		q = q.Where("status = ?", c.Status)
	}
	if c.FSPCode != "" {
		q = q.Where("fsp_code = ?", c.FSPCode)
	}
	if !c.From.IsZero() {
		q = q.Where("created_at >= ?", c.From)
	}
	if !c.To.IsZero() {
		q = q.Where("created_at < ?", c.To)
	}
	return q
}

func (r *PaymentRepository) ListByBatch(ctx context.Context, batchID uuid.UUID) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("created_at, id").
		Find(&payments).Error
	return payments, err
}

// ListSubmitted returns payments routed to fspCode whose submission falls in
// [from, to).
func (r *PaymentRepository) ListSubmitted(ctx context.Context, fspCode string, from, to time.Time) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.WithContext(ctx).
		Where("fsp_code = ? AND processed_date >= ? AND processed_date < ?", fspCode, from, to).
		Order("processed_date, id").
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND batch_id IS NULL AND scheduled_date <= ?", paymentmodel.StatusPending, now).
		Order("scheduled_date, id").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListRetryable(ctx context.Context, updatedBefore time.Time, limit int) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.WithContext(ctx).
		Where("status = ? AND retry_eligible = ? AND retry_count < max_retry_count AND updated_at <= ?",
			paymentmodel.StatusFailed, true, updatedBefore).
		Order("updated_at, id").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}

func (r *PaymentRepository) ListExpirable(ctx context.Context, scheduledBefore time.Time, limit int) ([]*paymentmodel.Payment, error) {
	var payments []*paymentmodel.Payment
	err := r.db.WithContext(ctx).
		Where("status IN ? AND scheduled_date < ?",
			[]paymentmodel.Status{paymentmodel.StatusPending, paymentmodel.StatusProcessing, paymentmodel.StatusFailed},
			scheduledBefore).
		Order("scheduled_date, id").
		Limit(limit).
		Find(&payments).Error
	return payments, err
}
