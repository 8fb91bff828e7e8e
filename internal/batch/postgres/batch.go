package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/frahmantamala/disbursement-core/internal"
	batchpkg "github.com/frahmantamala/disbursement-core/internal/batch"
	"github.com/frahmantamala/disbursement-core/internal/core/database"
	batchmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/batch"
	paymentmodel "github.com/frahmantamala/disbursement-core/internal/core/datamodel/payment"
)

const insertChunk = 500

type BatchRepository struct {
	db *gorm.DB
}

func NewBatchRepository(db *gorm.DB) batchpkg.RepositoryAPI {
	return &BatchRepository{
		db: db,
	}
}

// CreateWithPayments inserts the batch and all members or nothing.
func (r *BatchRepository) CreateWithPayments(ctx context.Context, b *batchmodel.PaymentBatch, members []*paymentmodel.Payment) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		return tx.CreateInBatches(members, insertChunk).Error
	})
	if database.IsDuplicateKey(err) {
		return internal.NewConflictError(
			fmt.Sprintf("batch %s repeats an existing batch number or payment reference", b.BatchNumber),
			internal.ErrCodeDuplicateReference)
	}
	return err
}

func (r *BatchRepository) GetByID(ctx context.Context, id uuid.UUID) (*batchmodel.PaymentBatch, error) {
	var b batchmodel.PaymentBatch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if database.IsNotFound(err) {
		return nil, internal.NewNotFoundError("batch not found", internal.ErrCodeBatchNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// Update is a compare-and-swap on version, like the payment repository.
func (r *BatchRepository) Update(ctx context.Context, b *batchmodel.PaymentBatch) error {
	expected := b.Version
	b.Version = expected + 1
	b.UpdatedAt = time.Now().UTC()

	result := r.db.WithContext(ctx).
		Model(&batchmodel.PaymentBatch{}).
		Where("id = ? AND version = ?", b.ID, expected).
		Select("*").
		Omit("id", "batch_number", "created_at", "created_by").
		Updates(b)
	if result.Error != nil {
		b.Version = expected
		return result.Error
	}
	if result.RowsAffected == 0 {
		b.Version = expected
		return internal.NewConflictError(
			fmt.Sprintf("batch %s was modified concurrently", b.ID), internal.ErrCodeVersionConflict)
	}
	return nil
}

func (r *BatchRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*batchmodel.PaymentBatch, error) {
	var batches []*batchmodel.PaymentBatch
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_date <= ?", batchmodel.StatusPending, now).
		Order("scheduled_date, id").
		Limit(limit).
		Find(&batches).Error
	return batches, err
}

func (r *BatchRepository) ListByStatus(ctx context.Context, status batchmodel.Status, limit int) ([]*batchmodel.PaymentBatch, error) {
	var batches []*batchmodel.PaymentBatch
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("updated_at, id").
		Limit(limit).
		Find(&batches).Error
	return batches, err
}

func (r *BatchRepository) ListRecent(ctx context.Context, programID *uuid.UUID, limit int) ([]*batchmodel.PaymentBatch, error) {
	q := r.db.WithContext(ctx).Model(&batchmodel.PaymentBatch{})
	if programID != nil {
		q = q.Where("program_id = ?", *programID)
	}

	var batches []*batchmodel.PaymentBatch
	err := q.Order("created_at DESC, id").Limit(limit).Find(&batches).Error
	return batches, err
}

func (r *BatchRepository) CountByStatus(ctx context.Context, programID *uuid.UUID) ([]batchpkg.StatusCount, error) {
	q := r.db.WithContext(ctx).
		Model(&batchmodel.PaymentBatch{}).
		Select("status, COUNT(*) AS count, COALESCE(SUM(total_amount), 0) AS total_amount")
	if programID != nil {
		q = q.Where("program_id = ?", *programID)
	}

	var stats []batchpkg.StatusCount
	err := q.Group("status").Order("status").Scan(&stats).Error
	return stats, err
}
