package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	paymentpkg "github.com/frahmantamala/disbursement-core/internal/payment"
)

// StatisticsRepository runs the aggregate queries over payments with sqlx.
// Queries are written with '?' placeholders and rebound for the driver.
type StatisticsRepository struct {
	db *sqlx.DB
}

func NewStatisticsRepository(db *sqlx.DB) paymentpkg.StatisticsAPI {
	return &StatisticsRepository{db: db}
}

func (r *StatisticsRepository) CountByStatus(ctx context.Context, f paymentpkg.StatsFilter) ([]paymentpkg.StatusStat, error) {
	where, args := statsWhere(f)
	query := `SELECT status, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total_amount
		FROM payments` + where + `
		GROUP BY status
		ORDER BY status`

	var stats []paymentpkg.StatusStat
	if err := r.db.SelectContext(ctx, &stats, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *StatisticsRepository) StatsByFSP(ctx context.Context, f paymentpkg.StatsFilter) ([]paymentpkg.FSPStat, error) {
	where, args := statsWhere(f, "fsp_code <> ''")
	query := `SELECT fsp_code,
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'COMPLETED' THEN 1 ELSE 0 END) AS completed,
			SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END) AS failed,
			COALESCE(SUM(amount), 0) AS total_amount,
			COALESCE(SUM(transaction_fee), 0) AS total_fees
		FROM payments` + where + `
		GROUP BY fsp_code
		ORDER BY fsp_code`

	var stats []paymentpkg.FSPStat
	if err := r.db.SelectContext(ctx, &stats, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for i := range stats {
		if stats[i].Total > 0 {
			stats[i].SuccessRate = float64(stats[i].Completed) / float64(stats[i].Total)
		}
	}
	return stats, nil
}

func (r *StatisticsRepository) DailyVolume(ctx context.Context, f paymentpkg.StatsFilter) ([]paymentpkg.DailyVolume, error) {
	where, args := statsWhere(f)
	query := `SELECT CAST(DATE(created_at) AS TEXT) AS day, COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total_amount
		FROM payments` + where + `
		GROUP BY CAST(DATE(created_at) AS TEXT)
		ORDER BY day`

	var volume []paymentpkg.DailyVolume
	if err := r.db.SelectContext(ctx, &volume, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	return volume, nil
}

func (r *StatisticsRepository) Totals(ctx context.Context, f paymentpkg.StatsFilter) (int64, decimal.Decimal, error) {
	where, args := statsWhere(f)
	query := `SELECT COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total_amount FROM payments` + where

	var row struct {
		Count       int64           `db:"count"`
		TotalAmount decimal.Decimal `db:"total_amount"`
	}
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), args...); err != nil {
		return 0, decimal.Zero, err
	}
	return row.Count, row.TotalAmount, nil
}

// SubmittedAmountSince feeds the registry's daily and monthly limit checks.
func (r *StatisticsRepository) SubmittedAmountSince(ctx context.Context, fspCode string, since time.Time) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE fsp_code = ? AND status IN ('PROCESSING', 'COMPLETED') AND processed_date >= ?`

	var total decimal.Decimal
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(query), fspCode, since); err != nil {
		return decimal.Zero, err
	}
	return total, nil
}

func statsWhere(f paymentpkg.StatsFilter, extra ...string) (string, []interface{}) {
	conds := append([]string(nil), extra...)
	var args []interface{}
	if f.ProgramID != nil {
		conds = append(conds, "program_id = ?")
		args = append(args, *f.ProgramID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, f.Status)
	}
	if f.FSPCode != "" {
		conds = append(conds, "fsp_code = ?")
		args = append(args, f.FSPCode)
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From)
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at < ?")
		args = append(args, f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
