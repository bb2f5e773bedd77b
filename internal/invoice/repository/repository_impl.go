package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Create(invoice).Error
}

func (r *repo) FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID string) (*domain.Invoice, error) {
	return r.findOne(ctx, db, "invoice_id = ?", invoiceID)
}

func (r *repo) FindByPeriod(ctx context.Context, db *gorm.DB, customerID, periodStart, periodEnd string) (*domain.Invoice, error) {
	return r.findOne(ctx, db, "customer_id = ? AND period_start = ? AND period_end = ?", customerID, periodStart, periodEnd)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Where(query, args...).Take(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListInvoiceFilter) ([]*domain.Invoice, error) {
	var invoices []*domain.Invoice
	stmt := db.WithContext(ctx).Model(&domain.Invoice{})
	if filter.CustomerID != "" {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	if err := stmt.Order("id desc").Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Save(invoice).Error
}

func (r *repo) MarkOverdue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Invoice{}).
		Where("status IN ? AND due_at IS NOT NULL AND due_at < ?",
			[]domain.InvoiceStatus{domain.InvoiceStatusPending, domain.InvoiceStatusSent}, now).
		Updates(map[string]any{"status": domain.InvoiceStatusOverdue, "updated_at": now})
	return res.RowsAffected, res.Error
}

type actionCount struct {
	ActionType string
	Total      int64
}

func (r *repo) AggregateUsage(ctx context.Context, db *gorm.DB, customerID, from, to string) (domain.UsageTotals, error) {
	var totals domain.UsageTotals
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(total_samples_loaded), 0) AS loads,
		        COALESCE(SUM(total_exports), 0) AS exports,
		        COALESCE(SUM(total_splits), 0) AS splits,
		        COALESCE(SUM(unique_samples), 0) AS unique_samples
		 FROM usage_reports
		 WHERE customer_id = ? AND period_end >= ? AND period_end <= ?`,
		customerID, from, to,
	).Scan(&totals).Error
	if err != nil {
		return domain.UsageTotals{}, err
	}

	var suspicious []actionCount
	err = db.WithContext(ctx).Raw(
		`SELECT r.action_type AS action_type, COUNT(*) AS total
		 FROM usage_report_records r
		 JOIN usage_reports u ON u.id = r.report_id
		 WHERE u.customer_id = ? AND u.period_end >= ? AND u.period_end <= ? AND r.suspicious_flag = ?
		 GROUP BY r.action_type`,
		customerID, from, to, true,
	).Scan(&suspicious).Error
	if err != nil {
		return domain.UsageTotals{}, err
	}
	for _, c := range suspicious {
		switch c.ActionType {
		case "load_sample":
			totals.Loads -= c.Total
		case "export_data":
			totals.Exports -= c.Total
		case "split_metabolites":
			totals.Splits -= c.Total
		}
	}

	// a sample only drops out of the unique count when every row naming it is suspicious
	var lostSamples int64
	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT r.sample_hash)
		 FROM usage_report_records r
		 JOIN usage_reports u ON u.id = r.report_id
		 WHERE u.customer_id = ? AND u.period_end >= ? AND u.period_end <= ? AND r.suspicious_flag = ?
		   AND r.sample_hash NOT IN (
		     SELECT r2.sample_hash
		     FROM usage_report_records r2
		     JOIN usage_reports u2 ON u2.id = r2.report_id
		     WHERE u2.customer_id = ? AND u2.period_end >= ? AND u2.period_end <= ? AND r2.suspicious_flag = ?
		   )`,
		customerID, from, to, true,
		customerID, from, to, false,
	).Scan(&lostSamples).Error
	if err != nil {
		return domain.UsageTotals{}, err
	}
	totals.UniqueSamples -= lostSamples

	totals.Loads = max(totals.Loads, 0)
	totals.Exports = max(totals.Exports, 0)
	totals.Splits = max(totals.Splits, 0)
	totals.UniqueSamples = max(totals.UniqueSamples, 0)
	return totals, nil
}
