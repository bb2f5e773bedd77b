package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/internal/customer/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Create(customer).Error
}

func (r *repo) FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*domain.Customer, error) {
	return r.findOne(ctx, db, "customer_id = ?", customerID)
}

func (r *repo) FindByLicenseKey(ctx context.Context, db *gorm.DB, licenseKey string) (*domain.Customer, error) {
	return r.findOne(ctx, db, "license_key = ?", licenseKey)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Customer, error) {
	var customer domain.Customer
	err := db.WithContext(ctx).Where(query, args...).Take(&customer).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListCustomerFilter) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	stmt := db.WithContext(ctx).Model(&domain.Customer{})
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.AfterID != 0 {
		stmt = stmt.Where("id < ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		stmt = stmt.Limit(filter.Limit)
	}
	if err := stmt.Order("id desc").Find(&customers).Error; err != nil {
		return nil, err
	}
	return customers, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, customer *domain.Customer) error {
	return db.WithContext(ctx).Save(customer).Error
}

func (r *repo) ExpireActive(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Customer{}).
		Where("status = ? AND expires_at < ?", domain.StatusActive, now).
		Updates(map[string]any{"status": domain.StatusExpired, "updated_at": now})
	return res.RowsAffected, res.Error
}

func (r *repo) SumUsage(ctx context.Context, db *gorm.DB, customerID string) (domain.UsageSummary, error) {
	var summary domain.UsageSummary
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) AS reports,
		        COALESCE(SUM(total_samples_loaded), 0) AS total_samples_loaded,
		        COALESCE(SUM(total_exports), 0) AS total_exports,
		        COALESCE(SUM(total_splits), 0) AS total_splits,
		        COALESCE(SUM(unique_samples), 0) AS unique_samples,
		        COALESCE(SUM(total_records), 0) AS total_records,
		        COALESCE(MIN(report_date), '') AS first_report_date,
		        COALESCE(MAX(report_date), '') AS last_report_date
		 FROM usage_reports WHERE customer_id = ?`,
		customerID,
	).Scan(&summary).Error
	if err != nil {
		return domain.UsageSummary{}, err
	}
	summary.CustomerID = customerID
	return summary, nil
}

func (r *repo) LicenseKeys(ctx context.Context, db *gorm.DB) ([]string, error) {
	var keys []string
	err := db.WithContext(ctx).
		Model(&domain.Customer{}).
		Order("id").
		Pluck("license_key", &keys).Error
	return keys, err
}
