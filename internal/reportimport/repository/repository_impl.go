package repository

import (
	"context"
	"errors"

	"github.com/smallbiznis/licensegate/internal/reportimport/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const recordBatchSize = 200

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertReport(ctx context.Context, db *gorm.DB, report *domain.ImportedReport) error {
	return db.WithContext(ctx).Create(report).Error
}

func (r *repo) FindReport(ctx context.Context, db *gorm.DB, licenseKey, reportDate, machineID string) (*domain.ImportedReport, error) {
	var report domain.ImportedReport
	err := db.WithContext(ctx).
		Where("license_key = ? AND report_date = ? AND machine_id = ?", licenseKey, reportDate, machineID).
		Take(&report).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &report, nil
}

func (r *repo) InsertRecords(ctx context.Context, db *gorm.DB, records []domain.ImportedRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&records, recordBatchSize)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteReport(ctx context.Context, db *gorm.DB, report *domain.ImportedReport) error {
	if err := db.WithContext(ctx).Where("report_id = ?", report.ID).Delete(&domain.ImportedRecord{}).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Delete(report).Error
}

func (r *repo) MachineIDs(ctx context.Context, db *gorm.DB, customerID string) ([]string, error) {
	var ids []string
	stmt := db.WithContext(ctx).Model(&domain.ImportedReport{}).Distinct("machine_id")
	if customerID != "" {
		stmt = stmt.Where("customer_id = ?", customerID)
	}
	err := stmt.Order("machine_id").Pluck("machine_id", &ids).Error
	return ids, err
}

func (r *repo) ListReports(ctx context.Context, db *gorm.DB, customerID string) ([]domain.ImportedReport, error) {
	var reports []domain.ImportedReport
	stmt := db.WithContext(ctx).Model(&domain.ImportedReport{})
	if customerID != "" {
		stmt = stmt.Where("customer_id = ?", customerID)
	}
	if err := stmt.Order("report_date desc, id desc").Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}
