package domain

import (
	"context"

	"gorm.io/gorm"
)

type Repository interface {
	InsertReport(ctx context.Context, db *gorm.DB, report *ImportedReport) error
	FindReport(ctx context.Context, db *gorm.DB, licenseKey, reportDate, machineID string) (*ImportedReport, error)
	// InsertRecords skips rows already present and returns how many were written.
	InsertRecords(ctx context.Context, db *gorm.DB, records []ImportedRecord) (int64, error)
	DeleteReport(ctx context.Context, db *gorm.DB, report *ImportedReport) error
	MachineIDs(ctx context.Context, db *gorm.DB, customerID string) ([]string, error)
	ListReports(ctx context.Context, db *gorm.DB, customerID string) ([]ImportedReport, error)
}
