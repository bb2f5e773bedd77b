package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	InsertRecords(ctx context.Context, db *gorm.DB, records []*UsageRecord) error
	IncrementDailyStats(ctx context.Context, db *gorm.DB, stats []DailyStat) error
	ListSince(ctx context.Context, db *gorm.DB, since time.Time) ([]UsageRecord, error)
	ListUnreportedBetween(ctx context.Context, db *gorm.DB, since, before time.Time) ([]UsageRecord, error)
	MarkReported(ctx context.Context, db *gorm.DB, recordIDs []string, at time.Time) error
	FindExport(ctx context.Context, db *gorm.DB, licenseKey, reportDate string) (*ReportExport, error)
	InsertExport(ctx context.Context, db *gorm.DB, export *ReportExport) error
	ListExports(ctx context.Context, db *gorm.DB, limit int) ([]ReportExport, error)
}
