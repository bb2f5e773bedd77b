package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/internal/usage/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const markChunk = 500

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertRecords(ctx context.Context, db *gorm.DB, records []*domain.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(records).Error
}

func (r *repo) IncrementDailyStats(ctx context.Context, db *gorm.DB, stats []domain.DailyStat) error {
	if len(stats) == 0 {
		return nil
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(map[string]any{
			"samples_loaded": gorm.Expr("usage_stats.samples_loaded + excluded.samples_loaded"),
			"exports":        gorm.Expr("usage_stats.exports + excluded.exports"),
			"splits":         gorm.Expr("usage_stats.splits + excluded.splits"),
			"updated_at":     gorm.Expr("excluded.updated_at"),
		}),
	}).Create(&stats).Error
}

func (r *repo) ListSince(ctx context.Context, db *gorm.DB, since time.Time) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	err := db.WithContext(ctx).
		Where("timestamp >= ?", since).
		Order("timestamp asc, record_id asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListUnreportedBetween returns unreported records with since <= timestamp < before.
func (r *repo) ListUnreportedBetween(ctx context.Context, db *gorm.DB, since, before time.Time) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	err := db.WithContext(ctx).
		Where("timestamp >= ? AND timestamp < ? AND reported = ?", since, before, false).
		Order("timestamp asc, record_id asc").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) MarkReported(ctx context.Context, db *gorm.DB, recordIDs []string, at time.Time) error {
	for start := 0; start < len(recordIDs); start += markChunk {
		end := min(start+markChunk, len(recordIDs))
		err := db.WithContext(ctx).
			Model(&domain.UsageRecord{}).
			Where("record_id IN ?", recordIDs[start:end]).
			Updates(map[string]any{"reported": true, "reported_at": at}).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindExport(ctx context.Context, db *gorm.DB, licenseKey, reportDate string) (*domain.ReportExport, error) {
	var export domain.ReportExport
	err := db.WithContext(ctx).
		Where("license_key = ? AND report_date = ?", licenseKey, reportDate).
		First(&export).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &export, nil
}

func (r *repo) InsertExport(ctx context.Context, db *gorm.DB, export *domain.ReportExport) error {
	return db.WithContext(ctx).Create(export).Error
}

func (r *repo) ListExports(ctx context.Context, db *gorm.DB, limit int) ([]domain.ReportExport, error) {
	if limit <= 0 {
		limit = 30
	}
	var exports []domain.ReportExport
	err := db.WithContext(ctx).
		Order("report_date desc").
		Limit(limit).
		Find(&exports).Error
	if err != nil {
		return nil, err
	}
	return exports, nil
}
