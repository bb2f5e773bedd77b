package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/internal/license/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const singletonID = 1

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB) (*domain.LicenseInfo, error) {
	var info domain.LicenseInfo
	err := db.WithContext(ctx).Where("id = ?", singletonID).First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, info *domain.LicenseInfo) error {
	info.ID = singletonID
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(info).Error
}

func (r *repo) TouchValidated(ctx context.Context, db *gorm.DB, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.LicenseInfo{}).
		Where("id = ?", singletonID).
		Update("last_validated", at).Error
}
