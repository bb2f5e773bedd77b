package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Get(ctx context.Context, db *gorm.DB) (*LicenseInfo, error)
	Save(ctx context.Context, db *gorm.DB, info *LicenseInfo) error
	TouchValidated(ctx context.Context, db *gorm.DB, at time.Time) error
}
