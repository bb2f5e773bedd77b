package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListCustomerFilter struct {
	Status  Status
	AfterID snowflake.ID
	Limit   int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, customer *Customer) error
	FindByCustomerID(ctx context.Context, db *gorm.DB, customerID string) (*Customer, error)
	FindByLicenseKey(ctx context.Context, db *gorm.DB, licenseKey string) (*Customer, error)
	List(ctx context.Context, db *gorm.DB, filter ListCustomerFilter) ([]*Customer, error)
	Update(ctx context.Context, db *gorm.DB, customer *Customer) error
	ExpireActive(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	SumUsage(ctx context.Context, db *gorm.DB, customerID string) (UsageSummary, error)
	LicenseKeys(ctx context.Context, db *gorm.DB) ([]string, error)
}
