package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListInvoiceFilter struct {
	CustomerID string
	Status     InvoiceStatus
	AfterID    snowflake.ID
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByInvoiceID(ctx context.Context, db *gorm.DB, invoiceID string) (*Invoice, error)
	FindByPeriod(ctx context.Context, db *gorm.DB, customerID, periodStart, periodEnd string) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, filter ListInvoiceFilter) ([]*Invoice, error)
	Update(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	MarkOverdue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	// AggregateUsage sums imported usage of reports whose period end falls in
	// [from, to], with suspicious detail rows subtracted.
	AggregateUsage(ctx context.Context, db *gorm.DB, customerID, from, to string) (UsageTotals, error)
}
