// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusSent    InvoiceStatus = "sent"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusOverdue InvoiceStatus = "overdue"
)

// Invoice is the bill for one customer and one period. Amounts are integer
// minor units.
type Invoice struct {
	ID              snowflake.ID               `gorm:"primaryKey" json:"id"`
	InvoiceID       string                     `gorm:"not null;uniqueIndex" json:"invoice_id"`
	CustomerID      string                     `gorm:"not null;index;uniqueIndex:ux_invoices_period,priority:1" json:"customer_id"`
	PeriodStart     string                     `gorm:"not null;uniqueIndex:ux_invoices_period,priority:2" json:"period_start"`
	PeriodEnd       string                     `gorm:"not null;uniqueIndex:ux_invoices_period,priority:3" json:"period_end"`
	BillingMode     customerdomain.BillingMode `gorm:"not null" json:"billing_mode"`
	TotalLoads      int64                      `gorm:"not null" json:"total_loads"`
	TotalExports    int64                      `gorm:"not null" json:"total_exports"`
	TotalSplits     int64                      `gorm:"not null" json:"total_splits"`
	UniqueSamples   int64                      `gorm:"not null" json:"unique_samples"`
	TotalOperations int64                      `gorm:"not null" json:"total_operations"`
	UnitPrice       int64                      `gorm:"not null" json:"unit_price"`
	SubscriptionFee int64                      `gorm:"not null" json:"subscription_fee"`
	IncludedUsage   int64                      `gorm:"not null" json:"included_usage"`
	Subtotal        int64                      `gorm:"not null" json:"subtotal"`
	TaxRate         float64                    `gorm:"not null" json:"tax_rate"`
	TaxAmount       int64                      `gorm:"not null" json:"tax_amount"`
	TotalAmount     int64                      `gorm:"not null" json:"total_amount"`
	Status          InvoiceStatus              `gorm:"not null;index" json:"status"`
	IssuedAt        time.Time                  `gorm:"not null" json:"issued_at"`
	DueAt           *time.Time                 `json:"due_at,omitempty"`
	SentAt          *time.Time                 `json:"sent_at,omitempty"`
	PaidAt          *time.Time                 `json:"paid_at,omitempty"`
	Notes           string                     `json:"notes,omitempty"`
	CreatedAt       time.Time                  `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time                  `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// UsageTotals is the billable usage of one period.
type UsageTotals struct {
	Loads         int64 `json:"loads"`
	Exports       int64 `json:"exports"`
	Splits        int64 `json:"splits"`
	UniqueSamples int64 `json:"unique_samples"`
}

func (u UsageTotals) Operations() int64 {
	return u.Loads + u.Exports + u.Splits
}

// BillingConfig is the price sheet applied to a customer.
type BillingConfig struct {
	Mode            customerdomain.BillingMode
	UnitPrice       int64
	SubscriptionFee int64
	IncludedUsage   int64
	TaxRate         float64
}

type Amounts struct {
	Subtotal  int64 `json:"subtotal"`
	TaxAmount int64 `json:"tax_amount"`
	Total     int64 `json:"total"`
}
