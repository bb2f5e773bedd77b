package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type BillingMode string

const (
	BillingPerSample    BillingMode = "per_sample"
	BillingPerOperation BillingMode = "per_operation"
	BillingSubscription BillingMode = "subscription"
	BillingHybrid       BillingMode = "hybrid"
)

func (m BillingMode) Valid() bool {
	switch m {
	case BillingPerSample, BillingPerOperation, BillingSubscription, BillingHybrid:
		return true
	}
	return false
}

type Status string

const (
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
)

// Customer is a licensed install owner. Rows are never physically deleted.
// Prices are integer minor units.
type Customer struct {
	ID              snowflake.ID `gorm:"primaryKey" json:"id"`
	CustomerID      string       `gorm:"uniqueIndex;not null" json:"customer_id"`
	LicenseKey      string       `gorm:"uniqueIndex;not null" json:"license_key"`
	Name            string       `gorm:"not null" json:"name"`
	Email           string       `gorm:"not null" json:"email"`
	Company         string       `json:"company,omitempty"`
	BillingMode     BillingMode  `gorm:"not null" json:"billing_mode"`
	UnitPrice       int64        `gorm:"not null" json:"unit_price"`
	SubscriptionFee int64        `gorm:"not null" json:"subscription_fee"`
	IncludedUsage   int64        `gorm:"not null" json:"included_usage"`
	ExpiresAt       time.Time    `gorm:"not null" json:"expires_at"`
	Status          Status       `gorm:"not null;index" json:"status"`
	Notes           string       `json:"notes,omitempty"`
	CreatedAt       time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"not null" json:"updated_at"`
}

// UsageSummary sums every report imported for a customer.
type UsageSummary struct {
	CustomerID         string `json:"customer_id"`
	Reports            int64  `json:"reports"`
	TotalSamplesLoaded int64  `json:"total_samples_loaded"`
	TotalExports       int64  `json:"total_exports"`
	TotalSplits        int64  `json:"total_splits"`
	UniqueSamples      int64  `json:"unique_samples"`
	TotalRecords       int64  `json:"total_records"`
	FirstReportDate    string `json:"first_report_date,omitempty"`
	LastReportDate     string `json:"last_report_date,omitempty"`
}
