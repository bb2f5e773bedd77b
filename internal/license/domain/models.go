package domain

import "time"

// LicenseInfo is the single license row held by a client install.
type LicenseInfo struct {
	ID            int        `gorm:"primaryKey" json:"-"`
	LicenseKey    string     `gorm:"not null" json:"license_key"`
	CustomerID    string     `json:"customer_id"`
	CustomerName  string     `json:"customer_name"`
	Status        string     `json:"status"`
	BillingMode   string     `json:"billing_mode"`
	ActivatedAt   time.Time  `json:"activated_at"`
	ExpiresAt     time.Time  `gorm:"not null" json:"expires_at"`
	LastValidated *time.Time `json:"last_validated,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (LicenseInfo) TableName() string { return "license_info" }

// State is the position of a license in its expiry lifecycle.
type State string

const (
	StateValid      State = "valid"
	StateReminder30 State = "reminder_30"
	StateReminder7  State = "reminder_7"
	StateExpired    State = "expired"
)

type Result struct {
	Valid         bool      `json:"valid"`
	FormatValid   bool      `json:"format_valid"`
	Expired       bool      `json:"expired"`
	DaysRemaining int       `json:"days_remaining"`
	State         State     `json:"state"`
	ExpiresAt     time.Time `json:"expires_at"`
	Message       string    `json:"message"`
}

// Feature names a host application operation that the license may gate.
type Feature string

const (
	FeatureLoadSample        Feature = "load_sample"
	FeatureExportData        Feature = "export_data"
	FeatureSplitMetabolites  Feature = "split_metabolites"
	FeatureGenerateReport    Feature = "generate_report"
	FeatureROIAnalysis       Feature = "roi_analysis"
	FeatureMetaboliteLookup  Feature = "metabolite_lookup"
	FeatureViewHistory       Feature = "view_history"
	FeatureExportUsageReport Feature = "export_usage_report"
	FeatureViewLicenseInfo   Feature = "view_license_info"
	FeatureUpdateLicense     Feature = "update_license"
)

// RestrictedWhenExpired is blocked once the license has expired.
var RestrictedWhenExpired = []Feature{
	FeatureLoadSample,
	FeatureExportData,
	FeatureSplitMetabolites,
	FeatureGenerateReport,
	FeatureROIAnalysis,
	FeatureMetaboliteLookup,
}

// AlwaysAllowed stays open regardless of license state.
var AlwaysAllowed = []Feature{
	FeatureViewHistory,
	FeatureExportUsageReport,
	FeatureViewLicenseInfo,
	FeatureUpdateLicense,
}
