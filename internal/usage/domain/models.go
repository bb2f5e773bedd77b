// Package domain contains the client-side usage records and daily counters.
package domain

import (
	"time"
)

type ActionType string

const (
	ActionLoadSample       ActionType = "load_sample"
	ActionExportData       ActionType = "export_data"
	ActionSplitMetabolites ActionType = "split_metabolites"
)

func (a ActionType) Valid() bool {
	switch a {
	case ActionLoadSample, ActionExportData, ActionSplitMetabolites:
		return true
	default:
		return false
	}
}

// UsageRecord is one billable action. Rows are append-only; after insert only
// the reported and suspicious columns change, and the checksum covers neither.
type UsageRecord struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"-"`
	RecordID         string     `gorm:"uniqueIndex;not null" json:"record_id"`
	Timestamp        time.Time  `gorm:"not null;index" json:"timestamp"`
	ActionType       string     `gorm:"not null;index" json:"action_type"`
	SampleName       string     `gorm:"not null" json:"sample_name"`
	SampleHash       string     `gorm:"not null;index" json:"sample_hash"`
	DetailsEncrypted string     `json:"-"`
	Checksum         string     `gorm:"not null" json:"checksum"`
	Reported         bool       `gorm:"not null;default:false;index" json:"reported"`
	ReportedAt       *time.Time `json:"reported_at,omitempty"`
	SuspiciousFlag   bool       `gorm:"not null;default:false" json:"suspicious_flag"`
	SuspiciousReason *string    `json:"suspicious_reason,omitempty"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// DailyStat keeps per-day counters, updated on every flush.
type DailyStat struct {
	Date          string    `gorm:"primaryKey;size:10" json:"date"`
	SamplesLoaded int64     `gorm:"not null;default:0" json:"samples_loaded"`
	Exports       int64     `gorm:"not null;default:0" json:"exports"`
	Splits        int64     `gorm:"not null;default:0" json:"splits"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (DailyStat) TableName() string { return "usage_stats" }

// ReportExport claims a report date for a license. The admin accepts one
// report per (license key, report date, machine), so a claimed date is never
// written again.
type ReportExport struct {
	LicenseKey     string    `gorm:"primaryKey;size:64" json:"license_key"`
	ReportDate     string    `gorm:"primaryKey;size:10" json:"report_date"`
	FileName       string    `gorm:"not null" json:"file_name"`
	Records        int64     `gorm:"not null;default:0" json:"records"`
	IntegrityCheck string    `gorm:"not null" json:"integrity_check"`
	ExportedAt     time.Time `gorm:"not null" json:"exported_at"`
}

func (ReportExport) TableName() string { return "usage_exports" }

type DayStats struct {
	Date          string `json:"date"`
	SamplesLoaded int64  `json:"samples_loaded"`
	Exports       int64  `json:"exports"`
	Splits        int64  `json:"splits"`
}

type Totals struct {
	SamplesLoaded int64 `json:"total_loads"`
	Exports       int64 `json:"total_exports"`
	Splits        int64 `json:"total_splits"`
	UniqueSamples int64 `json:"unique_samples"`
	Records       int64 `json:"total_records"`
}

type Stats struct {
	Days   int        `json:"days"`
	Since  time.Time  `json:"since"`
	Totals Totals     `json:"totals"`
	Daily  []DayStats `json:"daily"`
}
