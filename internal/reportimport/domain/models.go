package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// ImportedReport is one accepted usage report. The identity index makes a
// second import of the same artifact impossible.
type ImportedReport struct {
	ID                 snowflake.ID   `gorm:"primaryKey" json:"id"`
	LicenseKey         string         `gorm:"not null;uniqueIndex:ux_usage_reports_identity,priority:1" json:"license_key"`
	ReportDate         string         `gorm:"not null;uniqueIndex:ux_usage_reports_identity,priority:2" json:"report_date"`
	MachineID          string         `gorm:"not null;uniqueIndex:ux_usage_reports_identity,priority:3" json:"machine_id"`
	CustomerID         string         `gorm:"not null;index" json:"customer_id"`
	PeriodStart        string         `gorm:"not null" json:"period_start"`
	PeriodEnd          string         `gorm:"not null;index" json:"period_end"`
	TotalSamplesLoaded int64          `gorm:"not null" json:"total_samples_loaded"`
	TotalExports       int64          `gorm:"not null" json:"total_exports"`
	TotalSplits        int64          `gorm:"not null" json:"total_splits"`
	UniqueSamples      int64          `gorm:"not null" json:"unique_samples"`
	TotalRecords       int64          `gorm:"not null" json:"total_records"`
	PeriodDays         int            `gorm:"not null" json:"period_days"`
	IntegrityCheck     string         `json:"integrity_check"`
	DailyStats         datatypes.JSON `json:"daily_stats"`
	ReportFile         string         `json:"report_file"`
	SuspiciousRecords  int64          `gorm:"not null" json:"suspicious_records"`
	ImportedAt         time.Time      `gorm:"not null" json:"imported_at"`
}

func (ImportedReport) TableName() string { return "usage_reports" }

// ImportedRecord is a detail row of an imported report.
type ImportedRecord struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	ReportID         snowflake.ID `gorm:"not null;index" json:"report_id"`
	MachineID        string       `gorm:"not null;uniqueIndex:ux_usage_report_records_identity,priority:1" json:"machine_id"`
	RecordID         string       `gorm:"not null;uniqueIndex:ux_usage_report_records_identity,priority:2" json:"record_id"`
	Timestamp        time.Time    `gorm:"not null" json:"timestamp"`
	ActionType       string       `gorm:"not null" json:"action_type"`
	SampleName       string       `gorm:"not null" json:"sample_name"`
	SampleHash       string       `gorm:"not null" json:"sample_hash"`
	Checksum         string       `gorm:"not null" json:"checksum"`
	SuspiciousFlag   bool         `gorm:"not null;default:false" json:"suspicious_flag"`
	SuspiciousReason *string      `json:"suspicious_reason,omitempty"`
}

func (ImportedRecord) TableName() string { return "usage_report_records" }

// Summary identifies an imported report in results and errors.
type Summary struct {
	ReportID      string    `json:"report_id"`
	LicenseKey    string    `json:"license_key"`
	CustomerID    string    `json:"customer_id"`
	MachineID     string    `json:"machine_id"`
	ReportDate    string    `json:"report_date"`
	PeriodStart   string    `json:"period_start"`
	PeriodEnd     string    `json:"period_end"`
	TotalRecords  int64     `json:"total_records"`
	UniqueSamples int64     `json:"unique_samples"`
	ImportedAt    time.Time `json:"imported_at"`
}

func (r ImportedReport) Summary() Summary {
	return Summary{
		ReportID:      r.ID.String(),
		LicenseKey:    r.LicenseKey,
		CustomerID:    r.CustomerID,
		MachineID:     r.MachineID,
		ReportDate:    r.ReportDate,
		PeriodStart:   r.PeriodStart,
		PeriodEnd:     r.PeriodEnd,
		TotalRecords:  r.TotalRecords,
		UniqueSamples: r.UniqueSamples,
		ImportedAt:    r.ImportedAt,
	}
}

type Result struct {
	Report           Summary  `json:"report"`
	File             string   `json:"file"`
	KeySource        string   `json:"key_source"`
	RecordsImported  int      `json:"records_imported"`
	RecordsSkipped   int      `json:"records_skipped"`
	SuspiciousIDs    []string `json:"suspicious_record_ids"`
	IntegrityMatches bool     `json:"integrity_matches"`
}

type FileOutcome struct {
	File   string  `json:"file"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
	Error  string  `json:"error,omitempty"`
}

type BatchResult struct {
	Imported   int           `json:"imported"`
	Duplicates int           `json:"duplicates"`
	Failed     int           `json:"failed"`
	Outcomes   []FileOutcome `json:"outcomes"`
	// Cancelled is set when the batch stopped before its last file.
	Cancelled bool `json:"cancelled"`
}

// Err joins the per-file failures, or returns nil when every file imported.
func (b BatchResult) Err() error {
	var errs []error
	for _, o := range b.Outcomes {
		if o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", o.File, o.Err))
		}
	}
	return errors.Join(errs...)
}
