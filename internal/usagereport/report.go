// Package usagereport defines the usage report artifact exchanged between a
// client install and the admin service.
package usagereport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	FormatVersion = 1
	DateLayout    = "2006-01-02"
)

var ErrInvalidReport = errors.New("invalid_report")

type UsageStats struct {
	TotalSamplesLoaded int64 `json:"total_samples_loaded"`
	TotalExports       int64 `json:"total_exports"`
	TotalSplits        int64 `json:"total_splits"`
	UniqueSamples      int64 `json:"unique_samples"`
	TotalRecords       int64 `json:"total_records"`
	PeriodDays         int   `json:"period_days"`
}

func (s UsageStats) TotalOperations() int64 {
	return s.TotalSamplesLoaded + s.TotalExports + s.TotalSplits
}

type DailyStat struct {
	Date          string `json:"date"`
	SamplesLoaded int64  `json:"samples_loaded"`
	Exports       int64  `json:"exports"`
	Splits        int64  `json:"splits"`
}

// RecordDetail is one checksummed usage row carried inside the report.
type RecordDetail struct {
	RecordID   string    `json:"record_id"`
	Timestamp  time.Time `json:"timestamp"`
	ActionType string    `json:"action_type"`
	SampleName string    `json:"sample_name"`
	SampleHash string    `json:"sample_hash"`
	Checksum   string    `json:"checksum"`
}

type Report struct {
	LicenseKey     string         `json:"license_key"`
	CustomerID     string         `json:"customer_id,omitempty"`
	MachineID      string         `json:"machine_id"`
	ReportDate     string         `json:"report_date"`
	PeriodStart    string         `json:"period_start"`
	PeriodEnd      string         `json:"period_end"`
	UsageStats     UsageStats     `json:"usage_stats"`
	DailyStats     []DailyStat    `json:"daily_stats"`
	Records        []RecordDetail `json:"records"`
	IntegrityCheck string         `json:"integrity_check"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Validate checks the fields the importer depends on.
func (r Report) Validate() error {
	required := map[string]string{
		"license_key":  r.LicenseKey,
		"machine_id":   r.MachineID,
		"report_date":  r.ReportDate,
		"period_start": r.PeriodStart,
		"period_end":   r.PeriodEnd,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidReport, name)
		}
	}

	for name, value := range map[string]string{"report_date": r.ReportDate, "period_start": r.PeriodStart, "period_end": r.PeriodEnd} {
		if _, err := time.Parse(DateLayout, value); err != nil {
			return fmt.Errorf("%w: %s is not a date", ErrInvalidReport, name)
		}
	}
	if r.PeriodEnd < r.PeriodStart {
		return fmt.Errorf("%w: period ends before it starts", ErrInvalidReport)
	}

	s := r.UsageStats
	if s.TotalSamplesLoaded < 0 || s.TotalExports < 0 || s.TotalSplits < 0 || s.UniqueSamples < 0 {
		return fmt.Errorf("%w: negative usage counts", ErrInvalidReport)
	}
	return nil
}

func (r Report) PeriodEndDate() time.Time {
	t, _ := time.Parse(DateLayout, r.PeriodEnd)
	return t
}

func (r Report) PeriodStartDate() time.Time {
	t, _ := time.Parse(DateLayout, r.PeriodStart)
	return t
}

// FileName names the artifact for one machine and report date (YYYY-MM-DD).
// Machine ids are cut to 16 characters.
func FileName(machineID, reportDate string) string {
	if len(machineID) > 16 {
		machineID = machineID[:16]
	}
	return fmt.Sprintf("usage_report_%s_%s.enc", machineID, strings.ReplaceAll(reportDate, "-", ""))
}
