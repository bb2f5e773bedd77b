package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/licensegate/internal/usagereport"
)

type Tracker interface {
	RecordUsage(ctx context.Context, action ActionType, sampleName string, details map[string]any) (string, error)
	Flush(ctx context.Context) error
	GetUsageStats(ctx context.Context, days int) (Stats, error)
	ExportUsageReport(ctx context.Context, outputFile string, days int) (usagereport.Report, error)
	ExportCompletedDay(ctx context.Context, outputDir string, days int) (usagereport.Report, string, error)
	ListExports(ctx context.Context, limit int) ([]ReportExport, error)
	Close(ctx context.Context) error
}

var (
	ErrInvalidAction     = errors.New("invalid_action_type")
	ErrInvalidSampleName = errors.New("invalid_sample_name")
	ErrInvalidWindow     = errors.New("invalid_window")
	ErrNoLicense         = errors.New("no_license")
	ErrTrackerClosed     = errors.New("tracker_closed")

	ErrReportAlreadyExported = errors.New("report_already_exported")
	ErrNothingToReport       = errors.New("nothing_to_report")
)
