package domain

import "context"

type Service interface {
	ImportReport(ctx context.Context, file string) (Result, error)
	ImportData(ctx context.Context, name string, data []byte) (Result, error)
	ImportBatch(ctx context.Context, files []string) BatchResult
	DeleteReport(ctx context.Context, licenseKey, reportDate, machineID string) error
	ListReports(ctx context.Context, customerID string) ([]Summary, error)
}
