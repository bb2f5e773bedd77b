package domain

import "context"

type Service interface {
	VerifyAllRecords(ctx context.Context, markSuspicious bool) (CheckResult, error)
	GenerateIntegrityReport(ctx context.Context, outputFile string) (Report, error)
	GetSuspiciousRecords(ctx context.Context) ([]SuspiciousRecord, error)
	ClearSuspiciousFlag(ctx context.Context, machineID, recordID string) (bool, error)
}
