package domain

import (
	"context"
)

// RecordKey identifies one stored row. Imported rows are unique per
// (machine, record id); client rows ignore MachineID.
type RecordKey struct {
	MachineID string
	RecordID  string
}

// RecordStore is a table of checksummed usage rows.
type RecordStore interface {
	// Scan returns up to limit records in key order, strictly after the cursor.
	Scan(ctx context.Context, after RecordKey, limit int) ([]Record, error)
	MarkSuspicious(ctx context.Context, key RecordKey, reason string) error
	ClearSuspicious(ctx context.Context, key RecordKey) (bool, error)
	ListSuspicious(ctx context.Context) ([]Record, error)
	SaveCheck(ctx context.Context, check *IntegrityCheck) error
	RecentChecks(ctx context.Context, limit int) ([]IntegrityCheck, error)
}
