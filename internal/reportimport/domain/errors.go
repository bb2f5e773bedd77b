package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateReport = errors.New("duplicate_report")
	ErrUnknownLicense  = errors.New("unknown_license")
	ErrReportNotFound  = errors.New("report_not_found")
	ErrStorage         = errors.New("storage_error")
)

// DuplicateReportError carries the already imported report so the operator
// can decide whether to delete it and retry.
type DuplicateReportError struct {
	Existing Summary
}

func (e *DuplicateReportError) Error() string {
	return fmt.Sprintf("report for %s on %s from machine %s was already imported at %s",
		e.Existing.CustomerID, e.Existing.ReportDate, shortID(e.Existing.MachineID), e.Existing.ImportedAt.Format("2006-01-02 15:04:05"))
}

func (e *DuplicateReportError) Is(target error) bool {
	return target == ErrDuplicateReport
}

type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}
