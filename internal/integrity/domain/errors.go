package domain

import (
	"errors"
	"fmt"
)

var (
	ErrIntegrityViolation = errors.New("integrity_violation")
	ErrRecordNotFound     = errors.New("record_not_found")
	ErrEmptyRecordID      = errors.New("empty_record_id")
	ErrEmptyMachineID     = errors.New("empty_machine_id")
)

// IntegrityViolation describes a record whose stored checksum no longer matches its fields.
type IntegrityViolation struct {
	RecordID string
	Expected string
	Actual   string
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("record %s: %s", e.RecordID, e.Reason())
}

// Reason is the text stored in suspicious_reason.
func (e *IntegrityViolation) Reason() string {
	return fmt.Sprintf("Checksum mismatch: expected %s..., got %s...", prefix(e.Expected), prefix(e.Actual))
}

func (e *IntegrityViolation) Is(target error) bool {
	return target == ErrIntegrityViolation
}

func prefix(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}
