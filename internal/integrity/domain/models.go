package domain

import (
	"time"
)

// TimestampLayout is the canonical record timestamp inside a checksum. Millisecond
// precision survives every supported store.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Fields are the record attributes covered by a checksum. The reported flag and
// the suspicious columns are deliberately absent so they can change later.
type Fields struct {
	RecordID   string
	Timestamp  time.Time
	ActionType string
	SampleName string
	SampleHash string
}

func (f Fields) Canonical() map[string]string {
	return map[string]string{
		"record_id":   f.RecordID,
		"timestamp":   f.Timestamp.UTC().Format(TimestampLayout),
		"action_type": f.ActionType,
		"sample_name": f.SampleName,
		"sample_hash": f.SampleHash,
	}
}

// Record is a stored usage row as seen by the integrity engine.
type Record struct {
	Fields
	// MachineID is set for imported rows; client rows use the local identity.
	MachineID        string
	Checksum         string
	SuspiciousFlag   bool
	SuspiciousReason string
}

// Key is the row's identity in its store.
func (r Record) Key() RecordKey {
	return RecordKey{MachineID: r.MachineID, RecordID: r.RecordID}
}

type IntegrityCheck struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Scope             string    `gorm:"not null;index" json:"scope"`
	CheckTime         time.Time `gorm:"not null;index" json:"check_time"`
	TotalRecords      int       `gorm:"not null" json:"total_records"`
	ValidRecords      int       `gorm:"not null" json:"valid_records"`
	InvalidRecords    int       `gorm:"not null" json:"invalid_records"`
	SuspiciousRecords int       `gorm:"not null" json:"suspicious_records"`
	Checksum          string    `gorm:"not null" json:"checksum"`
	MachineID         string    `json:"machine_id"`
}

func (IntegrityCheck) TableName() string { return "integrity_checks" }

type SuspiciousRecord struct {
	MachineID string    `json:"machine_id,omitempty"`
	RecordID  string    `json:"record_id"`
	Reason    string    `json:"reason"`
	Action    string    `json:"action_type,omitempty"`
	Sample    string    `json:"sample_name,omitempty"`
	At        time.Time `json:"timestamp"`
}

type CheckResult struct {
	CheckedAt       time.Time          `json:"checked_at"`
	Total           int                `json:"total_records"`
	Valid           int                `json:"valid_records"`
	Invalid         int                `json:"invalid_records"`
	Suspicious      []SuspiciousRecord `json:"suspicious_records"`
	OverallChecksum string             `json:"overall_checksum"`
}

// Rate is the integrity rate in percent; an empty store counts as fully intact.
func (r CheckResult) Rate() float64 {
	if r.Total == 0 {
		return 100
	}
	return float64(r.Valid) / float64(r.Total) * 100
}

type Summary struct {
	Status          string  `json:"status"`
	TotalRecords    int     `json:"total_records"`
	ValidRecords    int     `json:"valid_records"`
	InvalidRecords  int     `json:"invalid_records"`
	IntegrityRate   float64 `json:"integrity_rate"`
	SuspiciousCount int     `json:"suspicious_count"`
}

type Report struct {
	GeneratedAt       time.Time          `json:"generated_at"`
	MachineID         string             `json:"machine_id"`
	CurrentCheck      CheckResult        `json:"current_check"`
	SuspiciousRecords []SuspiciousRecord `json:"suspicious_records"`
	History           []IntegrityCheck   `json:"history"`
	Summary           Summary            `json:"summary"`
}
