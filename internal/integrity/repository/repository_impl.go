package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/smallbiznis/licensegate/internal/integrity/domain"
	"gorm.io/gorm"
)

const (
	ScopeClient = "client"
	ScopeAdmin  = "admin"
)

// Table names a checksummed usage table and whether rows carry their own machine id.
type Table struct {
	Name         string
	Scope        string
	HasMachineID bool
}

var (
	ClientRecords = Table{Name: "usage_records", Scope: ScopeClient}
	AdminRecords  = Table{Name: "usage_report_records", Scope: ScopeAdmin, HasMachineID: true}
)

type repo struct {
	db    *gorm.DB
	table Table
}

func New(db *gorm.DB, table Table) domain.RecordStore {
	return &repo{db: db, table: table}
}

// ProvideClient and ProvideAdmin bind the store to the process's own database.
func ProvideClient(db *gorm.DB) domain.RecordStore {
	return New(db, ClientRecords)
}

func ProvideAdmin(db *gorm.DB) domain.RecordStore {
	return New(db, AdminRecords)
}

type recordRow struct {
	RecordID         string
	Timestamp        time.Time
	ActionType       string
	SampleName       string
	SampleHash       string
	Checksum         string
	SuspiciousFlag   bool
	SuspiciousReason string
	MachineID        string
}

func (r recordRow) toDomain() domain.Record {
	return domain.Record{
		Fields: domain.Fields{
			RecordID:   r.RecordID,
			Timestamp:  r.Timestamp,
			ActionType: r.ActionType,
			SampleName: r.SampleName,
			SampleHash: r.SampleHash,
		},
		MachineID:        r.MachineID,
		Checksum:         r.Checksum,
		SuspiciousFlag:   r.SuspiciousFlag,
		SuspiciousReason: r.SuspiciousReason,
	}
}

func (r *repo) columns() string {
	machine := "'' AS machine_id"
	if r.table.HasMachineID {
		machine = "machine_id"
	}
	return `record_id, timestamp, action_type, sample_name, sample_hash, checksum,
		suspicious_flag, COALESCE(suspicious_reason, '') AS suspicious_reason, ` + machine
}

func (r *repo) Scan(ctx context.Context, after domain.RecordKey, limit int) ([]domain.Record, error) {
	var rows []recordRow
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE record_id > ? ORDER BY record_id LIMIT ?`, r.columns(), r.table.Name)
	args := []any{after.RecordID, limit}
	if r.table.HasMachineID {
		query = fmt.Sprintf(`SELECT %s FROM %s
			WHERE machine_id > ? OR (machine_id = ? AND record_id > ?)
			ORDER BY machine_id, record_id LIMIT ?`, r.columns(), r.table.Name)
		args = []any{after.MachineID, after.MachineID, after.RecordID, limit}
	}

	if err := r.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

// keyFilter matches one row. Imported rows share record ids across machines,
// so the admin table always filters on both columns.
func (r *repo) keyFilter(key domain.RecordKey) (string, []any, error) {
	if !r.table.HasMachineID {
		return "record_id = ?", []any{key.RecordID}, nil
	}
	if key.MachineID == "" {
		return "", nil, domain.ErrEmptyMachineID
	}
	return "machine_id = ? AND record_id = ?", []any{key.MachineID, key.RecordID}, nil
}

func (r *repo) MarkSuspicious(ctx context.Context, key domain.RecordKey, reason string) error {
	where, args, err := r.keyFilter(key)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET suspicious_flag = ?, suspicious_reason = ? WHERE %s`, r.table.Name, where),
		append([]any{true, reason}, args...)...,
	).Error
}

func (r *repo) ClearSuspicious(ctx context.Context, key domain.RecordKey) (bool, error) {
	where, args, err := r.keyFilter(key)
	if err != nil {
		return false, err
	}
	res := r.db.WithContext(ctx).Exec(
		fmt.Sprintf(`UPDATE %s SET suspicious_flag = ?, suspicious_reason = NULL WHERE %s`, r.table.Name, where),
		append([]any{false}, args...)...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListSuspicious(ctx context.Context) ([]domain.Record, error) {
	var rows []recordRow
	err := r.db.WithContext(ctx).Raw(
		fmt.Sprintf(`SELECT %s FROM %s WHERE suspicious_flag = ? ORDER BY timestamp DESC, record_id DESC`, r.columns(), r.table.Name),
		true,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomain(rows), nil
}

func (r *repo) SaveCheck(ctx context.Context, check *domain.IntegrityCheck) error {
	check.Scope = r.table.Scope
	return r.db.WithContext(ctx).Create(check).Error
}

func (r *repo) RecentChecks(ctx context.Context, limit int) ([]domain.IntegrityCheck, error) {
	var checks []domain.IntegrityCheck
	err := r.db.WithContext(ctx).
		Where("scope = ?", r.table.Scope).
		Order("check_time desc, id desc").
		Limit(limit).
		Find(&checks).Error
	if err != nil {
		return nil, err
	}
	return checks, nil
}

func toDomain(rows []recordRow) []domain.Record {
	out := make([]domain.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out
}
