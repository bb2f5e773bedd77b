package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	"github.com/smallbiznis/licensegate/internal/encryption"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	integrityservice "github.com/smallbiznis/licensegate/internal/integrity/service"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"github.com/smallbiznis/licensegate/internal/reportimport/domain"
	"github.com/smallbiznis/licensegate/internal/usagereport"
	"github.com/smallbiznis/licensegate/pkg/db"
	"github.com/smallbiznis/licensegate/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var errDuplicateInsert = errors.New("duplicate report insert")

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	GenID       *snowflake.Node
	Config      config.Config
	Repo        domain.Repository
	Customers   customerdomain.Service
	Checksummer *integrityservice.Checksummer
	Encryption  *encryption.Service
	Metrics     *metrics.Metrics `optional:"true"`
	Retry       retry.Policy     `optional:"true"`
}

// Service imports encrypted usage reports into the admin store.
type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	clock     clock.Clock
	genID     *snowflake.Node
	repo      domain.Repository
	customers customerdomain.Service
	checksums *integrityservice.Checksummer
	codec     *usagereport.Codec
	metrics   *metrics.Metrics
	retry     retry.Policy

	maxFileSize int64
}

func New(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("reportimport.service"),
		clock:       p.Clock,
		genID:       p.GenID,
		repo:        p.Repo,
		customers:   p.Customers,
		checksums:   p.Checksummer,
		codec:       usagereport.NewCodec(p.Encryption),
		metrics:     p.Metrics,
		retry:       p.Retry,
		maxFileSize: p.Config.Import.MaxFileSize,
	}
}

var _ domain.Service = (*Service)(nil)

func (s *Service) ImportReport(ctx context.Context, file string) (domain.Result, error) {
	info, err := os.Stat(file)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read report: %w", err)
	}
	if s.maxFileSize > 0 && info.Size() > s.maxFileSize {
		return domain.Result{}, fmt.Errorf("%w: file is %d bytes, limit is %d", usagereport.ErrInvalidReport, info.Size(), s.maxFileSize)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read report: %w", err)
	}
	return s.ImportData(ctx, file, data)
}

// ImportData imports an artifact already held in memory. name is stored as
// the report file.
func (s *Service) ImportData(ctx context.Context, name string, data []byte) (domain.Result, error) {
	result, err := s.importData(ctx, name, data)
	s.metrics.RecordImport(outcome(err))

	log := logger.WithContext(ctx, s.log).With(zap.String("file", name))
	if err != nil {
		log.Warn("usage report rejected", zap.String("outcome", outcome(err)), zap.Error(err))
		return result, err
	}
	log.Info("usage report imported",
		zap.String("customer_id", result.Report.CustomerID),
		zap.String("report_date", result.Report.ReportDate),
		zap.String("machine_id", logger.TruncateID(result.Report.MachineID)),
		zap.Int("records", result.RecordsImported),
		zap.Int("suspicious", len(result.SuspiciousIDs)),
	)
	return result, nil
}

func (s *Service) importData(ctx context.Context, name string, data []byte) (domain.Result, error) {
	artifact, err := usagereport.ReadArtifact(data)
	if err != nil {
		return domain.Result{}, err
	}

	report, key, err := s.codec.Open(ctx, artifact, s.candidates(artifact)...)
	if err != nil {
		return domain.Result{}, err
	}

	customer, err := s.customers.GetByLicenseKey(ctx, report.LicenseKey)
	if errors.Is(err, customerdomain.ErrNotFound) {
		return domain.Result{}, fmt.Errorf("%w: %s", domain.ErrUnknownLicense, report.LicenseKey)
	}
	if err != nil {
		return domain.Result{}, &domain.StorageError{Op: "resolve license", Err: err}
	}
	if report.CustomerID != "" && report.CustomerID != customer.CustomerID {
		s.log.Warn("report customer id differs from registry, using registry",
			zap.String("reported", report.CustomerID),
			zap.String("registry", customer.CustomerID),
		)
	}

	records, suspicious := s.verifyRecords(report)
	checksums := make([]string, 0, len(report.Records))
	for _, rec := range report.Records {
		checksums = append(checksums, rec.Checksum)
	}
	overall := integrityservice.OverallChecksum(checksums)
	integrityMatches := overall == report.IntegrityCheck
	if !integrityMatches {
		logger.WithContext(ctx, s.log).Warn("report integrity check mismatch",
			zap.String("customer_id", customer.CustomerID),
			zap.String("machine_id", logger.TruncateID(report.MachineID)),
			zap.String("report_date", report.ReportDate),
			zap.String("file", name),
		)
	}

	daily, err := json.Marshal(report.DailyStats)
	if err != nil {
		return domain.Result{}, fmt.Errorf("%w: daily stats: %v", usagereport.ErrInvalidReport, err)
	}

	row := domain.ImportedReport{
		LicenseKey:         report.LicenseKey,
		ReportDate:         report.ReportDate,
		MachineID:          report.MachineID,
		CustomerID:         customer.CustomerID,
		PeriodStart:        report.PeriodStart,
		PeriodEnd:          report.PeriodEnd,
		TotalSamplesLoaded: report.UsageStats.TotalSamplesLoaded,
		TotalExports:       report.UsageStats.TotalExports,
		TotalSplits:        report.UsageStats.TotalSplits,
		UniqueSamples:      report.UsageStats.UniqueSamples,
		TotalRecords:       report.UsageStats.TotalRecords,
		PeriodDays:         report.UsageStats.PeriodDays,
		IntegrityCheck:     report.IntegrityCheck,
		DailyStats:         datatypes.JSON(daily),
		ReportFile:         name,
		SuspiciousRecords:  int64(len(suspicious)),
	}

	var written int64
	err = retry.Do(ctx, s.retry, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			row.ID = s.genID.Generate()
			row.ImportedAt = s.clock.Now().UTC()
			if err := s.repo.InsertReport(ctx, tx, &row); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return errDuplicateInsert
				}
				return err
			}

			for i := range records {
				records[i].ID = s.genID.Generate()
				records[i].ReportID = row.ID
			}
			n, err := s.repo.InsertRecords(ctx, tx, records)
			written = n
			return err
		})
		if errors.Is(err, errDuplicateInsert) {
			return retry.Permanent(err)
		}
		return err
	})
	if errors.Is(err, errDuplicateInsert) {
		existing, ferr := s.repo.FindReport(ctx, s.db, report.LicenseKey, report.ReportDate, report.MachineID)
		if ferr != nil || existing == nil {
			return domain.Result{}, &domain.StorageError{Op: "load duplicate", Err: errors.Join(err, ferr)}
		}
		return domain.Result{}, &domain.DuplicateReportError{Existing: existing.Summary()}
	}
	if err != nil {
		return domain.Result{}, &domain.StorageError{Op: "import", Err: err}
	}

	return domain.Result{
		Report:           row.Summary(),
		File:             name,
		KeySource:        string(key.Source),
		RecordsImported:  int(written),
		RecordsSkipped:   len(records) - int(written),
		SuspiciousIDs:    suspicious,
		IntegrityMatches: integrityMatches,
	}, nil
}

// verifyRecords recomputes every detail checksum against the reporting machine.
func (s *Service) verifyRecords(report usagereport.Report) ([]domain.ImportedRecord, []string) {
	records := make([]domain.ImportedRecord, 0, len(report.Records))
	var suspicious []string

	for _, detail := range report.Records {
		fields := integritydomain.Fields{
			RecordID:   detail.RecordID,
			Timestamp:  detail.Timestamp,
			ActionType: detail.ActionType,
			SampleName: detail.SampleName,
			SampleHash: detail.SampleHash,
		}
		rec := domain.ImportedRecord{
			MachineID:  report.MachineID,
			RecordID:   detail.RecordID,
			Timestamp:  detail.Timestamp.UTC(),
			ActionType: detail.ActionType,
			SampleName: detail.SampleName,
			SampleHash: detail.SampleHash,
			Checksum:   detail.Checksum,
		}

		expected := s.checksums.CalculateWithMachine(fields, report.MachineID)
		if expected != detail.Checksum {
			violation := &integritydomain.IntegrityViolation{RecordID: detail.RecordID, Expected: expected, Actual: detail.Checksum}
			reason := violation.Reason()
			rec.SuspiciousFlag = true
			rec.SuspiciousReason = &reason
			suspicious = append(suspicious, detail.RecordID)
		}
		records = append(records, rec)
	}
	return records, suspicious
}

// candidates orders the keys a report may be sealed with: the machine named in
// the header, machines already seen for the claimed customer, every known
// machine, then license keys with the claimed one first.
func (s *Service) candidates(artifact usagereport.Artifact) []encryption.KeyProvider {
	seen := map[string]bool{}
	fresh := func(keys ...encryption.Key) []encryption.Key {
		out := keys[:0]
		for _, k := range keys {
			id := string(k.Source) + "\x00" + k.Label
			if k.Label == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, k)
		}
		return out
	}
	machineKeys := func(ids []string) []encryption.Key {
		keys := make([]encryption.Key, 0, len(ids))
		for _, id := range ids {
			keys = append(keys, encryption.KeyFromMachineID(id))
		}
		return fresh(keys...)
	}
	claimed := strings.TrimSpace(artifact.LicenseKey)

	return []encryption.KeyProvider{
		encryption.KeyProviderFunc(func(ctx context.Context) ([]encryption.Key, error) {
			return machineKeys([]string{strings.TrimSpace(artifact.MachineID)}), nil
		}),
		encryption.KeyProviderFunc(func(ctx context.Context) ([]encryption.Key, error) {
			customer, err := s.customers.GetByLicenseKey(ctx, claimed)
			if errors.Is(err, customerdomain.ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, &domain.StorageError{Op: "load candidate keys", Err: err}
			}
			ids, err := s.repo.MachineIDs(ctx, s.db, customer.CustomerID)
			if err != nil {
				return nil, &domain.StorageError{Op: "load candidate keys", Err: err}
			}
			return machineKeys(ids), nil
		}),
		encryption.KeyProviderFunc(func(ctx context.Context) ([]encryption.Key, error) {
			ids, err := s.repo.MachineIDs(ctx, s.db, "")
			if err != nil {
				return nil, &domain.StorageError{Op: "load candidate keys", Err: err}
			}
			return machineKeys(ids), nil
		}),
		encryption.KeyProviderFunc(func(ctx context.Context) ([]encryption.Key, error) {
			if claimed == "" {
				return nil, nil
			}
			return fresh(encryption.KeyFromLicenseKey(claimed)), nil
		}),
		encryption.KeyProviderFunc(func(ctx context.Context) ([]encryption.Key, error) {
			licenseKeys, err := s.customers.LicenseKeys(ctx)
			if err != nil {
				return nil, &domain.StorageError{Op: "load candidate keys", Err: err}
			}
			keys := make([]encryption.Key, 0, len(licenseKeys))
			for _, k := range licenseKeys {
				keys = append(keys, encryption.KeyFromLicenseKey(k))
			}
			return fresh(keys...), nil
		}),
	}
}

// ImportBatch imports files one transaction at a time and stops between files
// when ctx is cancelled.
func (s *Service) ImportBatch(ctx context.Context, files []string) domain.BatchResult {
	var batch domain.BatchResult
	for _, file := range files {
		if ctx.Err() != nil {
			batch.Cancelled = true
			break
		}

		result, err := s.ImportReport(ctx, file)
		outcome := domain.FileOutcome{File: file}
		switch {
		case err == nil:
			outcome.Result = &result
			batch.Imported++
		case errors.Is(err, domain.ErrDuplicateReport):
			outcome.Err = err
			batch.Duplicates++
		default:
			outcome.Err = err
			batch.Failed++
		}
		if outcome.Err != nil {
			outcome.Error = outcome.Err.Error()
		}
		batch.Outcomes = append(batch.Outcomes, outcome)
	}
	return batch
}

// DeleteReport removes an imported report and its detail rows so the same
// artifact can be imported again.
func (s *Service) DeleteReport(ctx context.Context, licenseKey, reportDate, machineID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindReport(ctx, tx, licenseKey, reportDate, machineID)
		if err != nil {
			return &domain.StorageError{Op: "find report", Err: err}
		}
		if existing == nil {
			return domain.ErrReportNotFound
		}
		if err := s.repo.DeleteReport(ctx, tx, existing); err != nil {
			return &domain.StorageError{Op: "delete report", Err: err}
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.WithContext(ctx, s.log).Info("imported report deleted",
		zap.String("report_date", reportDate),
		zap.String("machine_id", logger.TruncateID(machineID)),
	)
	return nil
}

func (s *Service) ListReports(ctx context.Context, customerID string) ([]domain.Summary, error) {
	reports, err := s.repo.ListReports(ctx, s.db, strings.TrimSpace(customerID))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Summary, 0, len(reports))
	for _, r := range reports {
		out = append(out, r.Summary())
	}
	return out, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "imported"
	case errors.Is(err, domain.ErrDuplicateReport):
		return "duplicate"
	case errors.Is(err, encryption.ErrDecryption):
		return "decryption_failed"
	case errors.Is(err, domain.ErrUnknownLicense):
		return "unknown_license"
	case errors.Is(err, usagereport.ErrInvalidReport):
		return "invalid"
	case errors.Is(err, domain.ErrStorage):
		return "storage_error"
	default:
		return "error"
	}
}
