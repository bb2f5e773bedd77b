package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/identity"
	"github.com/smallbiznis/licensegate/internal/integrity/domain"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultScanBatch = 200
	historyLimit     = 10
)

type Params struct {
	fx.In

	Store       domain.RecordStore
	Checksummer *Checksummer
	Identity    identity.Source
	Clock       clock.Clock
	Log         *zap.Logger
	Metrics     *metrics.Metrics `optional:"true"`
}

type Service struct {
	store     domain.RecordStore
	checksums *Checksummer
	identity  identity.Source
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	batchSize int
}

func New(p Params) *Service {
	return &Service{
		store:     p.Store,
		checksums: p.Checksummer,
		identity:  p.Identity,
		clock:     p.Clock,
		log:       p.Log.Named("integrity.service"),
		metrics:   p.Metrics,
		batchSize: defaultScanBatch,
	}
}

var _ domain.Service = (*Service)(nil)

// VerifyAllRecords recomputes every stored checksum. Mismatching rows are
// optionally flagged suspicious; nothing is ever deleted. The scan checks ctx
// between batches and a cancelled scan records no check row.
func (s *Service) VerifyAllRecords(ctx context.Context, markSuspicious bool) (domain.CheckResult, error) {
	result := domain.CheckResult{
		CheckedAt:  s.clock.Now(),
		Suspicious: []domain.SuspiciousRecord{},
	}
	checksums := make([]string, 0, s.batchSize)

	var after domain.RecordKey
	for {
		if err := ctx.Err(); err != nil {
			return domain.CheckResult{}, err
		}

		batch, err := s.store.Scan(ctx, after, s.batchSize)
		if err != nil {
			return domain.CheckResult{}, fmt.Errorf("scan records: %w", err)
		}

		for _, record := range batch {
			result.Total++
			checksums = append(checksums, record.Checksum)

			err := s.checksums.Verify(ctx, record)
			var violation *domain.IntegrityViolation
			switch {
			case errors.As(err, &violation):
				result.Invalid++
				result.Suspicious = append(result.Suspicious, domain.SuspiciousRecord{
					MachineID: record.MachineID,
					RecordID:  record.RecordID,
					Reason:    violation.Reason(),
					Action:    record.ActionType,
					Sample:    record.SampleName,
					At:        record.Timestamp,
				})
				if markSuspicious {
					if err := s.store.MarkSuspicious(ctx, record.Key(), violation.Reason()); err != nil {
						return domain.CheckResult{}, fmt.Errorf("flag record %s: %w", record.RecordID, err)
					}
				}
			case err != nil:
				return domain.CheckResult{}, err
			default:
				result.Valid++
			}
		}

		if len(batch) < s.batchSize {
			break
		}
		after = batch[len(batch)-1].Key()
	}

	result.OverallChecksum = OverallChecksum(checksums)

	check := &domain.IntegrityCheck{
		CheckTime:         result.CheckedAt,
		TotalRecords:      result.Total,
		ValidRecords:      result.Valid,
		InvalidRecords:    result.Invalid,
		SuspiciousRecords: len(result.Suspicious),
		Checksum:          result.OverallChecksum,
		MachineID:         s.machineLabel(ctx),
	}
	if err := s.store.SaveCheck(ctx, check); err != nil {
		return domain.CheckResult{}, fmt.Errorf("save integrity check: %w", err)
	}

	s.metrics.RecordIntegrityCheck(result.Invalid)
	log := logger.WithContext(ctx, s.log)
	if result.Invalid > 0 {
		log.Warn("integrity check found suspicious records",
			zap.Int("total", result.Total),
			zap.Int("invalid", result.Invalid),
			zap.Bool("flagged", markSuspicious),
		)
	} else {
		log.Info("integrity check passed", zap.Int("total", result.Total))
	}

	return result, nil
}

func (s *Service) GenerateIntegrityReport(ctx context.Context, outputFile string) (domain.Report, error) {
	current, err := s.VerifyAllRecords(ctx, false)
	if err != nil {
		return domain.Report{}, err
	}

	suspicious, err := s.GetSuspiciousRecords(ctx)
	if err != nil {
		return domain.Report{}, err
	}

	history, err := s.store.RecentChecks(ctx, historyLimit)
	if err != nil {
		return domain.Report{}, fmt.Errorf("load check history: %w", err)
	}

	status := "ok"
	if current.Invalid > 0 || len(suspicious) > 0 {
		status = "issues_found"
	}

	report := domain.Report{
		GeneratedAt:       s.clock.Now(),
		MachineID:         logger.TruncateID(s.machineLabel(ctx)),
		CurrentCheck:      current,
		SuspiciousRecords: suspicious,
		History:           history,
		Summary: domain.Summary{
			Status:          status,
			TotalRecords:    current.Total,
			ValidRecords:    current.Valid,
			InvalidRecords:  current.Invalid,
			IntegrityRate:   current.Rate(),
			SuspiciousCount: len(suspicious),
		},
	}

	if outputFile != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return domain.Report{}, err
		}
		if err := os.WriteFile(outputFile, data, 0o644); err != nil {
			return domain.Report{}, fmt.Errorf("write integrity report: %w", err)
		}
	}

	return report, nil
}

func (s *Service) GetSuspiciousRecords(ctx context.Context) ([]domain.SuspiciousRecord, error) {
	records, err := s.store.ListSuspicious(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.SuspiciousRecord, 0, len(records))
	for _, record := range records {
		out = append(out, domain.SuspiciousRecord{
			MachineID: record.MachineID,
			RecordID:  record.RecordID,
			Reason:    record.SuspiciousReason,
			Action:    record.ActionType,
			Sample:    record.SampleName,
			At:        record.Timestamp,
		})
	}
	return out, nil
}

// ClearSuspiciousFlag is the explicit operator action after a flagged record
// was reviewed. machineID selects the row on the admin store and is ignored
// on a client install.
func (s *Service) ClearSuspiciousFlag(ctx context.Context, machineID, recordID string) (bool, error) {
	if recordID == "" {
		return false, domain.ErrEmptyRecordID
	}

	cleared, err := s.store.ClearSuspicious(ctx, domain.RecordKey{MachineID: machineID, RecordID: recordID})
	if err != nil {
		return false, err
	}
	if cleared {
		logger.WithContext(ctx, s.log).Info("suspicious flag cleared",
			zap.String("record_id", recordID),
			zap.String("machine_id", logger.TruncateID(machineID)),
		)
	}
	return cleared, nil
}

func (s *Service) machineLabel(ctx context.Context) string {
	if s.identity == nil {
		return ""
	}
	id, err := s.identity.MachineID(ctx)
	if err != nil {
		return "unknown"
	}
	return id
}
