package service

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/encryption"
	"github.com/smallbiznis/licensegate/internal/identity"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	integrityservice "github.com/smallbiznis/licensegate/internal/integrity/service"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/localstore"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usagereport"
	"github.com/smallbiznis/licensegate/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Config      config.Config
	Clock       clock.Clock
	Repo        domain.Repository
	LicenseRepo licensedomain.Repository
	Identity    identity.Source
	Checksummer *integrityservice.Checksummer
	Encryption  *encryption.Service
	Metrics     *metrics.Metrics `optional:"true"`
	Retry       retry.Policy     `optional:"true"`
}

// Tracker records billable actions on a client install. One instance is owned
// by the application root; every write path goes through mu.
type Tracker struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	repo        domain.Repository
	licenseRepo licensedomain.Repository
	identity    identity.Source
	checksums   *integrityservice.Checksummer
	enc         *encryption.Service
	codec       *usagereport.Codec
	metrics     *metrics.Metrics
	retry       retry.Policy

	batchSize     int
	flushInterval time.Duration
	reportDir     string

	keyMu sync.Mutex
	key   encryption.Key

	mu        sync.Mutex
	buffer    []*domain.UsageRecord
	lastFlush time.Time
	entropy   io.Reader
	closed    bool
}

func NewTracker(p Params) *Tracker {
	cfg := p.Config.Client
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Minute
	}

	reportDir := cfg.ReportDir
	if reportDir == "" {
		reportDir = "reports"
	}

	return &Tracker{
		db:            p.DB,
		log:           p.Log.Named("usage.tracker"),
		clock:         p.Clock,
		repo:          p.Repo,
		licenseRepo:   p.LicenseRepo,
		identity:      p.Identity,
		checksums:     p.Checksummer,
		enc:           p.Encryption,
		codec:         usagereport.NewCodec(p.Encryption),
		metrics:       p.Metrics,
		retry:         p.Retry,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		reportDir:     reportDir,
		lastFlush:     p.Clock.Now(),
		entropy:       ulid.Monotonic(rand.Reader, 0),
	}
}

var _ domain.Tracker = (*Tracker)(nil)

func (t *Tracker) RecordUsage(ctx context.Context, action domain.ActionType, sampleName string, details map[string]any) (string, error) {
	if !action.Valid() {
		return "", domain.ErrInvalidAction
	}
	sampleName = strings.TrimSpace(sampleName)
	if sampleName == "" {
		return "", domain.ErrInvalidSampleName
	}

	key, err := t.machineKey(ctx)
	if err != nil {
		return "", err
	}

	var blob string
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return "", fmt.Errorf("encode details: %w", err)
		}
		sealed, err := t.enc.Encrypt(ctx, raw, key)
		if err != nil {
			return "", err
		}
		blob = string(sealed)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return "", domain.ErrTrackerClosed
	}

	now := t.clock.Now().UTC().Truncate(time.Millisecond)
	recordID, err := ulid.New(ulid.Timestamp(now), t.entropy)
	if err != nil {
		return "", fmt.Errorf("generate record id: %w", err)
	}

	fields := integritydomain.Fields{
		RecordID:   recordID.String(),
		Timestamp:  now,
		ActionType: string(action),
		SampleName: sampleName,
		SampleHash: SampleHash(sampleName),
	}
	checksum, err := t.checksums.Calculate(ctx, fields)
	if err != nil {
		return "", err
	}

	t.buffer = append(t.buffer, &domain.UsageRecord{
		RecordID:         fields.RecordID,
		Timestamp:        fields.Timestamp,
		ActionType:       fields.ActionType,
		SampleName:       fields.SampleName,
		SampleHash:       fields.SampleHash,
		DetailsEncrypted: blob,
		Checksum:         checksum,
	})
	t.metrics.RecordUsage(string(action))
	t.metrics.SetBuffered(len(t.buffer))

	if len(t.buffer) >= t.batchSize || now.Sub(t.lastFlush) >= t.flushInterval {
		if err := t.flushLocked(ctx); err != nil {
			// the record stays buffered and is written by the next flush
			logger.WithContext(ctx, t.log).Warn("flush after record failed", zap.Error(err))
		}
	}

	return fields.RecordID, nil
}

func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked(ctx)
}

// FlushIfDue flushes only when the flush interval has elapsed.
func (t *Tracker) FlushIfDue(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buffer) == 0 || t.clock.Now().Sub(t.lastFlush) < t.flushInterval {
		return nil
	}
	return t.flushLocked(ctx)
}

func (t *Tracker) flushLocked(ctx context.Context) error {
	if len(t.buffer) == 0 {
		t.lastFlush = t.clock.Now()
		return nil
	}

	batch := t.buffer
	stats := dailyIncrements(batch, t.clock.Now())

	err := retry.Do(ctx, t.retry, func(ctx context.Context) error {
		return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := t.repo.InsertRecords(ctx, tx, batch); err != nil {
				return err
			}
			return t.repo.IncrementDailyStats(ctx, tx, stats)
		})
	})
	if err != nil {
		t.metrics.RecordFlush(0, len(t.buffer))
		return &localstore.StorageError{Op: "flush", Err: err}
	}

	t.buffer = nil
	t.lastFlush = t.clock.Now()
	t.metrics.RecordFlush(len(batch), 0)
	t.metrics.SetBuffered(0)
	logger.WithContext(ctx, t.log).Debug("usage records flushed", zap.Int("records", len(batch)))
	return nil
}

func (t *Tracker) GetUsageStats(ctx context.Context, days int) (domain.Stats, error) {
	if days <= 0 {
		return domain.Stats{}, domain.ErrInvalidWindow
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	since := t.clock.Now().Add(-time.Duration(days) * 24 * time.Hour)
	persisted, err := t.repo.ListSince(ctx, t.db, since)
	if err != nil {
		return domain.Stats{}, &localstore.StorageError{Op: "read", Err: err}
	}

	records := make([]domain.UsageRecord, 0, len(persisted)+len(t.buffer))
	records = append(records, persisted...)
	for _, rec := range t.buffer {
		if !rec.Timestamp.Before(since) {
			records = append(records, *rec)
		}
	}

	totals, daily := aggregate(records)
	return domain.Stats{
		Days:   days,
		Since:  since,
		Totals: totals,
		Daily:  daily,
	}, nil
}

// ExportUsageReport writes an encrypted report of every unreported record in
// the trailing window under today's report date and marks those records
// reported. An empty outputFile writes into the configured report directory. A report date is claimed once per license: a second export on the
// same day returns ErrReportAlreadyExported, writes nothing and leaves the
// records for the next report.
func (t *Tracker) ExportUsageReport(ctx context.Context, outputFile string, days int) (usagereport.Report, error) {
	if days <= 0 {
		return usagereport.Report{}, domain.ErrInvalidWindow
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now().UTC()
	report, _, err := t.exportLocked(ctx, exportRequest{
		outputFile: outputFile,
		outputDir:  t.reportDir,
		reportDay:  now,
		since:      now.Add(-time.Duration(days) * 24 * time.Hour),
		before:     startOfDay(now).Add(24 * time.Hour),
		days:       days,
		allowEmpty: true,
	})
	return report, err
}

// ExportCompletedDay exports the unreported records of the window that ended
// before today, dated yesterday, into outputDir. Days still in progress are
// never exported, so later usage on the same day cannot collide with an
// already imported report. Returns ErrNothingToReport when there is no such
// record and ErrReportAlreadyExported when yesterday is already claimed; in
// both cases the records wait for the next completed day.
func (t *Tracker) ExportCompletedDay(ctx context.Context, outputDir string, days int) (usagereport.Report, string, error) {
	if days <= 0 {
		return usagereport.Report{}, "", domain.ErrInvalidWindow
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	today := startOfDay(t.clock.Now().UTC())
	return t.exportLocked(ctx, exportRequest{
		outputDir: outputDir,
		reportDay: today.Add(-24 * time.Hour),
		since:     today.Add(-time.Duration(days) * 24 * time.Hour),
		before:    today,
		days:      days,
	})
}

// ListExports returns the most recent claimed report dates.
func (t *Tracker) ListExports(ctx context.Context, limit int) ([]domain.ReportExport, error) {
	exports, err := t.repo.ListExports(ctx, t.db, limit)
	if err != nil {
		return nil, &localstore.StorageError{Op: "read", Err: err}
	}
	return exports, nil
}

type exportRequest struct {
	outputFile string
	outputDir  string
	reportDay  time.Time
	since      time.Time
	before     time.Time
	days       int
	allowEmpty bool
}

// exportLocked selects, seals and writes one report, then claims its date and
// marks the records reported in a single transaction. Callers hold t.mu.
func (t *Tracker) exportLocked(ctx context.Context, req exportRequest) (usagereport.Report, string, error) {
	if err := t.flushLocked(ctx); err != nil {
		return usagereport.Report{}, "", err
	}

	license, err := t.licenseRepo.Get(ctx, t.db)
	if err != nil {
		return usagereport.Report{}, "", &localstore.StorageError{Op: "read license", Err: err}
	}
	if license == nil {
		return usagereport.Report{}, "", domain.ErrNoLicense
	}

	machineID, err := t.identity.MachineID(ctx)
	if err != nil {
		return usagereport.Report{}, "", err
	}

	reportDate := req.reportDay.Format(usagereport.DateLayout)
	claimed, err := t.repo.FindExport(ctx, t.db, license.LicenseKey, reportDate)
	if err != nil {
		return usagereport.Report{}, "", &localstore.StorageError{Op: "read", Err: err}
	}
	if claimed != nil {
		return usagereport.Report{}, "", fmt.Errorf("%w: %s", domain.ErrReportAlreadyExported, reportDate)
	}

	records, err := t.repo.ListUnreportedBetween(ctx, t.db, req.since, req.before)
	if err != nil {
		return usagereport.Report{}, "", &localstore.StorageError{Op: "read", Err: err}
	}
	if len(records) == 0 && !req.allowEmpty {
		return usagereport.Report{}, "", domain.ErrNothingToReport
	}

	periodStart := req.since
	if !req.allowEmpty {
		periodStart = records[0].Timestamp.UTC()
	}

	now := t.clock.Now()
	totals, daily := aggregate(records)
	report := usagereport.Report{
		LicenseKey:  license.LicenseKey,
		CustomerID:  license.CustomerID,
		MachineID:   machineID,
		ReportDate:  reportDate,
		PeriodStart: periodStart.Format(usagereport.DateLayout),
		PeriodEnd:   reportDate,
		UsageStats: usagereport.UsageStats{
			TotalSamplesLoaded: totals.SamplesLoaded,
			TotalExports:       totals.Exports,
			TotalSplits:        totals.Splits,
			UniqueSamples:      totals.UniqueSamples,
			TotalRecords:       totals.Records,
			PeriodDays:         req.days,
		},
		DailyStats:  make([]usagereport.DailyStat, 0, len(daily)),
		Records:     make([]usagereport.RecordDetail, 0, len(records)),
		GeneratedAt: now,
	}
	for _, d := range daily {
		report.DailyStats = append(report.DailyStats, usagereport.DailyStat{
			Date:          d.Date,
			SamplesLoaded: d.SamplesLoaded,
			Exports:       d.Exports,
			Splits:        d.Splits,
		})
	}

	checksums := make([]string, 0, len(records))
	recordIDs := make([]string, 0, len(records))
	for _, rec := range records {
		report.Records = append(report.Records, usagereport.RecordDetail{
			RecordID:   rec.RecordID,
			Timestamp:  rec.Timestamp,
			ActionType: rec.ActionType,
			SampleName: rec.SampleName,
			SampleHash: rec.SampleHash,
			Checksum:   rec.Checksum,
		})
		checksums = append(checksums, rec.Checksum)
		recordIDs = append(recordIDs, rec.RecordID)
	}
	report.IntegrityCheck = integrityservice.OverallChecksum(checksums)

	outputFile := req.outputFile
	if outputFile == "" {
		outputFile = filepath.Join(req.outputDir, usagereport.FileName(machineID, reportDate))
	}

	key, err := t.machineKey(ctx)
	if err != nil {
		return usagereport.Report{}, "", err
	}
	data, err := t.codec.Seal(ctx, report, key)
	if err != nil {
		return usagereport.Report{}, "", err
	}
	if err := writeFileAtomic(outputFile, data); err != nil {
		return usagereport.Report{}, "", fmt.Errorf("write report: %w", err)
	}

	claim := &domain.ReportExport{
		LicenseKey:     license.LicenseKey,
		ReportDate:     reportDate,
		FileName:       filepath.Base(outputFile),
		Records:        totals.Records,
		IntegrityCheck: report.IntegrityCheck,
		ExportedAt:     now,
	}
	err = retry.Do(ctx, t.retry, func(ctx context.Context) error {
		return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := t.repo.InsertExport(ctx, tx, claim); err != nil {
				return err
			}
			return t.repo.MarkReported(ctx, tx, recordIDs, now)
		})
	})
	if err != nil {
		// an unclaimed artifact must not be imported
		_ = os.Remove(outputFile)
		return usagereport.Report{}, "", &localstore.StorageError{Op: "mark reported", Err: err}
	}

	t.metrics.RecordReportExported()
	logger.WithContext(ctx, t.log).Info("usage report exported",
		zap.String("file", outputFile),
		zap.String("report_date", reportDate),
		zap.Int("records", len(records)),
		zap.Int64("unique_samples", totals.UniqueSamples),
	)
	return report, outputFile, nil
}

func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	err := t.flushLocked(ctx)
	t.closed = true
	return err
}

func (t *Tracker) machineKey(ctx context.Context) (encryption.Key, error) {
	t.keyMu.Lock()
	defer t.keyMu.Unlock()
	if t.key.Valid() {
		return t.key, nil
	}
	machineID, err := t.identity.MachineID(ctx)
	if err != nil {
		return encryption.Key{}, err
	}
	t.key = encryption.KeyFromMachineID(machineID)
	return t.key, nil
}

// SampleHash fingerprints a sample name so unique samples can be counted
// without comparing raw names.
func SampleHash(sampleName string) string {
	sum := md5.Sum([]byte(sampleName))
	return hex.EncodeToString(sum[:])
}

func aggregate(records []domain.UsageRecord) (domain.Totals, []domain.DayStats) {
	var totals domain.Totals
	unique := make(map[string]struct{})
	days := make(map[string]*domain.DayStats)

	for _, rec := range records {
		date := rec.Timestamp.UTC().Format(usagereport.DateLayout)
		day, ok := days[date]
		if !ok {
			day = &domain.DayStats{Date: date}
			days[date] = day
		}

		totals.Records++
		switch domain.ActionType(rec.ActionType) {
		case domain.ActionLoadSample:
			totals.SamplesLoaded++
			day.SamplesLoaded++
		case domain.ActionExportData:
			totals.Exports++
			day.Exports++
		case domain.ActionSplitMetabolites:
			totals.Splits++
			day.Splits++
		}
		unique[rec.SampleHash] = struct{}{}
	}
	totals.UniqueSamples = int64(len(unique))

	daily := make([]domain.DayStats, 0, len(days))
	for _, day := range days {
		daily = append(daily, *day)
	}
	sort.Slice(daily, func(i, j int) bool { return daily[i].Date < daily[j].Date })
	return totals, daily
}

func dailyIncrements(batch []*domain.UsageRecord, now time.Time) []domain.DailyStat {
	records := make([]domain.UsageRecord, 0, len(batch))
	for _, rec := range batch {
		records = append(records, *rec)
	}
	_, daily := aggregate(records)

	out := make([]domain.DailyStat, 0, len(daily))
	for _, d := range daily {
		out = append(out, domain.DailyStat{
			Date:          d.Date,
			SamplesLoaded: d.SamplesLoaded,
			Exports:       d.Exports,
			Splits:        d.Splits,
			UpdatedAt:     now,
		})
	}
	return out
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".usage_report-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func(err error) error {
		_ = os.Remove(tmpName)
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		return cleanup(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return cleanup(err)
	}
	return nil
}
