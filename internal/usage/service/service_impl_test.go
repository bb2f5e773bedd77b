package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/encryption"
	"github.com/smallbiznis/licensegate/internal/identity"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	integrityservice "github.com/smallbiznis/licensegate/internal/integrity/service"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	licenserepo "github.com/smallbiznis/licensegate/internal/license/repository"
	"github.com/smallbiznis/licensegate/internal/localstore"
	"github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/repository"
	"github.com/smallbiznis/licensegate/internal/usagereport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testMachine = "machine-test-0001"

type harness struct {
	tracker *Tracker
	db      *gorm.DB
	clock   *clock.FakeClock
	checks  *integrityservice.Checksummer
}

func setupTracker(t *testing.T, batchSize int) *harness {
	t.Helper()

	db, err := localstore.Open(context.Background(), localstore.Options{
		Path: filepath.Join(t.TempDir(), "usage_tracking.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	fake := clock.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	src := identity.Static(testMachine)
	checks := integrityservice.NewChecksummer(src, "TEST_SEED")

	cfg := config.Config{Client: config.ClientConfig{BatchSize: batchSize, FlushInterval: time.Minute}}
	tracker := NewTracker(Params{
		DB:          db,
		Log:         zap.NewNop(),
		Config:      cfg,
		Clock:       fake,
		Repo:        repository.Provide(),
		LicenseRepo: licenserepo.Provide(),
		Identity:    src,
		Checksummer: checks,
		Encryption:  encryption.New(),
	})
	return &harness{tracker: tracker, db: db, clock: fake, checks: checks}
}

func (h *harness) installLicense(t *testing.T) {
	t.Helper()
	err := licenserepo.Provide().Save(context.Background(), h.db, &licensedomain.LicenseInfo{
		LicenseKey: "DESI-0A1B2C3D-4E5F6071-ABCD",
		CustomerID: "CUST-1A2B3C4D",
		Status:     "active",
		ExpiresAt:  h.clock.Now().Add(365 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("save license: %v", err)
	}
}

func (h *harness) persisted(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := h.db.Model(&domain.UsageRecord{}).Count(&n).Error; err != nil {
		t.Fatalf("count records: %v", err)
	}
	return n
}

func TestRecordUsageValidatesInput(t *testing.T) {
	h := setupTracker(t, 10)
	ctx := context.Background()

	if _, err := h.tracker.RecordUsage(ctx, "view_history", "a.imzML", nil); !errors.Is(err, domain.ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	if _, err := h.tracker.RecordUsage(ctx, domain.ActionLoadSample, "   ", nil); !errors.Is(err, domain.ErrInvalidSampleName) {
		t.Fatalf("expected ErrInvalidSampleName, got %v", err)
	}
}

func TestRecordUsageBuffersUntilBatchSize(t *testing.T) {
	h := setupTracker(t, 3)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := h.tracker.RecordUsage(ctx, domain.ActionLoadSample, "a.imzML", nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if got := h.persisted(t); got != 0 {
		t.Fatalf("expected nothing persisted before batch is full, got %d", got)
	}

	if _, err := h.tracker.RecordUsage(ctx, domain.ActionExportData, "a.imzML", map[string]any{"format": "csv"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got := h.persisted(t); got != 3 {
		t.Fatalf("expected 3 persisted records, got %d", got)
	}

	var stat domain.DailyStat
	require.NoError(t, h.db.First(&stat, "date = ?", "2025-03-10").Error)
	assert.Equal(t, int64(2), stat.SamplesLoaded)
	assert.Equal(t, int64(1), stat.Exports)
}

func TestRecordUsageFlushesAfterInterval(t *testing.T) {
	h := setupTracker(t, 100)
	ctx := context.Background()

	_, err := h.tracker.RecordUsage(ctx, domain.ActionLoadSample, "a.imzML", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.persisted(t))

	h.clock.Advance(61 * time.Second)
	_, err = h.tracker.RecordUsage(ctx, domain.ActionLoadSample, "b.imzML", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), h.persisted(t))
}

func TestStoredRecordsCarryValidChecksumsAndEncryptedDetails(t *testing.T) {
	h := setupTracker(t, 1)
	ctx := context.Background()

	id, err := h.tracker.RecordUsage(ctx, domain.ActionSplitMetabolites, "liver.imzML", map[string]any{"mz": 760.5})
	require.NoError(t, err)

	var rec domain.UsageRecord
	require.NoError(t, h.db.First(&rec, "record_id = ?", id).Error)
	assert.Equal(t, SampleHash("liver.imzML"), rec.SampleHash)
	assert.NotContains(t, rec.DetailsEncrypted, "760.5")

	plain, err := encryption.New().Decrypt([]byte(rec.DetailsEncrypted), encryption.KeyFromMachineID(testMachine))
	require.NoError(t, err)
	assert.JSONEq(t, `{"mz":760.5}`, string(plain))

	err = h.checks.Verify(ctx, integritydomain.Record{
		Fields: integritydomain.Fields{
			RecordID:   rec.RecordID,
			Timestamp:  rec.Timestamp,
			ActionType: rec.ActionType,
			SampleName: rec.SampleName,
			SampleHash: rec.SampleHash,
		},
		Checksum: rec.Checksum,
	})
	assert.NoError(t, err)
}

func TestGetUsageStatsIncludesBufferedRecords(t *testing.T) {
	h := setupTracker(t, 2)
	ctx := context.Background()

	record := func(action domain.ActionType, sample string) {
		t.Helper()
		if _, err := h.tracker.RecordUsage(ctx, action, sample, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	record(domain.ActionLoadSample, "a.imzML")
	record(domain.ActionLoadSample, "a.imzML")
	h.clock.Advance(24 * time.Hour)
	record(domain.ActionExportData, "b.imzML")

	stats, err := h.tracker.GetUsageStats(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Totals.Records)
	assert.Equal(t, int64(2), stats.Totals.SamplesLoaded)
	assert.Equal(t, int64(1), stats.Totals.Exports)
	assert.Equal(t, int64(2), stats.Totals.UniqueSamples)
	require.Len(t, stats.Daily, 2)
	assert.Equal(t, "2025-03-10", stats.Daily[0].Date)
	assert.Equal(t, "2025-03-11", stats.Daily[1].Date)

	_, err = h.tracker.GetUsageStats(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidWindow)
}

func TestExportUsageReportMarksRecordsReported(t *testing.T) {
	h := setupTracker(t, 10)
	ctx := context.Background()

	_, err := h.tracker.ExportUsageReport(ctx, filepath.Join(t.TempDir(), "r.enc"), 30)
	assert.ErrorIs(t, err, domain.ErrNoLicense)

	h.installLicense(t)
	for _, sample := range []string{"a.imzML", "a.imzML", "a.imzML"} {
		_, err := h.tracker.RecordUsage(ctx, domain.ActionLoadSample, sample, nil)
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := h.tracker.RecordUsage(ctx, domain.ActionExportData, "a.imzML", nil)
		require.NoError(t, err)
	}

	out := filepath.Join(t.TempDir(), "reports", "usage.enc")
	report, err := h.tracker.ExportUsageReport(ctx, out, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.UsageStats.TotalSamplesLoaded)
	assert.Equal(t, int64(2), report.UsageStats.TotalExports)
	assert.Equal(t, int64(1), report.UsageStats.UniqueSamples)
	assert.Len(t, report.Records, 5)
	assert.Equal(t, "2025-03-10", report.ReportDate)
	assert.Equal(t, "2025-02-08", report.PeriodStart)

	var unreported int64
	require.NoError(t, h.db.Model(&domain.UsageRecord{}).Where("reported = ?", false).Count(&unreported).Error)
	assert.Equal(t, int64(0), unreported)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	artifact, err := usagereport.ReadArtifact(data)
	require.NoError(t, err)
	opened, _, err := usagereport.NewCodec(encryption.New()).Open(ctx, artifact,
		encryption.StaticKeys{encryption.KeyFromMachineID(testMachine)})
	require.NoError(t, err)
	assert.Equal(t, report.IntegrityCheck, opened.IntegrityCheck)

	// today's report date is claimed; a second export would be rejected on import
	_, err = h.tracker.RecordUsage(ctx, domain.ActionLoadSample, "b.imzML", nil)
	require.NoError(t, err)
	again := filepath.Join(t.TempDir(), "again.enc")
	_, err = h.tracker.ExportUsageReport(ctx, again, 30)
	assert.ErrorIs(t, err, domain.ErrReportAlreadyExported)
	_, statErr := os.Stat(again)
	assert.True(t, os.IsNotExist(statErr))
	require.NoError(t, h.db.Model(&domain.UsageRecord{}).Where("reported = ?", false).Count(&unreported).Error)
	assert.Equal(t, int64(1), unreported)
}

func TestExportCompletedDayClaimsEachDateOnce(t *testing.T) {
	h := setupTracker(t, 10)
	ctx := context.Background()
	h.installLicense(t)
	dir := filepath.Join(t.TempDir(), "reports")

	record := func(sample string) {
		t.Helper()
		if _, err := h.tracker.RecordUsage(ctx, domain.ActionLoadSample, sample, nil); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	// 2025-03-10: one load, then four more a few minutes later
	record("a.imzML")
	_, _, err := h.tracker.ExportCompletedDay(ctx, dir, 30)
	assert.ErrorIs(t, err, domain.ErrNothingToReport)
	h.clock.Advance(5 * time.Minute)
	for i := 0; i < 4; i++ {
		record("b.imzML")
	}
	_, _, err = h.tracker.ExportCompletedDay(ctx, dir, 30)
	assert.ErrorIs(t, err, domain.ErrNothingToReport)

	h.clock.Set(time.Date(2025, 3, 11, 0, 10, 0, 0, time.UTC))
	report, path, err := h.tracker.ExportCompletedDay(ctx, dir, 30)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", report.ReportDate)
	assert.Equal(t, "2025-03-10", report.PeriodStart)
	assert.Equal(t, "2025-03-10", report.PeriodEnd)
	assert.Equal(t, int64(5), report.UsageStats.TotalRecords)
	assert.Equal(t, filepath.Join(dir, usagereport.FileName(testMachine, "2025-03-10")), path)

	_, _, err = h.tracker.ExportCompletedDay(ctx, dir, 30)
	assert.ErrorIs(t, err, domain.ErrReportAlreadyExported)

	// a manual export claims today; usage recorded after it rides in a later report
	record("c.imzML")
	manual, err := h.tracker.ExportUsageReport(ctx, filepath.Join(dir, "manual.enc"), 30)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-11", manual.ReportDate)
	assert.Equal(t, int64(1), manual.UsageStats.TotalRecords)
	record("d.imzML")

	h.clock.Set(time.Date(2025, 3, 12, 0, 10, 0, 0, time.UTC))
	_, _, err = h.tracker.ExportCompletedDay(ctx, dir, 30)
	assert.ErrorIs(t, err, domain.ErrReportAlreadyExported)

	h.clock.Set(time.Date(2025, 3, 13, 0, 10, 0, 0, time.UTC))
	late, _, err := h.tracker.ExportCompletedDay(ctx, dir, 30)
	require.NoError(t, err)
	assert.Equal(t, "2025-03-12", late.ReportDate)
	assert.Equal(t, "2025-03-11", late.PeriodStart)
	require.Len(t, late.Records, 1)
	assert.Equal(t, "d.imzML", late.Records[0].SampleName)

	exports, err := h.tracker.ListExports(ctx, 10)
	require.NoError(t, err)
	require.Len(t, exports, 3)
	assert.Equal(t, "2025-03-12", exports[0].ReportDate)
	assert.Equal(t, int64(1), exports[0].Records)
}

func TestConcurrentRecordingIsSerialized(t *testing.T) {
	h := setupTracker(t, 7)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make(chan string, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := h.tracker.RecordUsage(ctx, domain.ActionLoadSample, "a.imzML", nil)
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	require.NoError(t, h.tracker.Close(ctx))
	assert.Equal(t, int64(40), h.persisted(t))

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate record id %s", id)
		seen[id] = true
	}

	_, err := h.tracker.RecordUsage(ctx, domain.ActionLoadSample, "a.imzML", nil)
	assert.ErrorIs(t, err, domain.ErrTrackerClosed)
}
