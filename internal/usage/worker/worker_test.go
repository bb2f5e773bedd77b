package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/encryption"
	"github.com/smallbiznis/licensegate/internal/identity"
	integrityservice "github.com/smallbiznis/licensegate/internal/integrity/service"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	licenserepo "github.com/smallbiznis/licensegate/internal/license/repository"
	"github.com/smallbiznis/licensegate/internal/localstore"
	"github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/repository"
	"github.com/smallbiznis/licensegate/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupWorker(t *testing.T, cfg Config) (*Worker, *service.Tracker, *clock.FakeClock, *gorm.DB) {
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

	fake := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 30, 45, 0, time.UTC))
	src := identity.Static("3f9a0c1d2e4b5a6978877665544332211")
	tracker := service.NewTracker(service.Params{
		DB:          db,
		Log:         zap.NewNop(),
		Config:      config.Config{Client: config.ClientConfig{BatchSize: 50}},
		Clock:       fake,
		Repo:        repository.Provide(),
		LicenseRepo: licenserepo.Provide(),
		Identity:    src,
		Checksummer: integrityservice.NewChecksummer(src, "TEST_SEED"),
		Encryption:  encryption.New(),
	})

	w := NewWorker(Params{
		Tracker: tracker,
		Log:     zap.NewNop(),
		Config:  cfg,
	})
	return w, tracker, fake, db
}

func TestExportOnceWritesCompletedDaysOnly(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	w, tracker, fake, db := setupWorker(t, Config{ReportDir: dir})
	ctx := context.Background()

	if _, err := w.ExportOnce(ctx); !errors.Is(err, domain.ErrNoLicense) {
		t.Fatalf("expected ErrNoLicense before activation, got %v", err)
	}

	require.NoError(t, licenserepo.Provide().Save(ctx, db, &licensedomain.LicenseInfo{
		LicenseKey: "DESI-0A1B2C3D-4E5F6071-ABCD",
		CustomerID: "CUST-1A2B3C4D",
		Status:     "active",
		ExpiresAt:  time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC),
	}))
	_, err := tracker.RecordUsage(ctx, domain.ActionLoadSample, "kidney.imzML", nil)
	require.NoError(t, err)

	// the day is still open
	path, err := w.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, path)
	entries, _ := os.ReadDir(dir)
	assert.Empty(t, entries)

	fake.Advance(5 * time.Minute)
	for i := 0; i < 4; i++ {
		_, err := tracker.RecordUsage(ctx, domain.ActionLoadSample, "liver.imzML", nil)
		require.NoError(t, err)
	}
	path, err = w.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, path)

	fake.Set(time.Date(2025, 6, 2, 0, 5, 0, 0, time.UTC))
	path, err = w.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "usage_report_3f9a0c1d2e4b5a69_20250601.enc"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	var unreported int64
	require.NoError(t, db.Model(&domain.UsageRecord{}).Where("reported = ?", false).Count(&unreported).Error)
	assert.Equal(t, int64(0), unreported)

	// later ticks on the same day leave the claimed date alone
	fake.Advance(5 * time.Minute)
	path, err = w.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, path)
	entries, _ = os.ReadDir(dir)
	assert.Len(t, entries, 1)
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	w, _, _, _ := setupWorker(t, Config{
		FlushInterval:    10 * time.Millisecond,
		ReportStartDelay: time.Hour,
		ReportDir:        t.TempDir(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.RunForever(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("worker did not stop after cancel")
	}
}
