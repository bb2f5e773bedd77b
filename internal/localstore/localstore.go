// Package localstore opens the client-side sqlite database and repairs it
// when the file is unreadable.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/pkg/retry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrStorage = errors.New("storage_error")

// StorageError means the local store could not be opened even after a repair attempt.
type StorageError struct {
	Path   string
	Op     string
	Backup string
	Err    error
}

func (e *StorageError) Error() string {
	msg := fmt.Sprintf("local store %s: %s: %v", e.Path, e.Op, e.Err)
	if e.Backup != "" {
		msg += " (corrupt file kept at " + e.Backup + ")"
	}
	return msg
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Models are the tables owned by a client install.
func Models() []any {
	return []any{
		&usagedomain.UsageRecord{},
		&usagedomain.DailyStat{},
		&usagedomain.ReportExport{},
		&licensedomain.LicenseInfo{},
		&integritydomain.IntegrityCheck{},
	}
}

type Options struct {
	Path   string
	Log    *zap.Logger
	Retry  retry.Policy
	Now    func() time.Time
	Models []any
}

func (o Options) withDefaults() Options {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Models == nil {
		o.Models = Models()
	}
	return o
}

// Open returns a ready store. When the file fails to open, migrate or pass
// PRAGMA integrity_check, it is moved aside to a .backup file and one fresh
// store is created in its place.
func Open(ctx context.Context, opts Options) (*gorm.DB, error) {
	opts = opts.withDefaults()
	log := opts.Log.Named("localstore").With(zap.String("path", opts.Path))

	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StorageError{Path: opts.Path, Op: "mkdir", Err: err}
		}
	}

	var db *gorm.DB
	err := retry.Do(ctx, opts.Retry, func(ctx context.Context) error {
		var err error
		db, err = openOnce(ctx, opts)
		if err != nil && !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err == nil {
		return db, nil
	}

	log.Warn("local store unusable, attempting repair", zap.Error(err))

	backup, backupErr := moveAside(opts.Path, opts.Now())
	if backupErr != nil {
		return nil, &StorageError{Path: opts.Path, Op: "backup", Err: errors.Join(err, backupErr)}
	}

	db, err = openOnce(ctx, opts)
	if err != nil {
		return nil, &StorageError{Path: opts.Path, Op: "repair", Backup: backup, Err: err}
	}

	log.Info("local store recreated", zap.String("backup", backup))
	return db, nil
}

func openOnce(ctx context.Context, opts Options) (*gorm.DB, error) {
	dsn := opts.Path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.NewGormLogger(opts.Log, logger.DefaultGormLoggerConfig("client")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// a single writer keeps sqlite from returning SQLITE_BUSY under the tracker lock
	sqlDB.SetMaxOpenConns(1)

	if err := checkIntegrity(ctx, db); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	if err := db.WithContext(ctx).AutoMigrate(opts.Models...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func checkIntegrity(ctx context.Context, db *gorm.DB) error {
	var result string
	if err := db.WithContext(ctx).Raw("PRAGMA integrity_check").Scan(&result).Error; err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(result), "ok") {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// moveAside renames the damaged file so it can be inspected later. Sidecar
// journal files are removed so the fresh store does not replay them.
func moveAside(path string, now time.Time) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return "", nil
	}

	backup := path + ".backup"
	if _, err := os.Stat(backup); err == nil {
		backup = fmt.Sprintf("%s.backup.%s", path, now.UTC().Format("20060102T150405"))
	}
	if err := os.Rename(path, backup); err != nil {
		return "", err
	}
	for _, suffix := range []string{"-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
	return backup, nil
}
