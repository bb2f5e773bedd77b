package worker

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usage/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Params struct {
	fx.In

	Tracker *service.Tracker
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
	Config  Config           `optional:"true"`
}

// Worker runs the periodic flush and the delayed usage report export. These
// are the only background activities on a client install.
type Worker struct {
	tracker *service.Tracker
	log     *zap.Logger
	metrics *metrics.Metrics
	cfg     Config
}

func NewWorker(p Params) *Worker {
	return &Worker{
		tracker: p.Tracker,
		log:     p.Log.Named("usage.worker"),
		metrics: p.Metrics,
		cfg:     p.Config.withDefaults(),
	}
}

// RunForever blocks until ctx is cancelled.
func (w *Worker) RunForever(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.flushLoop(ctx)
		return nil
	})
	g.Go(func() error {
		w.reportLoop(ctx)
		return nil
	})
	return g.Wait()
}

func (w *Worker) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := w.runJob(ctx, "usage_flush", w.tracker.FlushIfDue); err != nil {
			w.log.Warn("usage flush failed", zap.Error(err))
		}
	}
}

func (w *Worker) reportLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(w.cfg.ReportStartDelay):
	}

	ticker := time.NewTicker(w.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		if _, err := w.ExportOnce(ctx); err != nil {
			if errors.Is(err, domain.ErrNoLicense) {
				w.log.Debug("usage report skipped, no license installed")
			} else {
				w.log.Warn("usage report export failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ExportOnce exports the last completed day when it holds unreported usage
// and returns the written path. An empty path with a nil error means there
// was nothing to export yet.
func (w *Worker) ExportOnce(ctx context.Context) (string, error) {
	var path string
	err := w.runJob(ctx, "usage_report", func(ctx context.Context) error {
		_, written, err := w.tracker.ExportCompletedDay(ctx, w.cfg.ReportDir, w.cfg.ReportWindowDays)
		switch {
		case errors.Is(err, domain.ErrNothingToReport):
			return nil
		case errors.Is(err, domain.ErrReportAlreadyExported):
			w.log.Debug("usage report skipped, report date already exported", zap.Error(err))
			return nil
		case err != nil:
			return err
		}
		path = written
		return nil
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (w *Worker) runJob(parent context.Context, job string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, w.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	w.metrics.ObserveJob(job, time.Since(start), err)
	return err
}
