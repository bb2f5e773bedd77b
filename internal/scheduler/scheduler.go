package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/licensegate/internal/clock"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/licensegate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobInvoiceOverdue = "invoice_overdue"
	JobLicenseExpiry  = "license_expiry"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log         *zap.Logger
	InvoiceSvc  invoicedomain.Service
	CustomerSvc customerdomain.Service
	GenID       *snowflake.Node
	Clock       clock.Clock
	Metrics     *obsmetrics.Metrics `optional:"true"`
	Config      Config              `optional:"true"`
}

// Scheduler runs the admin housekeeping jobs: invoices past their due date
// become overdue and customers past their license expiry become expired.
type Scheduler struct {
	log         *zap.Logger
	cfg         Config
	genID       *snowflake.Node
	clock       clock.Clock
	metrics     *obsmetrics.Metrics
	invoiceSvc  invoicedomain.Service
	customerSvc customerdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.InvoiceSvc == nil || p.CustomerSvc == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:         p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:         p.Config.withDefaults(),
		genID:       p.GenID,
		clock:       p.Clock,
		metrics:     p.Metrics,
		invoiceSvc:  p.InvoiceSvc,
		customerSvc: p.CustomerSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) (int64, error)) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx, run)

	processed, err := fn(ctx)
	run.AddProcessed(processed)
	if err != nil {
		run.IncError()
	}
	s.metrics.ObserveJob(name, s.clock.Now().Sub(start), err)
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout, the next tick retries
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job once and joins their errors.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) (int64, error)
	}{
		{JobInvoiceOverdue, s.InvoiceOverdueJob},
		{JobLicenseExpiry, s.LicenseExpiryJob},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(strings.TrimSpace(enabled), jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) InvoiceOverdueJob(ctx context.Context) (int64, error) {
	return s.invoiceSvc.MarkOverdue(ctx, s.clock.Now())
}

func (s *Scheduler) LicenseExpiryJob(ctx context.Context) (int64, error) {
	return s.customerSvc.RefreshExpiredStatuses(ctx, s.clock.Now())
}
