package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
	invoiceformat "github.com/smallbiznis/licensegate/internal/invoice/format"
	"github.com/smallbiznis/licensegate/internal/invoice/render"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	reportdomain "github.com/smallbiznis/licensegate/internal/reportimport/domain"
	"github.com/smallbiznis/licensegate/internal/usagereport"
	"github.com/smallbiznis/licensegate/pkg/db"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxNumberAttempts = 3
	daysPerMonth      = 30
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Repo      invoicedomain.Repository
	Customers customerdomain.Service
	Importer  reportdomain.Service
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.BillingConfig
	repo      invoicedomain.Repository
	customers customerdomain.Service
	importer  reportdomain.Service
	metrics   *metrics.Metrics
}

func NewService(p ServiceParam) *Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config.Billing,
		repo:      p.Repo,
		customers: p.Customers,
		importer:  p.Importer,
		metrics:   p.Metrics,
	}
}

var _ invoicedomain.Service = (*Service)(nil)

// GenerateInvoice bills one customer for one period. A period is billed at
// most once; nothing is written when aggregation fails.
func (s *Service) GenerateInvoice(ctx context.Context, req invoicedomain.GenerateInvoiceRequest) (invoicedomain.Invoice, error) {
	start, err := time.Parse(usagereport.DateLayout, strings.TrimSpace(req.PeriodStart))
	if err != nil {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: period_start %q", invoicedomain.ErrInvalidPeriod, req.PeriodStart)
	}
	end, err := time.Parse(usagereport.DateLayout, strings.TrimSpace(req.PeriodEnd))
	if err != nil {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: period_end %q", invoicedomain.ErrInvalidPeriod, req.PeriodEnd)
	}
	if end.Before(start) {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: period ends before it starts", invoicedomain.ErrInvalidPeriod)
	}
	periodStart, periodEnd := start.Format(usagereport.DateLayout), end.Format(usagereport.DateLayout)

	customer, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	existing, err := s.repo.FindByPeriod(ctx, s.db, customer.CustomerID, periodStart, periodEnd)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if existing != nil {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: %s", invoicedomain.ErrInvoiceExists, existing.InvoiceID)
	}

	usage, err := s.repo.AggregateUsage(ctx, s.db, customer.CustomerID, periodStart, periodEnd)
	if err != nil {
		return invoicedomain.Invoice{}, fmt.Errorf("aggregate usage: %w", err)
	}

	taxRate := s.cfg.TaxRate
	if req.TaxRate != nil {
		taxRate = *req.TaxRate
	}
	amounts, err := Compute(invoicedomain.BillingConfig{
		Mode:            customer.BillingMode,
		UnitPrice:       customer.UnitPrice,
		SubscriptionFee: customer.SubscriptionFee,
		IncludedUsage:   customer.IncludedUsage,
		TaxRate:         taxRate,
	}, usage)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	now := s.clock.Now().UTC()
	invoice := invoicedomain.Invoice{
		CustomerID:      customer.CustomerID,
		PeriodStart:     periodStart,
		PeriodEnd:       periodEnd,
		BillingMode:     customer.BillingMode,
		TotalLoads:      usage.Loads,
		TotalExports:    usage.Exports,
		TotalSplits:     usage.Splits,
		UniqueSamples:   usage.UniqueSamples,
		TotalOperations: usage.Operations(),
		UnitPrice:       customer.UnitPrice,
		SubscriptionFee: customer.SubscriptionFee,
		IncludedUsage:   customer.IncludedUsage,
		Subtotal:        amounts.Subtotal,
		TaxRate:         taxRate,
		TaxAmount:       amounts.TaxAmount,
		TotalAmount:     amounts.Total,
		Status:          invoicedomain.InvoiceStatusPending,
		IssuedAt:        now,
		Notes:           strings.TrimSpace(req.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if s.cfg.InvoiceDueDays > 0 {
		due := now.AddDate(0, 0, s.cfg.InvoiceDueDays)
		invoice.DueAt = &due
	}

	for attempt := 1; ; attempt++ {
		invoice.ID = s.genID.Generate()
		number, err := invoiceformat.FormatInvoiceNumber(invoiceformat.DefaultInvoiceNumberTemplate, now, invoiceformat.Tokens{
			Hex: strings.ReplaceAll(uuid.NewString(), "-", ""),
		})
		if err != nil {
			return invoicedomain.Invoice{}, err
		}
		invoice.InvoiceID = number

		err = s.repo.Insert(ctx, s.db, &invoice)
		if err == nil {
			break
		}
		if !db.IsDuplicateKeyErr(err) {
			return invoicedomain.Invoice{}, err
		}
		// a concurrent generation for the same period wins
		if other, ferr := s.repo.FindByPeriod(ctx, s.db, customer.CustomerID, periodStart, periodEnd); ferr == nil && other != nil {
			return invoicedomain.Invoice{}, fmt.Errorf("%w: %s", invoicedomain.ErrInvoiceExists, other.InvoiceID)
		}
		if attempt == maxNumberAttempts {
			return invoicedomain.Invoice{}, err
		}
	}

	s.metrics.RecordInvoice(string(invoice.BillingMode))
	logger.WithContext(ctx, s.log).Info("invoice generated",
		zap.String("invoice_id", invoice.InvoiceID),
		zap.String("customer_id", invoice.CustomerID),
		zap.String("period_start", periodStart),
		zap.String("period_end", periodEnd),
		zap.Int64("total_amount", invoice.TotalAmount),
	)
	return invoice, nil
}

func (s *Service) GenerateQuarterlyInvoice(ctx context.Context, customerID, quarter string) (invoicedomain.Invoice, error) {
	q, err := ParseQuarter(strings.TrimSpace(quarter))
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	return s.GenerateInvoice(ctx, invoicedomain.GenerateInvoiceRequest{
		CustomerID:  customerID,
		PeriodStart: q.Start().Format(usagereport.DateLayout),
		PeriodEnd:   q.End().Format(usagereport.DateLayout),
		Notes:       "Quarterly usage " + q.String(),
	})
}

func (s *Service) GetByID(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error) {
	item, err := s.repo.FindByInvoiceID(ctx, s.db, strings.TrimSpace(invoiceID))
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if item == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	filter := invoicedomain.ListInvoiceFilter{
		CustomerID: strings.TrimSpace(req.CustomerID),
		Status:     req.Status,
	}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, err
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return invoicedomain.ListInvoiceResponse{}, pagination.ErrInvalidPageToken
		}
		filter.AfterID = id
	}

	size := req.Size()
	filter.Limit = size + 1
	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	items, pageInfo := pagination.Page(items, size, func(inv *invoicedomain.Invoice) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: inv.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	invoices := make([]invoicedomain.Invoice, 0, len(items))
	for _, item := range items {
		invoices = append(invoices, *item)
	}
	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: invoices}, nil
}

func (s *Service) MarkSent(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatusSent, func(inv *invoicedomain.Invoice, now time.Time) {
		inv.SentAt = &now
	}, invoicedomain.InvoiceStatusPending)
}

func (s *Service) MarkPaid(ctx context.Context, invoiceID string) (invoicedomain.Invoice, error) {
	return s.transition(ctx, invoiceID, invoicedomain.InvoiceStatusPaid, func(inv *invoicedomain.Invoice, now time.Time) {
		inv.PaidAt = &now
	}, invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusSent, invoicedomain.InvoiceStatusOverdue)
}

// MarkOverdue moves pending and sent invoices past their due date to overdue.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.MarkOverdue(ctx, s.db, now.UTC())
}

func (s *Service) transition(
	ctx context.Context,
	invoiceID string,
	to invoicedomain.InvoiceStatus,
	apply func(*invoicedomain.Invoice, time.Time),
	from ...invoicedomain.InvoiceStatus,
) (invoicedomain.Invoice, error) {
	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	allowed := false
	for _, status := range from {
		if invoice.Status == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return invoicedomain.Invoice{}, fmt.Errorf("%w: %s -> %s", invoicedomain.ErrInvalidTransition, invoice.Status, to)
	}

	now := s.clock.Now().UTC()
	invoice.Status = to
	invoice.UpdatedAt = now
	apply(&invoice, now)
	if err := s.repo.Update(ctx, s.db, &invoice); err != nil {
		return invoicedomain.Invoice{}, err
	}

	logger.WithContext(ctx, s.log).Info("invoice status changed",
		zap.String("invoice_id", invoice.InvoiceID),
		zap.String("status", string(to)),
	)
	return invoice, nil
}

// ExtendLicenseAfterPayment pushes the license expiry out by months of 30
// days, counted from the later of now and the current expiry. It only runs
// against a paid invoice of the same customer.
func (s *Service) ExtendLicenseAfterPayment(ctx context.Context, customerID, invoiceID string, months int) (invoicedomain.ExtendLicenseResult, error) {
	if months == 0 {
		months = s.cfg.ExtensionMonths
	}
	if months <= 0 {
		return invoicedomain.ExtendLicenseResult{}, invoicedomain.ErrInvalidMonths
	}

	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return invoicedomain.ExtendLicenseResult{}, err
	}
	if invoice.CustomerID != customerID {
		return invoicedomain.ExtendLicenseResult{}, invoicedomain.ErrInvoiceOwnerMismatch
	}
	if invoice.Status != invoicedomain.InvoiceStatusPaid {
		return invoicedomain.ExtendLicenseResult{}, fmt.Errorf("%w: invoice %s is %s", invoicedomain.ErrInvoiceNotPaid, invoice.InvoiceID, invoice.Status)
	}

	customer, err := s.customers.GetByID(ctx, customerID)
	if err != nil {
		return invoicedomain.ExtendLicenseResult{}, err
	}

	base := s.clock.Now().UTC()
	if customer.ExpiresAt.After(base) {
		base = customer.ExpiresAt
	}
	newExpiry := base.AddDate(0, 0, months*daysPerMonth)

	if _, err := s.customers.SetExpiry(ctx, customerID, newExpiry); err != nil {
		return invoicedomain.ExtendLicenseResult{}, err
	}

	logger.WithContext(ctx, s.log).Info("license extended",
		zap.String("customer_id", customerID),
		zap.String("invoice_id", invoice.InvoiceID),
		zap.Time("new_expiry", newExpiry),
	)
	return invoicedomain.ExtendLicenseResult{
		CustomerID:     customerID,
		InvoiceID:      invoice.InvoiceID,
		PreviousExpiry: customer.ExpiresAt,
		NewExpiry:      newExpiry,
	}, nil
}

// GenerateLicenseConfig writes the license artifact a client installs. An
// empty outputFile picks a name in the configured output directory.
func (s *Service) GenerateLicenseConfig(ctx context.Context, customerID, outputFile string) (string, error) {
	customer, err := s.customers.GetByID(ctx, customerID)
	if err != nil {
		return "", err
	}

	if outputFile == "" {
		name := slug.Make(customer.Name + " " + customer.CustomerID)
		outputFile = filepath.Join(s.cfg.LicenseConfigOutDir, name+"_license_config.txt")
	}
	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return "", err
	}

	err = config.WriteLicenseFile(outputFile, config.LicenseFile{
		LicenseKey:  customer.LicenseKey,
		ExpiresAt:   customer.ExpiresAt,
		CustomerID:  customer.CustomerID,
		Status:      string(customer.Status),
		BillingMode: string(customer.BillingMode),
		UpdatedAt:   s.clock.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return outputFile, nil
}

// ExportText writes a plain-text rendition of the invoice.
func (s *Service) ExportText(ctx context.Context, invoiceID, outputFile string) (string, error) {
	invoice, err := s.GetByID(ctx, invoiceID)
	if err != nil {
		return "", err
	}
	customer, err := s.customers.GetByID(ctx, invoice.CustomerID)
	if err != nil {
		return "", err
	}

	text, err := render.RenderText(render.TextInvoice{
		InvoiceID:       invoice.InvoiceID,
		IssuedAt:        invoice.IssuedAt,
		DueAt:           invoice.DueAt,
		Status:          string(invoice.Status),
		CustomerID:      customer.CustomerID,
		CustomerName:    customer.Name,
		Company:         customer.Company,
		Email:           customer.Email,
		PeriodStart:     invoice.PeriodStart,
		PeriodEnd:       invoice.PeriodEnd,
		BillingMode:     string(invoice.BillingMode),
		TotalLoads:      invoice.TotalLoads,
		TotalExports:    invoice.TotalExports,
		TotalSplits:     invoice.TotalSplits,
		TotalOperations: invoice.TotalOperations,
		UniqueSamples:   invoice.UniqueSamples,
		Lines:           invoiceLines(invoice),
		Subtotal:        invoice.Subtotal,
		TaxPercent:      invoice.TaxRate * 100,
		TaxAmount:       invoice.TaxAmount,
		TotalAmount:     invoice.TotalAmount,
		Notes:           invoice.Notes,
	})
	if err != nil {
		return "", err
	}

	if outputFile == "" {
		outputFile = filepath.Join(s.cfg.InvoiceExportOutDir, slug.Make(invoice.InvoiceID)+".txt")
	}
	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(outputFile, []byte(text), 0o644); err != nil {
		return "", err
	}
	return outputFile, nil
}

func invoiceLines(inv invoicedomain.Invoice) []render.Line {
	price := render.FormatMoney(inv.UnitPrice)
	switch inv.BillingMode {
	case customerdomain.BillingPerSample:
		return []render.Line{{
			Description: fmt.Sprintf("Unique samples %d x %s", inv.UniqueSamples, price),
			Amount:      inv.UniqueSamples * inv.UnitPrice,
		}}
	case customerdomain.BillingPerOperation:
		return []render.Line{{
			Description: fmt.Sprintf("Operations %d x %s", inv.TotalOperations, price),
			Amount:      inv.TotalOperations * inv.UnitPrice,
		}}
	case customerdomain.BillingSubscription:
		return []render.Line{{Description: "Subscription fee", Amount: inv.SubscriptionFee}}
	case customerdomain.BillingHybrid:
		overage := max(inv.UniqueSamples-inv.IncludedUsage, 0)
		return []render.Line{
			{Description: fmt.Sprintf("Subscription fee (%d samples included)", inv.IncludedUsage), Amount: inv.SubscriptionFee},
			{Description: fmt.Sprintf("Additional samples %d x %s", overage, price), Amount: overage * inv.UnitPrice},
		}
	}
	return nil
}

// RunBillingCycle imports the given reports and invoices the quarter for
// every affected customer. Payment and license extension stay manual.
func (s *Service) RunBillingCycle(ctx context.Context, req invoicedomain.BillingCycleRequest) (invoicedomain.BillingCycleResult, error) {
	q := CurrentQuarter(s.clock.Now())
	if strings.TrimSpace(req.Quarter) != "" {
		parsed, err := ParseQuarter(strings.TrimSpace(req.Quarter))
		if err != nil {
			return invoicedomain.BillingCycleResult{}, err
		}
		q = parsed
	}
	result := invoicedomain.BillingCycleResult{Quarter: q.String()}

	customers := map[string]bool{}
	for _, id := range req.CustomerIDs {
		if id = strings.TrimSpace(id); id != "" {
			customers[id] = true
		}
	}

	if len(req.ReportFiles) > 0 {
		batch := s.importer.ImportBatch(ctx, req.ReportFiles)
		result.Imported, result.Duplicates, result.Failed = batch.Imported, batch.Duplicates, batch.Failed
		if batch.Cancelled {
			return result, ctx.Err()
		}
		if len(req.CustomerIDs) == 0 {
			for _, o := range batch.Outcomes {
				var dup *reportdomain.DuplicateReportError
				switch {
				case o.Result != nil:
					customers[o.Result.Report.CustomerID] = true
				case errors.As(o.Err, &dup):
					customers[dup.Existing.CustomerID] = true
				}
			}
		}
		if err := batch.Err(); err != nil {
			s.log.Warn("billing cycle import had failures", zap.Int("failed", batch.Failed), zap.Error(err))
		}
	}

	ids := make([]string, 0, len(customers))
	for id := range customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		invoice, err := s.GenerateQuarterlyInvoice(ctx, id, q.String())
		if errors.Is(err, invoicedomain.ErrInvoiceExists) {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if err != nil {
			return result, fmt.Errorf("invoice %s: %w", id, err)
		}
		result.Invoices = append(result.Invoices, invoice)
	}
	return result, nil
}
