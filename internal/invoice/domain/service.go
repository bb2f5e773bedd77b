package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/pkg/db/pagination"
)

type GenerateInvoiceRequest struct {
	CustomerID  string   `json:"customer_id"`
	PeriodStart string   `json:"period_start"`
	PeriodEnd   string   `json:"period_end"`
	TaxRate     *float64 `json:"tax_rate,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

type ListInvoiceRequest struct {
	pagination.Pagination
	CustomerID string        `form:"customer_id"`
	Status     InvoiceStatus `form:"status"`
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type ExtendLicenseResult struct {
	CustomerID     string    `json:"customer_id"`
	InvoiceID      string    `json:"invoice_id"`
	PreviousExpiry time.Time `json:"previous_expiry"`
	NewExpiry      time.Time `json:"new_expiry"`
}

type BillingCycleRequest struct {
	ReportFiles []string `json:"report_files"`
	Quarter     string   `json:"quarter"`
	// CustomerIDs limits invoicing; empty means every customer seen in the imported files.
	CustomerIDs []string `json:"customer_ids,omitempty"`
}

type BillingCycleResult struct {
	Quarter    string    `json:"quarter"`
	Imported   int       `json:"imported"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
	Invoices   []Invoice `json:"invoices"`
	Skipped    []string  `json:"skipped_customers,omitempty"`
}

type Service interface {
	GenerateInvoice(ctx context.Context, req GenerateInvoiceRequest) (Invoice, error)
	GenerateQuarterlyInvoice(ctx context.Context, customerID, quarter string) (Invoice, error)
	GetByID(ctx context.Context, invoiceID string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	MarkSent(ctx context.Context, invoiceID string) (Invoice, error)
	MarkPaid(ctx context.Context, invoiceID string) (Invoice, error)
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)
	ExtendLicenseAfterPayment(ctx context.Context, customerID, invoiceID string, months int) (ExtendLicenseResult, error)
	GenerateLicenseConfig(ctx context.Context, customerID, outputFile string) (string, error)
	ExportText(ctx context.Context, invoiceID, outputFile string) (string, error)
	RunBillingCycle(ctx context.Context, req BillingCycleRequest) (BillingCycleResult, error)
}

var (
	ErrInvoiceExists        = errors.New("invoice_exists")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrInvoiceNotPaid       = errors.New("invoice_not_paid")
	ErrInvalidTransition    = errors.New("invalid_status_transition")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInvalidQuarter       = errors.New("invalid_quarter")
	ErrInvalidMonths        = errors.New("invalid_extension_months")
	ErrInvoiceOwnerMismatch = errors.New("invoice_customer_mismatch")
	ErrInvalidBillingMode   = errors.New("invalid_billing_mode")
)
