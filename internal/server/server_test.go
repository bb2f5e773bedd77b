package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	customerrepo "github.com/smallbiznis/licensegate/internal/customer/repository"
	customerservice "github.com/smallbiznis/licensegate/internal/customer/service"
	"github.com/smallbiznis/licensegate/internal/encryption"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/licensegate/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/licensegate/internal/invoice/service"
	"github.com/smallbiznis/licensegate/internal/observability"
	"github.com/smallbiznis/licensegate/internal/ratelimit"
	reportdomain "github.com/smallbiznis/licensegate/internal/reportimport/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeImporter struct {
	result  reportdomain.Result
	err     error
	data    []byte
	name    string
	deleted []string
}

func (f *fakeImporter) ImportReport(ctx context.Context, file string) (reportdomain.Result, error) {
	return f.result, f.err
}

func (f *fakeImporter) ImportData(ctx context.Context, name string, data []byte) (reportdomain.Result, error) {
	f.name = name
	f.data = data
	return f.result, f.err
}

func (f *fakeImporter) ImportBatch(ctx context.Context, files []string) reportdomain.BatchResult {
	return reportdomain.BatchResult{}
}

func (f *fakeImporter) DeleteReport(ctx context.Context, licenseKey, reportDate, machineID string) error {
	if f.err != nil {
		return f.err
	}
	f.deleted = append(f.deleted, licenseKey+"/"+reportDate+"/"+machineID)
	return nil
}

func (f *fakeImporter) ListReports(ctx context.Context, customerID string) ([]reportdomain.Summary, error) {
	return []reportdomain.Summary{{CustomerID: customerID, ReportDate: "2025-03-31"}}, nil
}

type fakeIntegrity struct {
	cleared  bool
	requests []string
}

func (f *fakeIntegrity) VerifyAllRecords(ctx context.Context, markSuspicious bool) (integritydomain.CheckResult, error) {
	return integritydomain.CheckResult{Total: 4, Valid: 3, Invalid: 1}, nil
}

func (f *fakeIntegrity) GenerateIntegrityReport(ctx context.Context, outputFile string) (integritydomain.Report, error) {
	return integritydomain.Report{}, nil
}

func (f *fakeIntegrity) GetSuspiciousRecords(ctx context.Context) ([]integritydomain.SuspiciousRecord, error) {
	return nil, nil
}

func (f *fakeIntegrity) ClearSuspiciousFlag(ctx context.Context, machineID, recordID string) (bool, error) {
	f.requests = append(f.requests, machineID+"/"+recordID)
	return f.cleared, nil
}

type testServer struct {
	engine    *gin.Engine
	importer  *fakeImporter
	integrity *fakeIntegrity
	clock     *clock.FakeClock
}

func newTestServer(t *testing.T, limiter *ratelimit.ImportLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&customerdomain.Customer{},
		&reportdomain.ImportedReport{},
		&reportdomain.ImportedRecord{},
		&invoicedomain.Invoice{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(3)
	if err != nil {
		t.Fatalf("snowflake: %v", err)
	}
	dir := t.TempDir()
	cfg := config.Config{
		Billing: config.BillingConfig{
			ExtensionMonths:     3,
			DefaultExpiryDays:   365,
			DefaultUnitPrice:    10,
			InvoiceDueDays:      30,
			LicenseConfigOutDir: filepath.Join(dir, "licenses"),
			InvoiceExportOutDir: filepath.Join(dir, "invoices"),
		},
		Import: config.ImportConfig{MaxFileSize: 1 << 10},
	}
	fake := clock.NewFakeClock(time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC))

	customers := customerservice.New(customerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  fake,
		Config: cfg,
		Repo:   customerrepo.Provide(),
	})
	importer := &fakeImporter{}
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     fake,
		Config:    cfg,
		Repo:      invoicerepo.Provide(),
		Customers: customers,
		Importer:  importer,
	})
	integrity := &fakeIntegrity{}

	engine := NewEngine(observability.Config{Environment: "test"}, zap.NewNop(), nil)
	NewServer(ServerParams{
		Gin:          engine,
		Cfg:          cfg,
		Log:          zap.NewNop(),
		CustomerSvc:  customers,
		ImportSvc:    importer,
		InvoiceSvc:   invoices,
		IntegritySvc: integrity,
		Limiter:      limiter,
	})

	return &testServer{engine: engine, importer: importer, integrity: integrity, clock: fake}
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(name string, content []byte) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, _ := w.CreateFormFile("file", name)
	_, _ = part.Write(content)
	_ = w.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/reports/import", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out.Data
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var out errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out.Error
}

func (ts *testServer) createCustomer(t *testing.T, mode string) customerdomain.Customer {
	t.Helper()
	rec := ts.do(http.MethodPost, "/v1/customers", map[string]any{
		"name":         "Acme Lab",
		"email":        "billing@acme.test",
		"billing_mode": mode,
		"unit_price":   10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeData[customerdomain.Customer](t, rec)
}

func TestHealthAndFallback(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeError(t, rec).Type)
}

func TestCustomerEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	c := ts.createCustomer(t, "per_sample")
	assert.Regexp(t, `^CUST-[0-9A-F]{8}$`, c.CustomerID)
	assert.Equal(t, int64(10), c.UnitPrice)

	rec := ts.do(http.MethodPost, "/v1/customers", map[string]any{"name": "No Mail", "email": "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", decodeError(t, rec).Type)

	rec = ts.do(http.MethodGet, "/v1/customers/"+c.CustomerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, c.LicenseKey, decodeData[customerdomain.Customer](t, rec).LicenseKey)

	rec = ts.do(http.MethodPatch, "/v1/customers/"+c.CustomerID, map[string]any{"company": "Acme Corp"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Acme Corp", decodeData[customerdomain.Customer](t, rec).Company)

	rec = ts.do(http.MethodGet, "/v1/customers?page_size=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[customerdomain.ListCustomerResponse](t, rec).Customers, 1)

	rec = ts.do(http.MethodGet, "/v1/customers/"+c.CustomerID+"/usage", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/customers/"+c.CustomerID+"/license-config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), c.LicenseKey)

	rec = ts.do(http.MethodDelete, "/v1/customers/"+c.CustomerID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/customers/"+c.CustomerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, customerdomain.StatusSuspended, decodeData[customerdomain.Customer](t, rec).Status)

	rec = ts.do(http.MethodGet, "/v1/customers/CUST-00000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportEndpointMapsErrors(t *testing.T) {
	ts := newTestServer(t, nil)

	ts.importer.result = reportdomain.Result{Report: reportdomain.Summary{CustomerID: "CUST-1"}, RecordsImported: 5}
	rec := ts.upload("usage_report_abc_20250331.enc", []byte(`{"format":1}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "usage_report_abc_20250331.enc", ts.importer.name)
	assert.Equal(t, 5, decodeData[reportdomain.Result](t, rec).RecordsImported)

	ts.importer.err = &reportdomain.DuplicateReportError{Existing: reportdomain.Summary{CustomerID: "CUST-1", ReportDate: "2025-03-31"}}
	rec = ts.upload("again.enc", []byte("x"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_report", decodeError(t, rec).Type)

	ts.importer.err = &encryption.DecryptionError{Tried: 3, Err: encryption.ErrDecryption}
	rec = ts.upload("foreign.enc", []byte("x"))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "decryption_failed", decodeError(t, rec).Type)

	ts.importer.err = &reportdomain.StorageError{Op: "insert report", Err: fmt.Errorf("disk full")}
	rec = ts.upload("any.enc", []byte("x"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", decodeError(t, rec).Message)

	rec = ts.upload("big.enc", bytes.Repeat([]byte("a"), 2<<10))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/reports/import", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteReportEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodDelete, "/v1/reports?license_key=DESI-1&report_date=2025-03-31&machine_id=m1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"DESI-1/2025-03-31/m1"}, ts.importer.deleted)

	rec = ts.do(http.MethodDelete, "/v1/reports?license_key=DESI-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.importer.err = reportdomain.ErrReportNotFound
	rec = ts.do(http.MethodDelete, "/v1/reports?license_key=DESI-1&report_date=2025-03-31&machine_id=m2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportRateLimit(t *testing.T) {
	fake := clock.NewFakeClock(time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC))
	ts := newTestServer(t, ratelimit.New(1, 1, fake))

	rec := ts.upload("a.enc", []byte("x"))
	assert.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.upload("b.enc", []byte("x"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decodeError(t, rec).Type)

	fake.Advance(time.Second)
	rec = ts.upload("c.enc", []byte("x"))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestInvoiceEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	c := ts.createCustomer(t, "subscription")

	rec := ts.do(http.MethodPost, "/v1/invoices", map[string]any{"customer_id": c.CustomerID, "quarter": "2025-Q1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	inv := decodeData[invoicedomain.Invoice](t, rec)
	assert.Equal(t, "2025-03-31", inv.PeriodEnd)

	rec = ts.do(http.MethodPost, "/v1/invoices", map[string]any{"customer_id": c.CustomerID, "period_start": "2025-01-01", "period_end": "2025-03-31"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/invoices", map[string]any{"customer_id": c.CustomerID, "quarter": "2025-Q7"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/customers/"+c.CustomerID+"/extend", map[string]any{"invoice_id": inv.InvoiceID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/invoices/"+inv.InvoiceID+"/send", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, invoicedomain.InvoiceStatusSent, decodeData[invoicedomain.Invoice](t, rec).Status)

	rec = ts.do(http.MethodPost, "/v1/invoices/"+inv.InvoiceID+"/pay", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/invoices/"+inv.InvoiceID+"/send", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/customers/"+c.CustomerID+"/extend", map[string]any{"invoice_id": inv.InvoiceID, "months": 6})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ext := decodeData[invoicedomain.ExtendLicenseResult](t, rec)
	assert.True(t, ext.NewExpiry.Equal(c.ExpiresAt.AddDate(0, 0, 180)))

	rec = ts.do(http.MethodGet, "/v1/invoices?customer_id="+c.CustomerID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeData[invoicedomain.ListInvoiceResponse](t, rec).Invoices, 1)

	rec = ts.do(http.MethodGet, "/v1/invoices/"+inv.InvoiceID+"/text", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVOICE "+inv.InvoiceID)

	rec = ts.do(http.MethodGet, "/v1/invoices/INV-19700101-000000", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntegrityEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(http.MethodPost, "/v1/integrity/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeData[map[string]any](t, rec)
	assert.Equal(t, float64(75), data["integrity_rate"])

	rec = ts.do(http.MethodPost, "/v1/integrity/records/01JR0001/clear", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.integrity.cleared = true
	rec = ts.do(http.MethodPost, "/v1/integrity/records/01JR0001/clear?machine_id=machine-b", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"/01JR0001", "machine-b/01JR0001"}, ts.integrity.requests)
}
