package e2e

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	reportdomain "github.com/smallbiznis/licensegate/internal/reportimport/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const acmeMachine = "4e8d1f0a9b7c6d5e4f3a2b1c0d9e8f7a"

// acmeReport runs the client half of the Acme scenario: three loads of one
// sample and two exports, exported by the worker once the day has closed.
func acmeReport(t *testing.T, admin *adminEnv, customerID string) (*clientEnv, string) {
	t.Helper()
	ctx := context.Background()

	client := startClient(t, acmeMachine, time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC))
	client.installLicense(t, admin, customerID)

	for i := 0; i < 3; i++ {
		_, err := client.tracker.RecordUsage(ctx, usagedomain.ActionLoadSample, "brain_section_01.imzML", nil)
		require.NoError(t, err)
		client.clock.Advance(time.Minute)
	}
	for i := 0; i < 2; i++ {
		_, err := client.tracker.RecordUsage(ctx, usagedomain.ActionExportData, "brain_section_01.imzML", map[string]any{"format": "csv"})
		require.NoError(t, err)
		client.clock.Advance(time.Minute)
	}

	client.clock.Set(time.Date(2025, 3, 21, 0, 30, 0, 0, time.UTC))
	path, err := client.worker.ExportOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, path)
	return client, path
}

func TestE2E_AcmeBillingScenario(t *testing.T) {
	admin := startAdmin(t)
	customer := createCustomer(t, admin, map[string]any{
		"name":         "Acme",
		"email":        "billing@acme.test",
		"billing_mode": "per_sample",
		"unit_price":   10,
	})

	_, path := acmeReport(t, admin, customer.CustomerID)

	resp, body := uploadReport(t, admin, path)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	imported := decodeData[reportdomain.Result](t, body)
	assert.Equal(t, 5, imported.RecordsImported)
	assert.Empty(t, imported.SuspiciousIDs)
	assert.Equal(t, customer.CustomerID, imported.Report.CustomerID)
	assert.Equal(t, acmeMachine, imported.Report.MachineID)

	// the same artifact is accepted exactly once
	resp, body = uploadReport(t, admin, path)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = doRequest(t, http.MethodGet, admin.baseURL+"/v1/customers/"+customer.CustomerID+"/usage", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decodeData[customerdomain.UsageSummary](t, body)
	assert.Equal(t, int64(3), usage.TotalSamplesLoaded)
	assert.Equal(t, int64(2), usage.TotalExports)

	resp, body = doJSON(t, http.MethodPost, admin.baseURL+"/v1/invoices", map[string]any{
		"customer_id": customer.CustomerID,
		"quarter":     "2025-Q1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	perSample := decodeData[invoicedomain.Invoice](t, body)
	assert.Equal(t, int64(1), perSample.UniqueSamples)
	assert.Equal(t, int64(10), perSample.Subtotal)

	resp, body = doJSON(t, http.MethodPatch, admin.baseURL+"/v1/customers/"+customer.CustomerID, map[string]any{
		"billing_mode": "per_operation",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPost, admin.baseURL+"/v1/invoices", map[string]any{
		"customer_id":  customer.CustomerID,
		"period_start": "2025-02-01",
		"period_end":   "2025-03-31",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	perOperation := decodeData[invoicedomain.Invoice](t, body)
	assert.Equal(t, int64(5), perOperation.TotalOperations)
	assert.Equal(t, int64(50), perOperation.Subtotal)
}

func TestE2E_SameDayUsageIsBilledOnce(t *testing.T) {
	admin := startAdmin(t)
	customer := createCustomer(t, admin, map[string]any{
		"name":         "Acme",
		"email":        "billing@acme.test",
		"billing_mode": "per_operation",
		"unit_price":   10,
	})
	ctx := context.Background()

	client := startClient(t, acmeMachine, time.Date(2025, 3, 20, 9, 0, 0, 0, time.UTC))
	client.installLicense(t, admin, customer.CustomerID)

	// worker ticks during the day write nothing while usage keeps arriving
	_, err := client.tracker.RecordUsage(ctx, usagedomain.ActionLoadSample, "brain_section_01.imzML", nil)
	require.NoError(t, err)
	path, err := client.worker.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, path)

	client.clock.Advance(5 * time.Minute)
	for i := 0; i < 4; i++ {
		_, err := client.tracker.RecordUsage(ctx, usagedomain.ActionLoadSample, "brain_section_01.imzML", nil)
		require.NoError(t, err)
	}
	path, err = client.worker.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, path)

	client.clock.Set(time.Date(2025, 3, 21, 0, 5, 0, 0, time.UTC))
	path, err = client.worker.ExportOnce(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	client.clock.Advance(5 * time.Minute)
	again, err := client.worker.ExportOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	resp, body := uploadReport(t, admin, path)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	imported := decodeData[reportdomain.Result](t, body)
	assert.Equal(t, 5, imported.RecordsImported)
	assert.Equal(t, "2025-03-20", imported.Report.ReportDate)

	resp, body = doJSON(t, http.MethodPost, admin.baseURL+"/v1/invoices", map[string]any{
		"customer_id": customer.CustomerID,
		"quarter":     "2025-Q1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	inv := decodeData[invoicedomain.Invoice](t, body)
	assert.Equal(t, int64(5), inv.TotalOperations)
	assert.Equal(t, int64(50), inv.Subtotal)
}

func TestE2E_PaymentExtendsLicenseOnClient(t *testing.T) {
	admin := startAdmin(t)
	customer := createCustomer(t, admin, map[string]any{
		"name":         "Acme",
		"email":        "billing@acme.test",
		"billing_mode": "per_sample",
		"unit_price":   10,
	})
	client, path := acmeReport(t, admin, customer.CustomerID)

	resp, body := uploadReport(t, admin, path)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = doJSON(t, http.MethodPost, admin.baseURL+"/v1/invoices", map[string]any{
		"customer_id": customer.CustomerID,
		"quarter":     "2025-Q1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	inv := decodeData[invoicedomain.Invoice](t, body)

	resp, _ = doJSON(t, http.MethodPost, admin.baseURL+"/v1/invoices/"+inv.InvoiceID+"/pay", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, admin.baseURL+"/v1/customers/"+customer.CustomerID+"/extend", map[string]any{
		"invoice_id": inv.InvoiceID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	ext := decodeData[invoicedomain.ExtendLicenseResult](t, body)
	assert.True(t, ext.NewExpiry.Equal(customer.ExpiresAt.AddDate(0, 0, 90)))

	client.installLicense(t, admin, customer.CustomerID)
	res, err := client.validator.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, res.ExpiresAt.Equal(ext.NewExpiry))
}

func TestE2E_TamperScenario(t *testing.T) {
	admin := startAdmin(t)
	customer := createCustomer(t, admin, map[string]any{
		"name":  "Acme",
		"email": "billing@acme.test",
	})
	client, path := acmeReport(t, admin, customer.CustomerID)
	ctx := context.Background()

	// client store: four more records, one edited after its checksum was taken
	var ids []string
	for i := 0; i < 4; i++ {
		id, err := client.tracker.RecordUsage(ctx, usagedomain.ActionSplitMetabolites, "kidney_02.imzML", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, client.tracker.Flush(ctx))
	require.NoError(t, client.db.Exec("UPDATE usage_records SET sample_name = ? WHERE record_id = ?", "forged.imzML", ids[2]).Error)

	check, err := client.integrity.VerifyAllRecords(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 9, check.Total)
	assert.Equal(t, 1, check.Invalid)
	require.Len(t, check.Suspicious, 1)
	assert.Equal(t, ids[2], check.Suspicious[0].RecordID)
	assert.InDelta(t, float64(8)/9*100, check.Rate(), 0.0001)

	// admin store: import, then edit one detail row in place
	resp, body := uploadReport(t, admin, path)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var recordID string
	require.NoError(t, admin.db.Raw("SELECT record_id FROM usage_report_records ORDER BY record_id LIMIT 1").Scan(&recordID).Error)
	require.NoError(t, admin.db.Exec("UPDATE usage_report_records SET sample_name = ? WHERE record_id = ?", "forged.imzML", recordID).Error)

	resp, body = doJSON(t, http.MethodPost, admin.baseURL+"/v1/integrity/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	verify := decodeData[struct {
		IntegrityRate float64 `json:"integrity_rate"`
	}](t, body)
	assert.InDelta(t, 80.0, verify.IntegrityRate, 0.0001)

	resp, body = doRequest(t, http.MethodGet, admin.baseURL+"/v1/integrity/records", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	suspicious := decodeData[[]map[string]any](t, body)
	require.Len(t, suspicious, 1)
	assert.Equal(t, recordID, suspicious[0]["record_id"])

	// flagged rows are not billed
	resp, body = doJSON(t, http.MethodPost, admin.baseURL+"/v1/invoices", map[string]any{
		"customer_id": customer.CustomerID,
		"quarter":     "2025-Q1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	inv := decodeData[invoicedomain.Invoice](t, body)
	assert.Equal(t, int64(4), inv.TotalOperations)
}

func TestE2E_ExpiryScenario(t *testing.T) {
	admin := startAdmin(t)
	customer := createCustomer(t, admin, map[string]any{
		"name":        "Acme",
		"email":       "billing@acme.test",
		"expiry_days": 5,
	})
	ctx := context.Background()

	client := startClient(t, acmeMachine, adminNow)
	client.installLicense(t, admin, customer.CustomerID)

	res, err := client.validator.Current(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 5, res.DaysRemaining)
	assert.Equal(t, licensedomain.StateReminder7, res.State)
	assert.NoError(t, client.validator.Require(licensedomain.FeatureLoadSample))

	_, err = admin.customers.SetExpiry(ctx, customer.CustomerID, adminNow.Add(-24*time.Hour))
	require.NoError(t, err)
	client.installLicense(t, admin, customer.CustomerID)

	res, err = client.validator.Current(ctx)
	require.NoError(t, err)
	assert.True(t, res.Expired)
	assert.Equal(t, licensedomain.StateExpired, res.State)

	err = client.validator.Require(licensedomain.FeatureLoadSample)
	var expired *licensedomain.LicenseExpiredError
	require.True(t, errors.As(err, &expired), "got %v", err)
	assert.True(t, client.validator.Allowed(licensedomain.FeatureViewHistory))
	assert.True(t, client.validator.Allowed(licensedomain.FeatureUpdateLicense))

	require.NoError(t, admin.scheduler.RunOnce(ctx))
	resp, body := doRequest(t, http.MethodGet, admin.baseURL+"/v1/customers/"+customer.CustomerID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, customerdomain.StatusExpired, decodeData[customerdomain.Customer](t, body).Status)
}

func TestE2E_OverdueInvoicesAreSwept(t *testing.T) {
	admin := startAdmin(t)
	customer := createCustomer(t, admin, map[string]any{
		"name":             "Acme",
		"email":            "billing@acme.test",
		"billing_mode":     "subscription",
		"subscription_fee": 50000,
	})

	resp, body := doJSON(t, http.MethodPost, admin.baseURL+"/v1/invoices", map[string]any{
		"customer_id": customer.CustomerID,
		"quarter":     "2025-Q1",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	inv := decodeData[invoicedomain.Invoice](t, body)
	assert.Equal(t, int64(50000), inv.Subtotal)

	admin.clock.Advance(31 * 24 * time.Hour)
	require.NoError(t, admin.scheduler.RunOnce(context.Background()))

	resp, body = doRequest(t, http.MethodGet, admin.baseURL+"/v1/invoices/"+inv.InvoiceID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, invoicedomain.InvoiceStatusOverdue, decodeData[invoicedomain.Invoice](t, body).Status)
}
