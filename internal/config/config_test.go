package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_SERVICE", "")
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("USAGE_BATCH_SIZE", "")
	t.Setenv("MAINTENANCE_JOBS", "")
	t.Setenv("BILLING_EXTENSION_MONTHS", "")
	t.Setenv("CLIENT_API_ADDR", "")

	cfg := Load()

	assert.Equal(t, "licensegate", cfg.AppName)
	assert.Equal(t, 10, cfg.Client.BatchSize)
	assert.Equal(t, "127.0.0.1:7411", cfg.Client.APIAddr)
	assert.Equal(t, time.Minute, cfg.Client.FlushInterval)
	assert.Equal(t, 30*time.Second, cfg.Client.ReportStartDelay)
	assert.Equal(t, 5*time.Minute, cfg.Client.ReportInterval)
	assert.Equal(t, 3, cfg.Billing.ExtensionMonths)
	assert.Equal(t, time.Hour, cfg.Billing.MaintenanceInterval)
	assert.Empty(t, cfg.Billing.MaintenanceJobs)
	assert.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENVIRONMENT", "Production")
	t.Setenv("USAGE_BATCH_SIZE", "25")
	t.Setenv("USAGE_FLUSH_INTERVAL", "15s")
	t.Setenv("BILLING_TAX_RATE", "0.11")
	t.Setenv("MAINTENANCE_JOBS", " invoice_overdue, ,license_expiry ")

	cfg := Load()

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 25, cfg.Client.BatchSize)
	assert.Equal(t, 15*time.Second, cfg.Client.FlushInterval)
	assert.InDelta(t, 0.11, cfg.Billing.TaxRate, 1e-9)
	assert.Equal(t, []string{"invoice_overdue", "license_expiry"}, cfg.Billing.MaintenanceJobs)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("USAGE_BATCH_SIZE", "ten")
	t.Setenv("REPORT_INTERVAL", "soon")

	cfg := Load()

	assert.Equal(t, 10, cfg.Client.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.Client.ReportInterval)
}
