package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/encryption"
	"github.com/smallbiznis/licensegate/internal/identity"
	integrityrepo "github.com/smallbiznis/licensegate/internal/integrity/repository"
	integrityservice "github.com/smallbiznis/licensegate/internal/integrity/service"
	licenserepo "github.com/smallbiznis/licensegate/internal/license/repository"
	licenseservice "github.com/smallbiznis/licensegate/internal/license/service"
	"github.com/smallbiznis/licensegate/internal/localstore"
	"github.com/smallbiznis/licensegate/internal/observability"
	usagerepo "github.com/smallbiznis/licensegate/internal/usage/repository"
	usageservice "github.com/smallbiznis/licensegate/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const clientLicenseKey = "DESI-0A1B2C3D-4E5F6071-9078"

type clientTestServer struct {
	engine    *gin.Engine
	clock     *clock.FakeClock
	reportDir string
}

func newClientTestServer(t *testing.T) *clientTestServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	db, err := localstore.Open(context.Background(), localstore.Options{
		Path: filepath.Join(dir, "usage_tracking.db"),
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	reportDir := filepath.Join(dir, "reports")
	cfg := config.Config{Client: config.ClientConfig{
		BatchSize:        10,
		FlushInterval:    time.Minute,
		ReportDir:        reportDir,
		ReportWindowDays: 90,
		APIAddr:          "127.0.0.1:0",
	}}
	fake := clock.NewFakeClock(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	log := zap.NewNop()
	src := identity.Static("3f9a0c1d2e4b5a6978")
	checks := integrityservice.NewChecksummer(src, "CLIENT_API_SEED")

	tracker := usageservice.NewTracker(usageservice.Params{
		DB:          db,
		Log:         log,
		Config:      cfg,
		Clock:       fake,
		Repo:        usagerepo.Provide(),
		LicenseRepo: licenserepo.Provide(),
		Identity:    src,
		Checksummer: checks,
		Encryption:  encryption.New(),
	})
	validator := licenseservice.NewValidator(licenseservice.Params{
		DB:    db,
		Log:   log,
		Clock: fake,
		Repo:  licenserepo.Provide(),
	})
	integrity := integrityservice.New(integrityservice.Params{
		Store:       integrityrepo.ProvideClient(db),
		Checksummer: checks,
		Identity:    src,
		Clock:       fake,
		Log:         log,
	})

	engine := NewEngine(observability.Config{Environment: "test"}, log, nil)
	NewClientServer(ClientServerParams{
		Gin:          engine,
		Cfg:          cfg,
		Log:          log,
		Tracker:      tracker,
		Validator:    validator,
		IntegritySvc: integrity,
	})

	return &clientTestServer{engine: engine, clock: fake, reportDir: reportDir}
}

func (ts *clientTestServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:50123"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func (ts *clientTestServer) installLicense(t *testing.T, expiresAt time.Time) {
	t.Helper()

	rec := ts.do(http.MethodPut, "/v1/license", map[string]any{
		"license_key":   clientLicenseKey,
		"customer_id":   "cus_acme",
		"customer_name": "Acme Labs",
		"billing_mode":  "per_operation",
		"expires_at":    expiresAt,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestClientAPIRequiresLicense(t *testing.T) {
	ts := newClientTestServer(t)

	rec := ts.do(http.MethodGet, "/v1/license", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "no_license", decodeError(t, rec).Type)

	rec = ts.do(http.MethodGet, "/v1/license/features/load_sample", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/license/features/view_history", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/usage/reports", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "no_license", decodeError(t, rec).Type)
}

func TestClientAPILicenseLifecycle(t *testing.T) {
	ts := newClientTestServer(t)

	rec := ts.do(http.MethodPut, "/v1/license", map[string]any{
		"license_key": "DESI-NOT-A-KEY",
		"expires_at":  ts.clock.Now().Add(24 * time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPut, "/v1/license", map[string]any{"license_key": clientLicenseKey})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.installLicense(t, ts.clock.Now().Add(10*24*time.Hour))

	rec = ts.do(http.MethodGet, "/v1/license", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	current := decodeData[map[string]any](t, rec)
	assert.Equal(t, true, current["valid"])
	assert.EqualValues(t, 10, current["days_remaining"])

	rec = ts.do(http.MethodPost, "/v1/license/validate", map[string]any{"license_key": clientLicenseKey})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeData[map[string]any](t, rec)["format_valid"])

	rec = ts.do(http.MethodGet, "/v1/license/features/load_sample", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeData[map[string]any](t, rec)["allowed"])

	ts.clock.Advance(11 * 24 * time.Hour)

	rec = ts.do(http.MethodGet, "/v1/license/features/load_sample", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "license_expired", decodeError(t, rec).Type)

	rec = ts.do(http.MethodGet, "/v1/license/features/view_license_info", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientAPIUsageAndReports(t *testing.T) {
	ts := newClientTestServer(t)
	ts.installLicense(t, ts.clock.Now().Add(365*24*time.Hour))

	rec := ts.do(http.MethodPost, "/v1/usage", map[string]any{"action_type": "reboot", "sample_name": "S-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for _, body := range []map[string]any{
		{"action_type": "load_sample", "sample_name": "S-1"},
		{"action_type": "load_sample", "sample_name": "S-2", "details": map[string]any{"instrument": "qtof"}},
		{"action_type": "export_data", "sample_name": "S-1"},
	} {
		rec = ts.do(http.MethodPost, "/v1/usage", body)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.NotEmpty(t, decodeData[map[string]any](t, rec)["record_id"])
	}

	rec = ts.do(http.MethodPost, "/v1/usage/flush", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodGet, "/v1/usage/stats?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	totals, ok := decodeData[map[string]any](t, rec)["totals"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, totals["total_loads"])
	assert.EqualValues(t, 1, totals["total_exports"])
	assert.EqualValues(t, 2, totals["unique_samples"])

	rec = ts.do(http.MethodGet, "/v1/usage/stats?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(http.MethodGet, "/v1/usage/stats?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/usage/reports", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	exported := decodeData[map[string]any](t, rec)
	assert.Equal(t, "2025-03-10", exported["report_date"])
	file, _ := exported["file"].(string)
	assert.Equal(t, filepath.Join(ts.reportDir, "usage_report_3f9a0c1d2e4b5a69_20250310.enc"), file)
	_, err := os.Stat(file)
	assert.NoError(t, err)

	rec = ts.do(http.MethodPost, "/v1/usage", map[string]any{"action_type": "load_sample", "sample_name": "S-3"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/usage/reports", map[string]any{"days": 30})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "report_already_exported", decodeError(t, rec).Type)

	rec = ts.do(http.MethodGet, "/v1/usage/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var listed struct {
		Data []struct {
			ReportDate string `json:"report_date"`
			Records    int64  `json:"records"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed.Data, 1)
	assert.Equal(t, "2025-03-10", listed.Data[0].ReportDate)
	assert.EqualValues(t, 3, listed.Data[0].Records)

	rec = ts.do(http.MethodGet, "/v1/usage/reports?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientAPIIntegrity(t *testing.T) {
	ts := newClientTestServer(t)
	ts.installLicense(t, ts.clock.Now().Add(365*24*time.Hour))

	for _, name := range []string{"S-1", "S-2"} {
		rec := ts.do(http.MethodPost, "/v1/usage", map[string]any{"action_type": "load_sample", "sample_name": name})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}
	rec := ts.do(http.MethodPost, "/v1/usage/flush", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ts.do(http.MethodPost, "/v1/integrity/verify", map[string]any{"mark_suspicious": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result, ok := decodeData[map[string]any](t, rec)["result"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, result["total_records"])
	assert.EqualValues(t, 2, result["valid_records"])
	assert.EqualValues(t, 0, result["invalid_records"])

	rec = ts.do(http.MethodGet, "/v1/integrity/report", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3f9a0c1d2e4b5a69...", decodeData[map[string]any](t, rec)["machine_id"])

	rec = ts.do(http.MethodPost, "/v1/integrity/records/missing/clear", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLoopbackOnlyRejectsRemoteCallers(t *testing.T) {
	ts := newClientTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage/stats", nil)
	req.RemoteAddr = "192.0.2.1:4410"
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec).Type)

	req = httptest.NewRequest(http.MethodGet, "/v1/usage/stats", nil)
	req.RemoteAddr = "[::1]:4410"
	rec = httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestCheckLoopbackAddr(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{"127.0.0.1:7411", true},
		{"localhost:7411", true},
		{"[::1]:7411", true},
		{"0.0.0.0:7411", false},
		{":7411", false},
		{"10.0.0.4:7411", false},
		{"127.0.0.1", false},
	}
	for _, tc := range cases {
		err := CheckLoopbackAddr(tc.addr)
		if tc.ok {
			assert.NoError(t, err, tc.addr)
		} else {
			assert.ErrorIs(t, err, ErrNonLoopbackAddr, tc.addr)
		}
	}
}

func TestClientHTTPServerServesLoopback(t *testing.T) {
	ts := newClientTestServer(t)

	srv := httptest.NewServer(ts.engine)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/license/features/view_history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
