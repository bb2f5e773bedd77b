package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensegate/internal/config"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	obsmetrics "github.com/smallbiznis/licensegate/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usagereport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ClientModule serves the local API the host application calls on a client
// install. It only ever binds a loopback address.
var ClientModule = fx.Module("http.client",
	fx.Provide(registerGin),
	fx.Invoke(NewClientServer),
	fx.Invoke(runClient),
)

var ErrNonLoopbackAddr = errors.New("client api address must be loopback")

const defaultReportWindowDays = 90

type ClientServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Tracker      usagedomain.Tracker
	Validator    licensedomain.Service
	IntegritySvc integritydomain.Service
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

func NewClientServer(p ClientServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.client"),
		tracker:      p.Tracker,
		validator:    p.Validator,
		integritySvc: p.IntegritySvc,
		obsMetrics:   p.ObsMetrics,
	}

	svc.engine.Use(LoopbackOnly())
	svc.registerClientRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) registerClientRoutes() {
	api := s.engine.Group("/v1")

	api.POST("/usage", s.RecordUsage)
	api.POST("/usage/flush", s.FlushUsage)
	api.GET("/usage/stats", s.GetUsageStats)
	api.POST("/usage/reports", s.ExportUsageReport)
	api.GET("/usage/reports", s.ListUsageExports)

	api.GET("/license", s.CurrentLicense)
	api.PUT("/license", s.UpdateLicense)
	api.POST("/license/validate", s.ValidateLicense)
	api.GET("/license/features/:feature", s.RequireFeature)

	api.POST("/integrity/verify", s.VerifyIntegrity)
	api.GET("/integrity/report", s.IntegrityReport)
	api.GET("/integrity/records", s.ListSuspiciousRecords)
	api.POST("/integrity/records/:id/clear", s.ClearSuspiciousRecord)
}

// LoopbackOnly rejects callers that are not on this machine.
func LoopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
		if err != nil {
			host = c.Request.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Error: errorPayload{
				Type:    "forbidden",
				Message: "local callers only",
			}})
			return
		}
		c.Next()
	}
}

// CheckLoopbackAddr accepts host:port listen addresses on localhost or a
// loopback IP.
func CheckLoopbackAddr(addr string) error {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNonLoopbackAddr, err)
	}
	if strings.EqualFold(host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNonLoopbackAddr, addr)
}

func runClient(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) error {
	addr := cfg.Client.APIAddr
	if err := CheckLoopbackAddr(addr); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("client api stopped", zap.Error(err))
				}
			}()
			log.Info("client api listening", zap.String("addr", addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
	return nil
}

type recordUsageRequest struct {
	ActionType string         `json:"action_type"`
	SampleName string         `json:"sample_name"`
	Details    map[string]any `json:"details"`
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	recordID, err := s.tracker.RecordUsage(c.Request.Context(),
		usagedomain.ActionType(strings.TrimSpace(req.ActionType)), req.SampleName, req.Details)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{"record_id": recordID}})
}

func (s *Server) FlushUsage(c *gin.Context) {
	if err := s.tracker.Flush(c.Request.Context()); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) GetUsageStats(c *gin.Context) {
	days, err := daysParam(c, 30)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.tracker.GetUsageStats(c.Request.Context(), days)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

type exportUsageRequest struct {
	Days       int    `json:"days"`
	OutputFile string `json:"output_file"`
}

// ExportUsageReport writes a report for today into the client report
// directory unless output_file names another path.
func (s *Server) ExportUsageReport(c *gin.Context) {
	var req exportUsageRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	if req.Days == 0 {
		req.Days = s.cfg.Client.ReportWindowDays
	}
	if req.Days <= 0 {
		req.Days = defaultReportWindowDays
	}

	output := strings.TrimSpace(req.OutputFile)
	report, err := s.tracker.ExportUsageReport(c.Request.Context(), output, req.Days)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if output == "" {
		output = filepath.Join(s.cfg.Client.ReportDir, usagereport.FileName(report.MachineID, report.ReportDate))
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{
		"file":            output,
		"report_date":     report.ReportDate,
		"period_start":    report.PeriodStart,
		"period_end":      report.PeriodEnd,
		"usage_stats":     report.UsageStats,
		"integrity_check": report.IntegrityCheck,
	}})
}

func (s *Server) ListUsageExports(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "30"))
	if err != nil || limit <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	exports, err := s.tracker.ListExports(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": exports})
}

func (s *Server) CurrentLicense(c *gin.Context) {
	res, err := s.validator.Current(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

type updateLicenseRequest struct {
	LicenseKey   string    `json:"license_key"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	Status       string    `json:"status"`
	BillingMode  string    `json:"billing_mode"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) UpdateLicense(c *gin.Context) {
	var req updateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	res, err := s.validator.UpdateLicense(c.Request.Context(), licensedomain.LicenseInfo{
		LicenseKey:   req.LicenseKey,
		CustomerID:   strings.TrimSpace(req.CustomerID),
		CustomerName: strings.TrimSpace(req.CustomerName),
		Status:       strings.TrimSpace(req.Status),
		BillingMode:  strings.TrimSpace(req.BillingMode),
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

type validateLicenseRequest struct {
	LicenseKey string `json:"license_key"`
}

func (s *Server) ValidateLicense(c *gin.Context) {
	var req validateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	res, err := s.validator.Validate(c.Request.Context(), req.LicenseKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": res})
}

// RequireFeature answers whether the host may run a feature right now.
func (s *Server) RequireFeature(c *gin.Context) {
	feature := licensedomain.Feature(strings.TrimSpace(c.Param("feature")))
	if err := s.validator.Require(feature); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"feature": feature, "allowed": true}})
}

func daysParam(c *gin.Context, def int) (int, error) {
	raw := strings.TrimSpace(c.Query("days"))
	if raw == "" {
		return def, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil {
		return 0, ErrInvalidRequest
	}
	return days, nil
}
