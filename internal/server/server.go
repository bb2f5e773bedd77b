package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/licensegate/internal/config"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/observability"
	obslogger "github.com/smallbiznis/licensegate/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/licensegate/internal/observability/metrics"
	obstracing "github.com/smallbiznis/licensegate/internal/observability/tracing"
	"github.com/smallbiznis/licensegate/internal/ratelimit"
	reportdomain "github.com/smallbiznis/licensegate/internal/reportimport/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	ratelimit.Module,
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, log *zap.Logger, m *obsmetrics.Metrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Log:             log,
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(m))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type ginParams struct {
	fx.In

	ObsCfg  observability.Config
	Log     *zap.Logger
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func registerGin(p ginParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.Log, p.Metrics)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	customerSvc  customerdomain.Service
	importSvc    reportdomain.Service
	invoiceSvc   invoicedomain.Service
	integritySvc integritydomain.Service
	limiter      *ratelimit.ImportLimiter
	obsMetrics   *obsmetrics.Metrics

	// client install only
	tracker   usagedomain.Tracker
	validator licensedomain.Service
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	CustomerSvc  customerdomain.Service
	ImportSvc    reportdomain.Service
	InvoiceSvc   invoicedomain.Service
	IntegritySvc integritydomain.Service
	Limiter      *ratelimit.ImportLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics      `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("http.server"),
		customerSvc:  p.CustomerSvc,
		importSvc:    p.ImportSvc,
		invoiceSvc:   p.InvoiceSvc,
		integritySvc: p.IntegritySvc,
		limiter:      p.Limiter,
		obsMetrics:   p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	api.POST("/customers", s.CreateCustomer)
	api.GET("/customers", s.ListCustomers)
	api.GET("/customers/:id", s.GetCustomerByID)
	api.PATCH("/customers/:id", s.UpdateCustomer)
	api.DELETE("/customers/:id", s.DeleteCustomer)
	api.GET("/customers/:id/usage", s.GetCustomerUsage)
	api.GET("/customers/:id/reports", s.ListCustomerReports)
	api.GET("/customers/:id/license-config", s.DownloadLicenseConfig)
	api.POST("/customers/:id/extend", s.ExtendLicense)

	api.POST("/reports/import", s.ImportRateLimit(), s.ImportReport)
	api.DELETE("/reports", s.DeleteReport)

	api.POST("/invoices", s.GenerateInvoice)
	api.GET("/invoices", s.ListInvoices)
	api.GET("/invoices/:id", s.GetInvoice)
	api.GET("/invoices/:id/text", s.DownloadInvoiceText)
	api.POST("/invoices/:id/send", s.MarkInvoiceSent)
	api.POST("/invoices/:id/pay", s.MarkInvoicePaid)

	api.POST("/billing/cycles", s.RunBillingCycle)

	api.POST("/integrity/verify", s.VerifyIntegrity)
	api.GET("/integrity/report", s.IntegrityReport)
	api.GET("/integrity/records", s.ListSuspiciousRecords)
	api.POST("/integrity/records/:id/clear", s.ClearSuspiciousRecord)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
