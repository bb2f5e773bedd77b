package server

import (
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"go.uber.org/zap"
)

const defaultMaxUpload = 32 << 20

// ImportRateLimit throttles report uploads per client address.
func (s *Server) ImportRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		res := s.limiter.Allow(c.ClientIP())
		if res.Allowed {
			c.Next()
			return
		}

		route := c.FullPath()
		logger.WithContext(c.Request.Context(), s.log).Warn("import rate limit exceeded",
			zap.String("route", route),
			zap.String("client_ip", c.ClientIP()),
		)
		s.obsMetrics.RecordRateLimited(route)

		retry := int(res.RetryAfter.Seconds())
		if retry < 1 {
			retry = 1
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		AbortWithError(c, ErrRateLimited)
	}
}

// ImportReport accepts one encrypted usage report as multipart field "file".
func (s *Server) ImportReport(c *gin.Context) {
	limit := s.cfg.Import.MaxFileSize
	if limit <= 0 {
		limit = defaultMaxUpload
	}

	header, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if header.Size > limit {
		AbortWithError(c, ErrFileTooLarge)
		return
	}

	f, err := header.Open()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if int64(len(data)) > limit {
		AbortWithError(c, ErrFileTooLarge)
		return
	}

	resp, err := s.importSvc.ImportData(c.Request.Context(), filepath.Base(header.Filename), data)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

type deleteReportRequest struct {
	LicenseKey string `json:"license_key" form:"license_key"`
	ReportDate string `json:"report_date" form:"report_date"`
	MachineID  string `json:"machine_id" form:"machine_id"`
}

// DeleteReport removes an imported report so the same file can be imported
// again.
func (s *Server) DeleteReport(c *gin.Context) {
	var req deleteReportRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	req.LicenseKey = strings.TrimSpace(req.LicenseKey)
	req.ReportDate = strings.TrimSpace(req.ReportDate)
	req.MachineID = strings.TrimSpace(req.MachineID)
	if req.LicenseKey == "" || req.ReportDate == "" || req.MachineID == "" {
		AbortWithError(c, fmt.Errorf("%w: license_key, report_date and machine_id are required", ErrInvalidRequest))
		return
	}

	if err := s.importSvc.DeleteReport(c.Request.Context(), req.LicenseKey, req.ReportDate, req.MachineID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
