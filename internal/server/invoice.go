package server

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
)

type generateInvoiceRequest struct {
	CustomerID  string   `json:"customer_id"`
	Quarter     string   `json:"quarter"`
	PeriodStart string   `json:"period_start"`
	PeriodEnd   string   `json:"period_end"`
	TaxRate     *float64 `json:"tax_rate"`
	Notes       string   `json:"notes"`
}

// GenerateInvoice bills either an explicit period or a quarter such as 2025-Q1.
func (s *Server) GenerateInvoice(c *gin.Context) {
	var req generateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.CustomerID) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	var (
		resp invoicedomain.Invoice
		err  error
	)
	if strings.TrimSpace(req.Quarter) != "" {
		resp, err = s.invoiceSvc.GenerateQuarterlyInvoice(c.Request.Context(), strings.TrimSpace(req.CustomerID), req.Quarter)
	} else {
		resp, err = s.invoiceSvc.GenerateInvoice(c.Request.Context(), invoicedomain.GenerateInvoiceRequest{
			CustomerID:  strings.TrimSpace(req.CustomerID),
			PeriodStart: req.PeriodStart,
			PeriodEnd:   req.PeriodEnd,
			TaxRate:     req.TaxRate,
			Notes:       req.Notes,
		})
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListInvoices(c *gin.Context) {
	var query invoicedomain.ListInvoiceRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.invoiceSvc.List(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetInvoice(c *gin.Context) {
	resp, err := s.invoiceSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DownloadInvoiceText(c *gin.Context) {
	path, err := s.invoiceSvc.ExportText(c.Request.Context(), strings.TrimSpace(c.Param("id")), "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.FileAttachment(path, filepath.Base(path))
}

func (s *Server) MarkInvoiceSent(c *gin.Context) {
	resp, err := s.invoiceSvc.MarkSent(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) MarkInvoicePaid(c *gin.Context) {
	resp, err := s.invoiceSvc.MarkPaid(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// RunBillingCycle imports report files already on the admin host and
// invoices the quarter.
func (s *Server) RunBillingCycle(c *gin.Context) {
	var req invoicedomain.BillingCycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.invoiceSvc.RunBillingCycle(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
