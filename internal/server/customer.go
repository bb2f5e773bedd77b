package server

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
)

func (s *Server) CreateCustomer(c *gin.Context) {
	var req customerdomain.CreateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.customerSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListCustomers(c *gin.Context) {
	var query customerdomain.ListCustomerRequest
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.customerSvc.List(c.Request.Context(), query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetCustomerByID(c *gin.Context) {
	resp, err := s.customerSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateCustomer(c *gin.Context) {
	var req customerdomain.UpdateCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.customerSvc.Update(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// DeleteCustomer suspends the customer; the row and its history are kept.
func (s *Server) DeleteCustomer(c *gin.Context) {
	if err := s.customerSvc.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetCustomerUsage(c *gin.Context) {
	resp, err := s.customerSvc.UsageSummary(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListCustomerReports(c *gin.Context) {
	customerID := strings.TrimSpace(c.Param("id"))
	if _, err := s.customerSvc.GetByID(c.Request.Context(), customerID); err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.importSvc.ListReports(c.Request.Context(), customerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DownloadLicenseConfig(c *gin.Context) {
	path, err := s.invoiceSvc.GenerateLicenseConfig(c.Request.Context(), strings.TrimSpace(c.Param("id")), "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.FileAttachment(path, filepath.Base(path))
}

type extendLicenseRequest struct {
	InvoiceID string `json:"invoice_id"`
	Months    int    `json:"months"`
}

func (s *Server) ExtendLicense(c *gin.Context) {
	var req extendLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.InvoiceID) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.invoiceSvc.ExtendLicenseAfterPayment(c.Request.Context(), strings.TrimSpace(c.Param("id")), strings.TrimSpace(req.InvoiceID), req.Months)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
