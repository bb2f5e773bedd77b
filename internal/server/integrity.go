package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type verifyIntegrityRequest struct {
	MarkSuspicious *bool `json:"mark_suspicious"`
}

// VerifyIntegrity rechecks every imported detail row. Rows are flagged
// unless mark_suspicious is false.
func (s *Server) VerifyIntegrity(c *gin.Context) {
	var req verifyIntegrityRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}
	mark := req.MarkSuspicious == nil || *req.MarkSuspicious

	resp, err := s.integritySvc.VerifyAllRecords(c.Request.Context(), mark)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"result":         resp,
		"integrity_rate": resp.Rate(),
	}})
}

func (s *Server) IntegrityReport(c *gin.Context) {
	resp, err := s.integritySvc.GenerateIntegrityReport(c.Request.Context(), "")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListSuspiciousRecords(c *gin.Context) {
	resp, err := s.integritySvc.GetSuspiciousRecords(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// ClearSuspiciousRecord is the explicit operator action that makes a row
// billable again. Imported rows are addressed with ?machine_id=.
func (s *Server) ClearSuspiciousRecord(c *gin.Context) {
	cleared, err := s.integritySvc.ClearSuspiciousFlag(c.Request.Context(),
		strings.TrimSpace(c.Query("machine_id")),
		strings.TrimSpace(c.Param("id")),
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !cleared {
		AbortWithError(c, ErrNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"record_id": c.Param("id"), "cleared": true}})
}
