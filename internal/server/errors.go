package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	customerdomain "github.com/smallbiznis/licensegate/internal/customer/domain"
	"github.com/smallbiznis/licensegate/internal/encryption"
	integritydomain "github.com/smallbiznis/licensegate/internal/integrity/domain"
	invoicedomain "github.com/smallbiznis/licensegate/internal/invoice/domain"
	licensedomain "github.com/smallbiznis/licensegate/internal/license/domain"
	reportdomain "github.com/smallbiznis/licensegate/internal/reportimport/domain"
	usagedomain "github.com/smallbiznis/licensegate/internal/usage/domain"
	"github.com/smallbiznis/licensegate/internal/usagereport"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
	ErrFileTooLarge   = errors.New("file_too_large")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

// mapError turns a domain error into a status and payload. Storage failures
// are reported as internal errors and never repaired here.
func mapError(err error) (int, errorPayload) {
	switch {
	case err == nil:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	case errors.Is(err, reportdomain.ErrDuplicateReport):
		return http.StatusConflict, errorPayload{Type: "duplicate_report", Message: err.Error()}
	case errors.Is(err, usagedomain.ErrReportAlreadyExported):
		return http.StatusConflict, errorPayload{Type: "report_already_exported", Message: err.Error()}
	case errors.Is(err, licensedomain.ErrLicenseExpired):
		return http.StatusForbidden, errorPayload{Type: "license_expired", Message: err.Error()}
	case errors.Is(err, licensedomain.ErrNoLicense),
		errors.Is(err, usagedomain.ErrNoLicense):
		return http.StatusForbidden, errorPayload{Type: "no_license", Message: "no license installed"}
	case errors.Is(err, usagedomain.ErrTrackerClosed):
		return http.StatusServiceUnavailable, errorPayload{Type: "unavailable", Message: err.Error()}
	case errors.Is(err, encryption.ErrDecryption):
		return http.StatusUnprocessableEntity, errorPayload{Type: "decryption_failed", Message: err.Error()}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{Type: "rate_limited", Message: "too many requests"}
	case errors.Is(err, ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, errorPayload{Type: "file_too_large", Message: err.Error()}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{Type: "conflict", Message: err.Error()}
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{Type: "validation_error", Message: err.Error()}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{Type: "not_found", Message: "not found"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, customerdomain.ErrDuplicate),
		errors.Is(err, invoicedomain.ErrInvoiceExists),
		errors.Is(err, invoicedomain.ErrInvalidTransition),
		errors.Is(err, invoicedomain.ErrInvoiceNotPaid):
		return true
	default:
		return false
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, pagination.ErrInvalidPageToken),
		errors.Is(err, usagereport.ErrInvalidReport),
		errors.Is(err, reportdomain.ErrUnknownLicense),
		errors.Is(err, licensedomain.ErrInvalidFormat),
		errors.Is(err, licensedomain.ErrInvalidExpiry),
		errors.Is(err, integritydomain.ErrEmptyRecordID),
		errors.Is(err, integritydomain.ErrEmptyMachineID),
		errors.Is(err, usagedomain.ErrInvalidAction),
		errors.Is(err, usagedomain.ErrInvalidSampleName),
		errors.Is(err, usagedomain.ErrInvalidWindow):
		return true
	case isCustomerValidationError(err),
		isInvoiceValidationError(err):
		return true
	default:
		return false
	}
}

func isCustomerValidationError(err error) bool {
	switch {
	case errors.Is(err, customerdomain.ErrInvalidName),
		errors.Is(err, customerdomain.ErrInvalidEmail),
		errors.Is(err, customerdomain.ErrInvalidBillingMode),
		errors.Is(err, customerdomain.ErrInvalidRequest),
		errors.Is(err, customerdomain.ErrInvalidID):
		return true
	default:
		return false
	}
}

func isInvoiceValidationError(err error) bool {
	switch {
	case errors.Is(err, invoicedomain.ErrInvalidPeriod),
		errors.Is(err, invoicedomain.ErrInvalidQuarter),
		errors.Is(err, invoicedomain.ErrInvalidMonths),
		errors.Is(err, invoicedomain.ErrInvalidBillingMode),
		errors.Is(err, invoicedomain.ErrInvoiceOwnerMismatch):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, reportdomain.ErrReportNotFound),
		errors.Is(err, integritydomain.ErrRecordNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	return payload.Type, http.StatusText(status)
}
