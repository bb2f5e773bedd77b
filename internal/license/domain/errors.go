package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLicenseExpired = errors.New("license_expired")
	ErrInvalidFormat  = errors.New("invalid_license_format")
	ErrNoLicense      = errors.New("no_license")
	ErrInvalidExpiry  = errors.New("invalid_expiry")
)

// LicenseExpiredError gates a feature; read-only paths stay available.
type LicenseExpiredError struct {
	Feature   Feature
	ExpiredAt time.Time
}

func (e *LicenseExpiredError) Error() string {
	return fmt.Sprintf("feature %s is unavailable: license expired on %s", e.Feature, e.ExpiredAt.Format("2006-01-02"))
}

func (e *LicenseExpiredError) Is(target error) bool {
	return target == ErrLicenseExpired
}
