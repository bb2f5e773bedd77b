package domain

import "context"

type Service interface {
	Validate(ctx context.Context, licenseKey string) (Result, error)
	Current(ctx context.Context) (Result, error)
	Allowed(feature Feature) bool
	Require(feature Feature) error
	UpdateLicense(ctx context.Context, info LicenseInfo) (Result, error)
}
