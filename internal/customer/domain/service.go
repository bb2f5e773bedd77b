package domain

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/licensegate/pkg/db/pagination"
)

type CreateCustomerRequest struct {
	Name            string      `json:"name" validate:"required,max=200"`
	Email           string      `json:"email" validate:"required,email"`
	Company         string      `json:"company" validate:"max=200"`
	BillingMode     BillingMode `json:"billing_mode" validate:"omitempty,oneof=per_sample per_operation subscription hybrid"`
	UnitPrice       *int64      `json:"unit_price" validate:"omitempty,gte=0"`
	SubscriptionFee int64       `json:"subscription_fee" validate:"gte=0"`
	IncludedUsage   int64       `json:"included_usage" validate:"gte=0"`
	ExpiryDays      int         `json:"expiry_days" validate:"gte=0,lte=3650"`
	Notes           string      `json:"notes"`
}

// UpdateCustomerRequest changes only the non-nil fields.
type UpdateCustomerRequest struct {
	Name            *string      `json:"name" validate:"omitempty,min=1,max=200"`
	Email           *string      `json:"email" validate:"omitempty,email"`
	Company         *string      `json:"company" validate:"omitempty,max=200"`
	BillingMode     *BillingMode `json:"billing_mode" validate:"omitempty,oneof=per_sample per_operation subscription hybrid"`
	UnitPrice       *int64       `json:"unit_price" validate:"omitempty,gte=0"`
	SubscriptionFee *int64       `json:"subscription_fee" validate:"omitempty,gte=0"`
	IncludedUsage   *int64       `json:"included_usage" validate:"omitempty,gte=0"`
	Status          *Status      `json:"status" validate:"omitempty,oneof=active expired suspended"`
	Notes           *string      `json:"notes"`
}

type ListCustomerRequest struct {
	pagination.Pagination
	Status Status `form:"status"`
}

type ListCustomerResponse struct {
	pagination.PageInfo
	Customers []Customer `json:"customers"`
}

type Service interface {
	Create(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	GetByID(ctx context.Context, customerID string) (Customer, error)
	GetByLicenseKey(ctx context.Context, licenseKey string) (Customer, error)
	List(ctx context.Context, req ListCustomerRequest) (ListCustomerResponse, error)
	Update(ctx context.Context, customerID string, req UpdateCustomerRequest) (Customer, error)
	Delete(ctx context.Context, customerID string) error
	SetExpiry(ctx context.Context, customerID string, expiresAt time.Time) (Customer, error)
	RefreshExpiredStatuses(ctx context.Context, now time.Time) (int64, error)
	UsageSummary(ctx context.Context, customerID string) (UsageSummary, error)
	LicenseKeys(ctx context.Context) ([]string, error)
}

var (
	ErrInvalidName        = errors.New("invalid_name")
	ErrInvalidEmail       = errors.New("invalid_email")
	ErrInvalidBillingMode = errors.New("invalid_billing_mode")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInvalidID          = errors.New("invalid_id")
	ErrNotFound           = errors.New("not_found")
	ErrDuplicate          = errors.New("duplicate_customer")
)
