package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/customer/domain"
	licenseservice "github.com/smallbiznis/licensegate/internal/license/service"
	"github.com/smallbiznis/licensegate/internal/observability/logger"
	"github.com/smallbiznis/licensegate/pkg/db"
	"github.com/smallbiznis/licensegate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxIdentityAttempts = 5

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Config    config.Config
	Repo      domain.Repository
	Generator *licenseservice.Generator `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	generator *licenseservice.Generator
	validate  *validator.Validate

	defaultExpiryDays int
	defaultUnitPrice  int64
}

func New(p Params) *Service {
	gen := p.Generator
	if gen == nil {
		gen = licenseservice.NewGenerator()
	}
	expiryDays := p.Config.Billing.DefaultExpiryDays
	if expiryDays <= 0 {
		expiryDays = 365
	}
	return &Service{
		db:                p.DB,
		log:               p.Log.Named("customer.service"),
		genID:             p.GenID,
		clock:             p.Clock,
		repo:              p.Repo,
		generator:         gen,
		validate:          validator.New(),
		defaultExpiryDays: expiryDays,
		defaultUnitPrice:  p.Config.Billing.DefaultUnitPrice,
	}
}

var _ domain.Service = (*Service)(nil)

func (s *Service) Create(ctx context.Context, req domain.CreateCustomerRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Email = strings.TrimSpace(req.Email)
	req.Company = strings.TrimSpace(req.Company)
	if req.BillingMode == "" {
		req.BillingMode = domain.BillingPerSample
	}
	if err := s.validateRequest(req); err != nil {
		return domain.Customer{}, err
	}

	unitPrice := s.defaultUnitPrice
	if req.UnitPrice != nil {
		unitPrice = *req.UnitPrice
	}
	expiryDays := req.ExpiryDays
	if expiryDays == 0 {
		expiryDays = s.defaultExpiryDays
	}

	now := s.clock.Now().UTC()
	customer := domain.Customer{
		Name:            req.Name,
		Email:           req.Email,
		Company:         req.Company,
		BillingMode:     req.BillingMode,
		UnitPrice:       unitPrice,
		SubscriptionFee: req.SubscriptionFee,
		IncludedUsage:   req.IncludedUsage,
		ExpiresAt:       now.AddDate(0, 0, expiryDays),
		Status:          domain.StatusActive,
		Notes:           req.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// ids and keys are random; a collision on the unique indexes just draws again
	for attempt := 1; ; attempt++ {
		customer.ID = s.genID.Generate()
		customer.CustomerID = s.generator.GenerateCustomerID()
		customer.LicenseKey = s.generator.GenerateLicenseKey()

		err := s.repo.Insert(ctx, s.db, &customer)
		if err == nil {
			break
		}
		if !db.IsDuplicateKeyErr(err) {
			return domain.Customer{}, err
		}
		if attempt == maxIdentityAttempts {
			return domain.Customer{}, domain.ErrDuplicate
		}
		s.log.Warn("customer identity collision, regenerating", zap.Int("attempt", attempt))
	}

	logger.WithContext(ctx, s.log).Info("customer created",
		zap.String("customer_id", customer.CustomerID),
		zap.String("billing_mode", string(customer.BillingMode)),
		zap.Time("expires_at", customer.ExpiresAt),
	)
	return customer, nil
}

func (s *Service) GetByID(ctx context.Context, customerID string) (domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, domain.ErrInvalidID
	}
	item, err := s.repo.FindByCustomerID(ctx, s.db, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) GetByLicenseKey(ctx context.Context, licenseKey string) (domain.Customer, error) {
	licenseKey = strings.TrimSpace(licenseKey)
	if licenseKey == "" {
		return domain.Customer{}, domain.ErrNotFound
	}
	item, err := s.repo.FindByLicenseKey(ctx, s.db, licenseKey)
	if err != nil {
		return domain.Customer{}, err
	}
	if item == nil {
		return domain.Customer{}, domain.ErrNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context, req domain.ListCustomerRequest) (domain.ListCustomerResponse, error) {
	if req.Status != "" && req.Status != domain.StatusActive &&
		req.Status != domain.StatusExpired && req.Status != domain.StatusSuspended {
		return domain.ListCustomerResponse{}, domain.ErrInvalidRequest
	}

	filter := domain.ListCustomerFilter{Status: req.Status}
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return domain.ListCustomerResponse{}, err
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListCustomerResponse{}, pagination.ErrInvalidPageToken
		}
		filter.AfterID = id
	}

	size := req.Size()
	filter.Limit = size + 1
	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListCustomerResponse{}, err
	}

	items, pageInfo := pagination.Page(items, size, func(c *domain.Customer) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: c.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	customers := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		customers = append(customers, *item)
	}
	return domain.ListCustomerResponse{PageInfo: pageInfo, Customers: customers}, nil
}

func (s *Service) Update(ctx context.Context, customerID string, req domain.UpdateCustomerRequest) (domain.Customer, error) {
	if err := s.validateRequest(req); err != nil {
		return domain.Customer{}, err
	}

	customer, err := s.GetByID(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Customer{}, domain.ErrInvalidName
		}
		customer.Name = name
	}
	if req.Email != nil {
		customer.Email = strings.TrimSpace(*req.Email)
	}
	if req.Company != nil {
		customer.Company = strings.TrimSpace(*req.Company)
	}
	if req.BillingMode != nil {
		customer.BillingMode = *req.BillingMode
	}
	if req.UnitPrice != nil {
		customer.UnitPrice = *req.UnitPrice
	}
	if req.SubscriptionFee != nil {
		customer.SubscriptionFee = *req.SubscriptionFee
	}
	if req.IncludedUsage != nil {
		customer.IncludedUsage = *req.IncludedUsage
	}
	if req.Status != nil {
		customer.Status = *req.Status
	}
	if req.Notes != nil {
		customer.Notes = *req.Notes
	}
	customer.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo.Update(ctx, s.db, &customer); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

// Delete suspends the customer. Imported reports and invoices keep pointing at it.
func (s *Service) Delete(ctx context.Context, customerID string) error {
	status := domain.StatusSuspended
	_, err := s.Update(ctx, customerID, domain.UpdateCustomerRequest{Status: &status})
	if err != nil {
		return err
	}
	logger.WithContext(ctx, s.log).Info("customer suspended", zap.String("customer_id", customerID))
	return nil
}

// SetExpiry moves the license expiry and reactivates the customer.
func (s *Service) SetExpiry(ctx context.Context, customerID string, expiresAt time.Time) (domain.Customer, error) {
	if expiresAt.IsZero() {
		return domain.Customer{}, domain.ErrInvalidRequest
	}
	customer, err := s.GetByID(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}

	customer.ExpiresAt = expiresAt.UTC()
	customer.Status = domain.StatusActive
	customer.UpdatedAt = s.clock.Now().UTC()
	if err := s.repo.Update(ctx, s.db, &customer); err != nil {
		return domain.Customer{}, err
	}
	return customer, nil
}

func (s *Service) RefreshExpiredStatuses(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.repo.ExpireActive(ctx, s.db, now.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("customers expired", zap.Int64("count", n))
	}
	return n, nil
}

func (s *Service) UsageSummary(ctx context.Context, customerID string) (domain.UsageSummary, error) {
	customer, err := s.GetByID(ctx, customerID)
	if err != nil {
		return domain.UsageSummary{}, err
	}
	return s.repo.SumUsage(ctx, s.db, customer.CustomerID)
}

// LicenseKeys lists every issued license key, oldest customer first.
func (s *Service) LicenseKeys(ctx context.Context) ([]string, error) {
	return s.repo.LicenseKeys(ctx, s.db)
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.ErrInvalidRequest
	}
	switch verrs[0].Field() {
	case "Name":
		return domain.ErrInvalidName
	case "Email":
		return domain.ErrInvalidEmail
	case "BillingMode":
		return domain.ErrInvalidBillingMode
	default:
		return domain.ErrInvalidRequest
	}
}
