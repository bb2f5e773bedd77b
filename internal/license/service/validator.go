package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/licensegate/internal/clock"
	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/smallbiznis/licensegate/internal/license/domain"
	"github.com/smallbiznis/licensegate/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	reminderWindow30 = 30
	reminderWindow7  = 7
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    domain.Repository
	Metrics *metrics.Metrics `optional:"true"`
}

// Validator answers license questions for the host application. All checks
// are local; the installed license is cached after the first load.
type Validator struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    domain.Repository
	metrics *metrics.Metrics

	mu   sync.RWMutex
	info *domain.LicenseInfo
}

func NewValidator(p Params) *Validator {
	return &Validator{
		db:      p.DB,
		log:     p.Log.Named("license.validator"),
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

var _ domain.Service = (*Validator)(nil)

// DaysRemaining rounds partial days up, so a license expiring later today
// still has one day left.
func DaysRemaining(expiresAt, now time.Time) int {
	return int(math.Ceil(expiresAt.Sub(now).Hours() / 24))
}

// ShouldShowReminder maps days remaining onto the reminder levels.
func ShouldShowReminder(days int) (bool, domain.State) {
	switch {
	case days > reminderWindow30:
		return false, domain.StateValid
	case days > reminderWindow7:
		return true, domain.StateReminder30
	case days > 0:
		return true, domain.StateReminder7
	default:
		return true, domain.StateExpired
	}
}

// GetReminderMessage renders the text the host UI shows for a reminder level.
// It is empty when no reminder is due.
func GetReminderMessage(days int, customerName string) string {
	var msg string
	switch _, state := ShouldShowReminder(days); state {
	case domain.StateExpired:
		msg = "your license has expired, please contact the administrator to renew it"
	case domain.StateReminder7:
		msg = fmt.Sprintf("your license expires in %d %s, please renew soon", days, plural(days))
	case domain.StateReminder30:
		msg = fmt.Sprintf("your license expires in %d %s", days, plural(days))
	default:
		return ""
	}

	name := strings.TrimSpace(customerName)
	if name == "" {
		return strings.ToUpper(msg[:1]) + msg[1:]
	}
	return name + ", " + msg
}

func plural(days int) string {
	if days == 1 {
		return "day"
	}
	return "days"
}

func (v *Validator) evaluate(info *domain.LicenseInfo) domain.Result {
	days := DaysRemaining(info.ExpiresAt, v.clock.Now())
	_, state := ShouldShowReminder(days)
	v.metrics.SetLicenseDaysRemaining(days)

	expired := state == domain.StateExpired
	return domain.Result{
		Valid:         !expired,
		FormatValid:   true,
		Expired:       expired,
		DaysRemaining: days,
		State:         state,
		ExpiresAt:     info.ExpiresAt,
		Message:       GetReminderMessage(days, info.CustomerName),
	}
}

// Load refreshes the cached license from the local store.
func (v *Validator) Load(ctx context.Context) (*domain.LicenseInfo, error) {
	info, err := v.repo.Get(ctx, v.db)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.info = info
	v.mu.Unlock()
	return info, nil
}

func (v *Validator) cached() *domain.LicenseInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.info
}

func (v *Validator) Validate(ctx context.Context, licenseKey string) (domain.Result, error) {
	licenseKey = strings.TrimSpace(licenseKey)
	if !ValidateFormat(licenseKey) {
		return domain.Result{Message: "invalid license key format"}, nil
	}

	info, err := v.Load(ctx)
	if err != nil {
		return domain.Result{}, err
	}
	if info == nil {
		return domain.Result{}, domain.ErrNoLicense
	}
	if info.LicenseKey != licenseKey {
		return domain.Result{
			FormatValid: true,
			Message:     "license key does not match the installed license",
		}, nil
	}

	if err := v.repo.TouchValidated(ctx, v.db, v.clock.Now()); err != nil {
		v.log.Warn("failed to record validation time", zap.Error(err))
	}
	return v.evaluate(info), nil
}

// Current evaluates the installed license without a key comparison.
func (v *Validator) Current(ctx context.Context) (domain.Result, error) {
	info, err := v.Load(ctx)
	if err != nil {
		return domain.Result{}, err
	}
	if info == nil {
		return domain.Result{}, domain.ErrNoLicense
	}
	return v.evaluate(info), nil
}

// Allowed uses the cached license. Without an installed license only the
// always-allowed features pass.
func (v *Validator) Allowed(feature domain.Feature) bool {
	return v.Require(feature) == nil
}

func (v *Validator) Require(feature domain.Feature) error {
	for _, f := range domain.AlwaysAllowed {
		if f == feature {
			return nil
		}
	}

	info := v.cached()
	if info == nil {
		return domain.ErrNoLicense
	}
	if DaysRemaining(info.ExpiresAt, v.clock.Now()) <= 0 {
		return &domain.LicenseExpiredError{Feature: feature, ExpiredAt: info.ExpiresAt}
	}
	return nil
}

// UpdateLicense persists new license info and swaps the cached license on success.
func (v *Validator) UpdateLicense(ctx context.Context, info domain.LicenseInfo) (domain.Result, error) {
	info.LicenseKey = strings.TrimSpace(info.LicenseKey)
	if !ValidateFormat(info.LicenseKey) {
		return domain.Result{}, domain.ErrInvalidFormat
	}
	if info.ExpiresAt.IsZero() {
		return domain.Result{}, domain.ErrInvalidExpiry
	}

	now := v.clock.Now().UTC()
	if info.ActivatedAt.IsZero() {
		info.ActivatedAt = now
	}
	if info.Status == "" {
		info.Status = "active"
	}
	info.ExpiresAt = info.ExpiresAt.UTC()
	info.UpdatedAt = now

	if err := v.repo.Save(ctx, v.db, &info); err != nil {
		return domain.Result{}, err
	}

	v.mu.Lock()
	v.info = &info
	v.mu.Unlock()

	result := v.evaluate(&info)
	v.log.Info("license updated",
		zap.String("customer_id", info.CustomerID),
		zap.Time("expires_at", info.ExpiresAt),
		zap.String("state", string(result.State)),
	)
	return result, nil
}

// ApplyLicenseFile installs a license artifact unless it matches the
// installed license already.
func (v *Validator) ApplyLicenseFile(ctx context.Context, lf config.LicenseFile) (domain.Result, error) {
	if current := v.cached(); current != nil &&
		current.LicenseKey == lf.LicenseKey && current.ExpiresAt.Equal(lf.ExpiresAt) && current.Status == lf.Status {
		return v.evaluate(current), nil
	}
	return v.UpdateLicense(ctx, domain.LicenseInfo{
		LicenseKey:  lf.LicenseKey,
		CustomerID:  lf.CustomerID,
		Status:      lf.Status,
		BillingMode: lf.BillingMode,
		ExpiresAt:   lf.ExpiresAt,
	})
}
