package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	ErrLicenseFileNotFound = errors.New("license_file_not_found")
	ErrLicenseFileInvalid  = errors.New("license_file_invalid")
)

// LicenseFile is the plain key=value license artifact the admin tooling hands to a client.
type LicenseFile struct {
	LicenseKey  string
	ExpiresAt   time.Time
	CustomerID  string
	Status      string
	BillingMode string
	UpdatedAt   time.Time
}

const (
	licenseKeyField  = "license_key"
	expiresAtField   = "expires_at"
	customerIDField  = "customer_id"
	statusField      = "status"
	billingModeField = "billing_mode"
	updatedAtField   = "updated_at"
)

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseISOTime accepts the ISO-8601 shapes written by both the current and older admin tools.
// Values without a zone are read as UTC.
func ParseISOTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 time %q", value)
}

// ReadLicenseFile parses a license artifact from disk.
func ReadLicenseFile(path string) (LicenseFile, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return LicenseFile{}, fmt.Errorf("%w: %v", ErrLicenseFileNotFound, err)
	}
	return licenseFromMap(values)
}

// WriteLicenseFile writes the artifact so ReadLicenseFile and the client watcher can load it.
func WriteLicenseFile(path string, lf LicenseFile) error {
	if strings.TrimSpace(lf.LicenseKey) == "" || lf.ExpiresAt.IsZero() {
		return ErrLicenseFileInvalid
	}
	updatedAt := lf.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return godotenv.Write(map[string]string{
		licenseKeyField:  lf.LicenseKey,
		expiresAtField:   lf.ExpiresAt.UTC().Format(time.RFC3339),
		customerIDField:  lf.CustomerID,
		statusField:      lf.Status,
		billingModeField: lf.BillingMode,
		updatedAtField:   updatedAt.UTC().Format(time.RFC3339),
	}, path)
}

// Marshal renders the artifact as text without touching disk.
func (lf LicenseFile) Marshal() (string, error) {
	if strings.TrimSpace(lf.LicenseKey) == "" || lf.ExpiresAt.IsZero() {
		return "", ErrLicenseFileInvalid
	}
	updatedAt := lf.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	return godotenv.Marshal(map[string]string{
		licenseKeyField:  lf.LicenseKey,
		expiresAtField:   lf.ExpiresAt.UTC().Format(time.RFC3339),
		customerIDField:  lf.CustomerID,
		statusField:      lf.Status,
		billingModeField: lf.BillingMode,
		updatedAtField:   updatedAt.UTC().Format(time.RFC3339),
	})
}

func licenseFromMap(values map[string]string) (LicenseFile, error) {
	lf := LicenseFile{
		LicenseKey:  strings.TrimSpace(values[licenseKeyField]),
		CustomerID:  strings.TrimSpace(values[customerIDField]),
		Status:      strings.ToLower(strings.TrimSpace(values[statusField])),
		BillingMode: strings.ToLower(strings.TrimSpace(values[billingModeField])),
	}
	if lf.LicenseKey == "" {
		return LicenseFile{}, fmt.Errorf("%w: missing %s", ErrLicenseFileInvalid, licenseKeyField)
	}

	expiresAt, err := ParseISOTime(values[expiresAtField])
	if err != nil {
		return LicenseFile{}, fmt.Errorf("%w: %v", ErrLicenseFileInvalid, err)
	}
	lf.ExpiresAt = expiresAt

	if raw := strings.TrimSpace(values[updatedAtField]); raw != "" {
		if updatedAt, err := ParseISOTime(raw); err == nil {
			lf.UpdatedAt = updatedAt
		}
	}
	return lf, nil
}

// LicenseWatcher reloads the license artifact whenever it changes on disk.
type LicenseWatcher struct {
	v   *viper.Viper
	log *zap.Logger

	mu        sync.RWMutex
	current   LicenseFile
	listeners []func(LicenseFile)
}

// NewLicenseWatcher reads the artifact once and starts watching it.
func NewLicenseWatcher(path string, log *zap.Logger) (*LicenseWatcher, error) {
	if log == nil {
		log = zap.NewNop()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLicenseFileNotFound, err)
	}

	lf, err := licenseFromViper(v)
	if err != nil {
		return nil, err
	}

	w := &LicenseWatcher{
		v:       v,
		log:     log.Named("license.watcher"),
		current: lf,
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := licenseFromViper(v)
		if err != nil {
			w.log.Warn("license config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		w.set(updated)
		w.log.Info("license config reloaded",
			zap.String("file", e.Name),
			zap.String("customer_id", updated.CustomerID),
			zap.Time("expires_at", updated.ExpiresAt),
		)
	})
	v.WatchConfig()

	return w, nil
}

// Current returns the last successfully loaded artifact.
func (w *LicenseWatcher) Current() LicenseFile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// OnChange registers a listener invoked after every successful reload.
func (w *LicenseWatcher) OnChange(fn func(LicenseFile)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

func (w *LicenseWatcher) set(lf LicenseFile) {
	w.mu.Lock()
	w.current = lf
	listeners := append([]func(LicenseFile){}, w.listeners...)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(lf)
	}
}

func licenseFromViper(v *viper.Viper) (LicenseFile, error) {
	return licenseFromMap(map[string]string{
		licenseKeyField:  v.GetString(licenseKeyField),
		expiresAtField:   v.GetString(expiresAtField),
		customerIDField:  v.GetString(customerIDField),
		statusField:      v.GetString(statusField),
		billingModeField: v.GetString(billingModeField),
		updatedAtField:   v.GetString(updatedAtField),
	})
}
