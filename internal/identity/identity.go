package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/smallbiznis/licensegate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrEmptyMachineID = errors.New("empty_machine_id")

// Source resolves the identity that checksums and report keys are bound to.
type Source interface {
	MachineID(ctx context.Context) (string, error)
}

var Module = fx.Module("identity",
	fx.Provide(New),
)

// New prefers an explicit MACHINE_ID and falls back to the host fingerprint.
func New(cfg config.Config, log *zap.Logger) Source {
	if id := strings.TrimSpace(cfg.Client.MachineID); id != "" {
		return Static(id)
	}
	return NewFingerprintSource(log)
}

// Static is a fixed machine identity, used for configured installs and tests.
type Static string

func (s Static) MachineID(context.Context) (string, error) {
	id := strings.TrimSpace(string(s))
	if id == "" {
		return "", ErrEmptyMachineID
	}
	return id, nil
}

// LicenseKeySource binds identity to the license key. Older clients did this
// before a host fingerprint existed; it is kept so their records still verify.
type LicenseKeySource struct {
	Key func() string
}

func (s LicenseKeySource) MachineID(context.Context) (string, error) {
	if s.Key == nil {
		return "", ErrEmptyMachineID
	}
	key := strings.TrimSpace(s.Key())
	if key == "" {
		return "", ErrEmptyMachineID
	}
	return key, nil
}

// FingerprintSource hashes stable host factors. The value is computed once per process.
type FingerprintSource struct {
	log *zap.Logger

	once sync.Once
	id   string
	err  error

	interfaces func() ([]net.Interface, error)
	hostname   func() (string, error)
}

func NewFingerprintSource(log *zap.Logger) *FingerprintSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &FingerprintSource{
		log:        log.Named("identity.fingerprint"),
		interfaces: net.Interfaces,
		hostname:   os.Hostname,
	}
}

func (f *FingerprintSource) MachineID(context.Context) (string, error) {
	f.once.Do(func() {
		f.id, f.err = f.generate()
	})
	return f.id, f.err
}

func (f *FingerprintSource) generate() (string, error) {
	mac := f.macAddress()
	if mac == "" {
		mac = "unknown-mac"
		f.log.Warn("no hardware address found, using fallback")
	}

	host, err := f.hostname()
	host = strings.ToLower(strings.TrimSpace(host))
	if err != nil || host == "" {
		host = "unknown-host"
		f.log.Warn("hostname unavailable, using fallback", zap.Error(err))
	}

	factors := []string{mac, host, runtime.GOOS, runtime.GOARCH}
	sum := sha256.Sum256([]byte(strings.Join(factors, "|")))
	id := hex.EncodeToString(sum[:])

	f.log.Info("machine fingerprint generated",
		zap.String("machine_id", id[:16]+"..."),
		zap.String("os", runtime.GOOS),
	)
	return id, nil
}

func (f *FingerprintSource) macAddress() string {
	interfaces, err := f.interfaces()
	if err != nil {
		return ""
	}

	var fallback string
	for _, iface := range interfaces {
		mac := iface.HardwareAddr.String()
		if mac == "" || mac == "00:00:00:00:00:00" {
			continue
		}
		if iface.Flags&net.FlagLoopback == 0 && iface.Flags&net.FlagUp != 0 {
			return mac
		}
		if fallback == "" {
			fallback = mac
		}
	}
	return fallback
}
