package identity

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/smallbiznis/licensegate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStaticSource(t *testing.T) {
	id, err := Static(" machine-a ").MachineID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "machine-a", id)

	_, err = Static("").MachineID(context.Background())
	assert.ErrorIs(t, err, ErrEmptyMachineID)
}

func TestLicenseKeySource(t *testing.T) {
	src := LicenseKeySource{Key: func() string { return "DESI-AAAAAAAA-BBBBBBBB-CCCC" }}
	id, err := src.MachineID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DESI-AAAAAAAA-BBBBBBBB-CCCC", id)

	_, err = LicenseKeySource{}.MachineID(context.Background())
	assert.ErrorIs(t, err, ErrEmptyMachineID)
}

func TestNewPrefersConfiguredMachineID(t *testing.T) {
	src := New(config.Config{Client: config.ClientConfig{MachineID: "configured"}}, zap.NewNop())
	id, err := src.MachineID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "configured", id)
}

func TestFingerprintIsStableAndSkipsLoopback(t *testing.T) {
	calls := 0
	src := NewFingerprintSource(zap.NewNop())
	src.interfaces = func() ([]net.Interface, error) {
		calls++
		return []net.Interface{
			{Name: "lo", Flags: net.FlagLoopback | net.FlagUp, HardwareAddr: net.HardwareAddr{0, 0, 0, 0, 0, 1}},
			{Name: "eth0", Flags: net.FlagUp, HardwareAddr: net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0, 1}},
		}, nil
	}
	src.hostname = func() (string, error) { return "Lab-Workstation", nil }

	first, err := src.MachineID(context.Background())
	require.NoError(t, err)
	second, err := src.MachineID(context.Background())
	require.NoError(t, err)

	assert.Len(t, first, 64)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)

	other := NewFingerprintSource(zap.NewNop())
	other.interfaces = func() ([]net.Interface, error) { return nil, errors.New("no interfaces") }
	other.hostname = func() (string, error) { return "lab-workstation", nil }
	otherID, err := other.MachineID(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first, otherID)
}
