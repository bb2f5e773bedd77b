package encryption

import (
	"crypto/sha256"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100000
	keySize       = 32
	saltSize      = 16
)

type KeySource string

const (
	KeySourceMachineID  KeySource = "machine_id"
	KeySourceLicenseKey KeySource = "license_key"
)

// Key is a derived AES-256 key together with the seed it came from.
type Key struct {
	Source KeySource
	Label  string

	material []byte
}

func (k Key) Valid() bool {
	return len(k.material) == keySize
}

func (k Key) String() string {
	label := k.Label
	if len(label) > 16 {
		label = label[:16] + "..."
	}
	return string(k.Source) + ":" + label
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the seed. The salt is the first 16
// bytes of the seed, repeating short seeds until they fill it.
func DeriveKey(seed string) []byte {
	return pbkdf2.Key([]byte(seed), saltFor(seed), kdfIterations, keySize, sha256.New)
}

func saltFor(seed string) []byte {
	if len(seed) >= saltSize {
		return []byte(seed[:saltSize])
	}
	if seed == "" {
		return make([]byte, saltSize)
	}
	return []byte(strings.Repeat(seed, saltSize)[:saltSize])
}

func KeyFromMachineID(machineID string) Key {
	return Key{Source: KeySourceMachineID, Label: machineID, material: DeriveKey(machineID)}
}

func KeyFromLicenseKey(licenseKey string) Key {
	return Key{Source: KeySourceLicenseKey, Label: licenseKey, material: DeriveKey(licenseKey)}
}
