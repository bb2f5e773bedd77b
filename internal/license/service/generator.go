package service

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	customerIDPrefix = "CUST-"
	licenseKeyPrefix = "DESI-"
)

var licenseKeyPattern = regexp.MustCompile(`^DESI-([0-9A-F]{8})-([0-9A-F]{8})-([0-9A-F]{4})$`)

// Generator mints customer ids and license keys. Uniqueness across the
// registry is enforced by the unique indexes; callers retry on collision.
type Generator struct {
	newUUID func() uuid.UUID
}

func NewGenerator() *Generator {
	return &Generator{newUUID: uuid.New}
}

// NewGeneratorWith draws randomness from newUUID instead of uuid.New.
func NewGeneratorWith(newUUID func() uuid.UUID) *Generator {
	return &Generator{newUUID: newUUID}
}

// GenerateCustomerID returns CUST- followed by 8 upper-case hex digits.
func (g *Generator) GenerateCustomerID() string {
	return customerIDPrefix + g.hex(8)
}

// GenerateLicenseKey returns DESI-XXXXXXXX-XXXXXXXX-CCCC where CCCC is the
// md5 check group of the two random groups.
func (g *Generator) GenerateLicenseKey() string {
	random := g.hex(16)
	first, second := random[:8], random[8:]
	return licenseKeyPrefix + first + "-" + second + "-" + checkGroup(first, second)
}

func (g *Generator) hex(n int) string {
	id := g.newUUID()
	return strings.ToUpper(hex.EncodeToString(id[:]))[:n]
}

// ValidateFormat reports whether key has the license key shape and a
// matching check group.
func ValidateFormat(key string) bool {
	m := licenseKeyPattern.FindStringSubmatch(strings.TrimSpace(key))
	if m == nil {
		return false
	}
	return m[3] == checkGroup(m[1], m[2])
}

func checkGroup(first, second string) string {
	sum := md5.Sum([]byte(first + second))
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:4]
}
