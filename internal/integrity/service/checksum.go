package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/smallbiznis/licensegate/internal/identity"
	"github.com/smallbiznis/licensegate/internal/integrity/domain"
)

// Checksummer binds record checksums to a machine identity and a secret seed.
type Checksummer struct {
	identity identity.Source
	seed     string
}

func NewChecksummer(src identity.Source, seed string) *Checksummer {
	return &Checksummer{identity: src, seed: seed}
}

// Calculate checksums fields under the local machine identity.
func (c *Checksummer) Calculate(ctx context.Context, fields domain.Fields) (string, error) {
	machineID, err := c.identity.MachineID(ctx)
	if err != nil {
		return "", err
	}
	return c.CalculateWithMachine(fields, machineID), nil
}

// CalculateWithMachine is used where the owning machine is known from elsewhere,
// such as rows carried inside an imported report.
func (c *Checksummer) CalculateWithMachine(fields domain.Fields, machineID string) string {
	// json.Marshal sorts map keys, which gives the canonical form
	canonical, _ := json.Marshal(fields.Canonical())

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte("|" + machineID + "|" + c.seed))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes a record checksum and reports a mismatch as *domain.IntegrityViolation.
func (c *Checksummer) Verify(ctx context.Context, record domain.Record) error {
	machineID := record.MachineID
	if machineID == "" {
		local, err := c.identity.MachineID(ctx)
		if err != nil {
			return err
		}
		machineID = local
	}

	expected := c.CalculateWithMachine(record.Fields, machineID)
	if expected == record.Checksum {
		return nil
	}
	return &domain.IntegrityViolation{
		RecordID: record.RecordID,
		Expected: expected,
		Actual:   record.Checksum,
	}
}

// OverallChecksum digests the ordered list of record checksums.
func OverallChecksum(checksums []string) string {
	if len(checksums) == 0 {
		sum := sha256.Sum256([]byte("empty"))
		return hex.EncodeToString(sum[:])
	}
	sum := sha256.Sum256([]byte(strings.Join(checksums, "|")))
	return hex.EncodeToString(sum[:])
}
