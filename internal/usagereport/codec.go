package usagereport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/smallbiznis/licensegate/internal/encryption"
)

// Artifact is the on-disk file. The header is informational and only used to
// pick candidate keys; the importer trusts the decrypted payload alone.
type Artifact struct {
	Format         int             `json:"format"`
	LicenseKey     string          `json:"license_key"`
	MachineID      string          `json:"machine_id"`
	ReportDate     string          `json:"report_date"`
	PeriodStart    string          `json:"period_start"`
	PeriodEnd      string          `json:"period_end"`
	UsageStats     UsageStats      `json:"usage_stats"`
	IntegrityCheck string          `json:"integrity_check"`
	EncryptedData  json.RawMessage `json:"encrypted_data"`
}

type Codec struct {
	enc *encryption.Service
}

func NewCodec(enc *encryption.Service) *Codec {
	return &Codec{enc: enc}
}

// Seal encodes the report as JSON, compresses it with snappy and encrypts it.
func (c *Codec) Seal(ctx context.Context, report Report, key encryption.Key) ([]byte, error) {
	if err := report.Validate(); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil, err
	}

	sealed, err := c.enc.Encrypt(ctx, snappy.Encode(nil, payload), key)
	if err != nil {
		return nil, fmt.Errorf("encrypt report: %w", err)
	}

	return json.MarshalIndent(Artifact{
		Format:         FormatVersion,
		LicenseKey:     report.LicenseKey,
		MachineID:      report.MachineID,
		ReportDate:     report.ReportDate,
		PeriodStart:    report.PeriodStart,
		PeriodEnd:      report.PeriodEnd,
		UsageStats:     report.UsageStats,
		IntegrityCheck: report.IntegrityCheck,
		EncryptedData:  sealed,
	}, "", "  ")
}

// ReadArtifact parses the file header without decrypting anything.
func ReadArtifact(data []byte) (Artifact, error) {
	var artifact Artifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if artifact.Format != FormatVersion || len(artifact.EncryptedData) == 0 {
		return Artifact{}, fmt.Errorf("%w: unsupported artifact format %d", ErrInvalidReport, artifact.Format)
	}
	return artifact, nil
}

// Open decrypts the payload with the first candidate key that authenticates it.
func (c *Codec) Open(ctx context.Context, artifact Artifact, providers ...encryption.KeyProvider) (Report, encryption.Key, error) {
	compressed, key, err := c.enc.DecryptWithCandidates(ctx, artifact.EncryptedData, providers...)
	if err != nil {
		return Report{}, encryption.Key{}, err
	}

	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Report{}, key, fmt.Errorf("%w: decompress: %v", ErrInvalidReport, err)
	}

	var report Report
	if err := json.Unmarshal(payload, &report); err != nil {
		return Report{}, key, fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if err := report.Validate(); err != nil {
		return Report{}, key, err
	}
	if report.LicenseKey != artifact.LicenseKey || report.MachineID != artifact.MachineID || report.ReportDate != artifact.ReportDate {
		return Report{}, key, fmt.Errorf("%w: header does not match payload", ErrInvalidReport)
	}
	return report, key, nil
}
