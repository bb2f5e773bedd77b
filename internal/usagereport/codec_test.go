package usagereport

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/smallbiznis/licensegate/internal/encryption"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	machineKey = encryption.KeyFromMachineID("machine-0001")
	wrongKey   = encryption.KeyFromMachineID("machine-0002")
)

func sampleReport() Report {
	return Report{
		LicenseKey:  "DESI-0A1B2C3D-4E5F6071-ABCD",
		CustomerID:  "CUST-1A2B3C4D",
		MachineID:   "machine-0001",
		ReportDate:  "2025-03-31",
		PeriodStart: "2025-01-01",
		PeriodEnd:   "2025-03-31",
		UsageStats: UsageStats{
			TotalSamplesLoaded: 3,
			TotalExports:       2,
			UniqueSamples:      1,
			TotalRecords:       5,
			PeriodDays:         90,
		},
		Records: []RecordDetail{{
			RecordID:   "01JREC",
			Timestamp:  time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC),
			ActionType: "load_sample",
			SampleName: "a.imzML",
			SampleHash: "hash",
			Checksum:   "sum",
		}},
		IntegrityCheck: "overall",
		GeneratedAt:    time.Date(2025, 3, 31, 8, 0, 0, 0, time.UTC),
	}
}

func TestSealOpen(t *testing.T) {
	codec := NewCodec(encryption.New())
	report := sampleReport()

	data, err := codec.Seal(context.Background(), report, machineKey)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(data, []byte("a.imzML")), "detail rows must not appear in clear text")

	artifact, err := ReadArtifact(data)
	require.NoError(t, err)
	assert.Equal(t, report.MachineID, artifact.MachineID)
	assert.Equal(t, int64(3), artifact.UsageStats.TotalSamplesLoaded)

	opened, key, err := codec.Open(context.Background(), artifact, encryption.StaticKeys{wrongKey, machineKey})
	require.NoError(t, err)
	assert.Equal(t, encryption.KeySourceMachineID, key.Source)
	assert.Equal(t, report, opened)
}

func TestOpenRejectsTamperedHeader(t *testing.T) {
	codec := NewCodec(encryption.New())
	data, err := codec.Seal(context.Background(), sampleReport(), machineKey)
	require.NoError(t, err)

	artifact, err := ReadArtifact(data)
	require.NoError(t, err)
	artifact.ReportDate = "2025-04-01"

	_, _, err = codec.Open(context.Background(), artifact, encryption.StaticKeys{machineKey})
	assert.ErrorIs(t, err, ErrInvalidReport)
}

func TestOpenWithoutMatchingKey(t *testing.T) {
	codec := NewCodec(encryption.New())
	data, err := codec.Seal(context.Background(), sampleReport(), machineKey)
	require.NoError(t, err)
	artifact, err := ReadArtifact(data)
	require.NoError(t, err)

	_, _, err = codec.Open(context.Background(), artifact, encryption.StaticKeys{wrongKey})
	assert.ErrorIs(t, err, encryption.ErrDecryption)
}

func TestReadArtifactRejectsUnknownFormat(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"format": 9, "encrypted_data": map[string]any{}})
	_, err := ReadArtifact(raw)
	assert.ErrorIs(t, err, ErrInvalidReport)

	_, err = ReadArtifact([]byte("garbage"))
	assert.ErrorIs(t, err, ErrInvalidReport)
}

func TestValidate(t *testing.T) {
	r := sampleReport()
	require.NoError(t, r.Validate())

	r.MachineID = ""
	assert.ErrorIs(t, r.Validate(), ErrInvalidReport)

	r = sampleReport()
	r.PeriodEnd = "2024-12-31"
	assert.ErrorIs(t, r.Validate(), ErrInvalidReport)

	r = sampleReport()
	r.ReportDate = "31/03/2025"
	assert.ErrorIs(t, r.Validate(), ErrInvalidReport)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "usage_report_3f9a0c1d2e4b5a69_20250601.enc", FileName("3f9a0c1d2e4b5a6978877665544332211", "2025-06-01"))
	assert.Equal(t, "usage_report_short_20250601.enc", FileName("short", "2025-06-01"))
}
