package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordsDomainEvents(t *testing.T) {
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.RecordUsage("load_sample")
	m.RecordUsage("load_sample")
	m.RecordUsage("export_data")
	m.RecordImport(ImportOutcomeImported)
	m.RecordImport(ImportOutcomeDuplicate)
	m.RecordIntegrityCheck(2)
	m.ObserveJob("flush", 10*time.Millisecond, errors.New("boom"))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.usageRecorded.WithLabelValues("load_sample")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.usageRecorded.WithLabelValues("export_data")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.reportImports.WithLabelValues(ImportOutcomeDuplicate)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.integritySuspect))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobErrors.WithLabelValues("flush")))
}

func TestMetricsNilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordUsage("load_sample")
		m.RecordFlush(3, 0)
		m.RecordImport(ImportOutcomeError)
		m.ObserveJob("export", time.Second, nil)
	})
}

func TestNewFailsOnDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)

	_, err = New(reg)
	assert.Error(t, err)
}
