package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "licensegate"

// Import outcomes.
const (
	ImportOutcomeImported   = "imported"
	ImportOutcomeDuplicate  = "duplicate"
	ImportOutcomeDecryption = "decryption_failed"
	ImportOutcomeInvalid    = "invalid"
	ImportOutcomeError      = "error"
)

// Metrics exposes application-level instruments. All methods are safe on a nil receiver
// so components can run without metrics in tests.
type Metrics struct {
	usageRecorded     *prometheus.CounterVec
	usageFlushed      prometheus.Counter
	usageBuffered     prometheus.Gauge
	reportsExported   prometheus.Counter
	reportImports     *prometheus.CounterVec
	integrityChecks   prometheus.Counter
	integritySuspect  prometheus.Gauge
	invoicesGenerated *prometheus.CounterVec
	licenseDaysLeft   prometheus.Gauge
	jobRuns           *prometheus.CounterVec
	jobErrors         *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	rateLimited       *prometheus.CounterVec
}

// New registers the instruments with the given registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		usageRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_recorded_total",
			Help:      "Billable actions recorded by the usage tracker.",
		}, []string{"action"}),
		usageFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_records_flushed_total",
			Help:      "Usage records written to the local store.",
		}),
		usageBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "usage_records_buffered",
			Help:      "Usage records waiting for the next flush.",
		}),
		reportsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reports_exported_total",
			Help:      "Encrypted usage reports written by the client.",
		}),
		reportImports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_imports_total",
			Help:      "Usage report import attempts by outcome.",
		}, []string{"outcome"}),
		integrityChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_checks_total",
			Help:      "Integrity verification runs.",
		}),
		integritySuspect: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "integrity_suspicious_records",
			Help:      "Records that failed checksum verification in the last run.",
		}),
		invoicesGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_generated_total",
			Help:      "Invoices generated by billing mode.",
		}, []string{"billing_mode"}),
		licenseDaysLeft: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "license_days_remaining",
			Help:      "Days until the local license expires.",
		}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Background job runs.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_errors_total",
			Help:      "Background job failures.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Background job duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Admin API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Admin API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"route"}),
	}

	collectors := []prometheus.Collector{
		m.usageRecorded,
		m.usageFlushed,
		m.usageBuffered,
		m.reportsExported,
		m.reportImports,
		m.integrityChecks,
		m.integritySuspect,
		m.invoicesGenerated,
		m.licenseDaysLeft,
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
		m.httpRequests,
		m.httpDuration,
		m.rateLimited,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Metrics) RecordUsage(action string) {
	if m == nil {
		return
	}
	m.usageRecorded.WithLabelValues(strings.TrimSpace(action)).Inc()
}

func (m *Metrics) RecordFlush(records int, stillBuffered int) {
	if m == nil {
		return
	}
	m.usageFlushed.Add(float64(records))
	m.usageBuffered.Set(float64(stillBuffered))
}

func (m *Metrics) SetBuffered(n int) {
	if m == nil {
		return
	}
	m.usageBuffered.Set(float64(n))
}

func (m *Metrics) RecordReportExported() {
	if m == nil {
		return
	}
	m.reportsExported.Inc()
}

func (m *Metrics) RecordImport(outcome string) {
	if m == nil {
		return
	}
	m.reportImports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordIntegrityCheck(suspicious int) {
	if m == nil {
		return
	}
	m.integrityChecks.Inc()
	m.integritySuspect.Set(float64(suspicious))
}

func (m *Metrics) RecordInvoice(billingMode string) {
	if m == nil {
		return
	}
	m.invoicesGenerated.WithLabelValues(billingMode).Inc()
}

func (m *Metrics) SetLicenseDaysRemaining(days int) {
	if m == nil {
		return
	}
	m.licenseDaysLeft.Set(float64(days))
}

// ObserveJob records one background job run.
func (m *Metrics) ObserveJob(job string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
	if err != nil {
		m.jobErrors.WithLabelValues(job).Inc()
	}
}
