package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBMetrics         bool

	Client  ClientConfig
	Billing BillingConfig
	Import  ImportConfig

	// IntegritySeed is mixed into every usage record checksum.
	IntegritySeed string
}

// ClientConfig configures the agent running next to the analysis application.
type ClientConfig struct {
	DBPath            string
	ReportDir         string
	LicenseConfigPath string
	MachineID         string
	// APIAddr is the loopback address the host application calls.
	APIAddr           string
	BatchSize         int
	FlushInterval     time.Duration
	ReportStartDelay  time.Duration
	ReportInterval    time.Duration
	ReportWindowDays  int
}

type BillingConfig struct {
	TaxRate             float64
	ExtensionMonths     int
	DefaultExpiryDays   int
	DefaultUnitPrice    int64
	InvoiceDueDays      int
	LicenseConfigOutDir string
	InvoiceExportOutDir string

	MaintenanceInterval time.Duration
	MaintenanceJobs     []string
}

type ImportConfig struct {
	RateLimit   float64
	RateBurst   int
	MaxFileSize int64
	UploadDir   string
}

const DefaultIntegritySeed = "DESI_METABOLOMICS_2025_SECRET_KEY"

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "licensegate"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "sqlite"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "license_manager.db"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 10),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		DBMetrics:         getenvBool("DATABASE_METRICS", false),
		IntegritySeed:     getenv("INTEGRITY_SECRET_SEED", DefaultIntegritySeed),
		Client: ClientConfig{
			DBPath:            getenv("CLIENT_DB_PATH", "usage_tracking.db"),
			ReportDir:         getenv("CLIENT_REPORT_DIR", "reports"),
			LicenseConfigPath: getenv("LICENSE_CONFIG_PATH", "license_config.txt"),
			MachineID:         strings.TrimSpace(getenv("MACHINE_ID", "")),
			APIAddr:           getenv("CLIENT_API_ADDR", "127.0.0.1:7411"),
			BatchSize:         getenvInt("USAGE_BATCH_SIZE", 10),
			FlushInterval:     getenvDuration("USAGE_FLUSH_INTERVAL", time.Minute),
			ReportStartDelay:  getenvDuration("REPORT_START_DELAY", 30*time.Second),
			ReportInterval:    getenvDuration("REPORT_INTERVAL", 5*time.Minute),
			ReportWindowDays:  getenvInt("REPORT_WINDOW_DAYS", 90),
		},
		Billing: BillingConfig{
			TaxRate:             getenvFloat("BILLING_TAX_RATE", 0),
			ExtensionMonths:     getenvInt("BILLING_EXTENSION_MONTHS", 3),
			DefaultExpiryDays:   getenvInt("LICENSE_DEFAULT_EXPIRY_DAYS", 365),
			DefaultUnitPrice:    int64(getenvInt("BILLING_DEFAULT_UNIT_PRICE", 10)),
			InvoiceDueDays:      getenvInt("INVOICE_DUE_DAYS", 30),
			LicenseConfigOutDir: getenv("LICENSE_CONFIG_OUT_DIR", "license_configs"),
			InvoiceExportOutDir: getenv("INVOICE_EXPORT_OUT_DIR", "invoices"),
			MaintenanceInterval: getenvDuration("MAINTENANCE_INTERVAL", time.Hour),
			MaintenanceJobs:     getenvList("MAINTENANCE_JOBS"),
		},
		Import: ImportConfig{
			RateLimit:   getenvFloat("IMPORT_RATE_LIMIT", 2),
			RateBurst:   getenvInt("IMPORT_RATE_BURST", 5),
			MaxFileSize: int64(getenvInt("IMPORT_MAX_FILE_SIZE", 32<<20)),
			UploadDir:   getenv("IMPORT_UPLOAD_DIR", os.TempDir()),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}

// getenvList reads a comma separated list; blanks are dropped.
func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
