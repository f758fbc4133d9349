package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the control plane.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Webhook      WebhookConfig
	Queue        QueueConfig
	Provisioning ProvisioningConfig
	Adapters     AdaptersConfig
	Sweeps       SweepsConfig
	Security     SecurityConfig
	Monitoring   MonitoringConfig
	OpsAlerts    OpsAlertsConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// WebhookConfig governs L2 signature verification and H1 intake behavior.
type WebhookConfig struct {
	SigningSecret      string
	ToleranceSeconds   int64
	DedupeCacheTTL     time.Duration
	BcryptCost         int
	TempPasswordBytes  int
	// DefaultTenant is used when an inbound event carries no tenant of its
	// own (single-tenant deployments, or providers that don't echo one back).
	DefaultTenant string
}

// QueueConfig governs M1 durable job queue worker pools and backoff.
type QueueConfig struct {
	ProvisioningWorkers int
	EmailWorkers        int
	InvoiceWorkers      int
	BackupWorkers       int
	ReservationTTL      time.Duration
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	MaxAttempts         int
}

// ProvisioningConfig governs H2 orchestrator deadlines.
type ProvisioningConfig struct {
	TaskDeadline      time.Duration
	ReservationExtend time.Duration
}

// AdaptersConfig governs L3 external adapters.
type AdaptersConfig struct {
	HostingBaseURL        string
	HostingToken          string
	DNSBaseURL            string
	DNSToken              string
	CertificateBaseURL    string
	CertificateToken      string
	MailBaseURL           string
	MailToken             string
	DatabaseEngineDSN     string
	SendGridAPIKey        string
	WelcomeFromAddress    string
	StripeAPIKey          string
	BreakerMaxRequests    uint32
	BreakerInterval       time.Duration
	BreakerTimeout        time.Duration
	SecretsMasterKey      string
	SecretsKeyID          string
}

// SweepsConfig governs H3 scheduled sweeps.
type SweepsConfig struct {
	Interval              time.Duration
	RecurringBillingLeadTime time.Duration
	SuspensionGracePeriod    time.Duration
	SSLReminderLeadTime      time.Duration
	BackupRetention          time.Duration
}

// SecurityConfig governs H4 Task Control API access.
type SecurityConfig struct {
	AdminAPIToken string
	TLSEnabled    bool
	TLSCertPath   string
	TLSKeyPath    string
}

// MonitoringConfig governs logging and metrics.
type MonitoringConfig struct {
	Enabled        bool
	PrometheusPort int
	MetricsPath    string
	LogLevel       string
}

// OpsAlertsConfig governs operator-facing alerting on dead letters and
// sweep failures (distinct from the customer-facing welcome email).
type OpsAlertsConfig struct {
	DiscordWebhookURL string
	SlackWebhookURL   string
	ResendAPIKey      string
	ResendFrom        string
	ResendTo          string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvAsDuration("SERVER_IDLE_TIMEOUT", "120s"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "provisioning"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "provisioning"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		Webhook: WebhookConfig{
			SigningSecret:     getEnv("WEBHOOK_SIGNING_SECRET", ""),
			ToleranceSeconds:  int64(getEnvAsInt("WEBHOOK_TOLERANCE_SECONDS", 300)),
			DedupeCacheTTL:    getEnvAsDuration("WEBHOOK_DEDUPE_CACHE_TTL", "24h"),
			BcryptCost:        getEnvAsInt("WEBHOOK_BCRYPT_COST", 12),
			TempPasswordBytes: getEnvAsInt("WEBHOOK_TEMP_PASSWORD_BYTES", 16),
			DefaultTenant:     getEnv("WEBHOOK_DEFAULT_TENANT", "default"),
		},
		Queue: QueueConfig{
			ProvisioningWorkers: getEnvAsInt("QUEUE_PROVISIONING_WORKERS", 4),
			EmailWorkers:        getEnvAsInt("QUEUE_EMAIL_WORKERS", 2),
			InvoiceWorkers:      getEnvAsInt("QUEUE_INVOICE_WORKERS", 2),
			BackupWorkers:       getEnvAsInt("QUEUE_BACKUP_WORKERS", 1),
			ReservationTTL:      getEnvAsDuration("QUEUE_RESERVATION_TTL", "2m"),
			BackoffBase:         getEnvAsDuration("QUEUE_BACKOFF_BASE", "5s"),
			BackoffMax:          getEnvAsDuration("QUEUE_BACKOFF_MAX", "15m"),
			MaxAttempts:         getEnvAsInt("QUEUE_MAX_ATTEMPTS", 8),
		},
		Provisioning: ProvisioningConfig{
			TaskDeadline:      getEnvAsDuration("PROVISIONING_TASK_DEADLINE", "10m"),
			ReservationExtend: getEnvAsDuration("PROVISIONING_RESERVATION_EXTEND", "90s"),
		},
		Adapters: AdaptersConfig{
			HostingBaseURL:     getEnv("ADAPTER_HOSTING_BASE_URL", ""),
			HostingToken:       getEnv("ADAPTER_HOSTING_TOKEN", ""),
			DNSBaseURL:         getEnv("ADAPTER_DNS_BASE_URL", ""),
			DNSToken:           getEnv("ADAPTER_DNS_TOKEN", ""),
			CertificateBaseURL: getEnv("ADAPTER_CERTIFICATE_BASE_URL", ""),
			CertificateToken:   getEnv("ADAPTER_CERTIFICATE_TOKEN", ""),
			MailBaseURL:        getEnv("ADAPTER_MAIL_BASE_URL", ""),
			MailToken:          getEnv("ADAPTER_MAIL_TOKEN", ""),
			DatabaseEngineDSN:  getEnv("ADAPTER_DATABASE_ENGINE_DSN", ""),
			SendGridAPIKey:     getEnv("SENDGRID_API_KEY", ""),
			WelcomeFromAddress: getEnv("WELCOME_EMAIL_FROM", "welcome@example.com"),
			StripeAPIKey:       getEnv("STRIPE_API_KEY", ""),
			BreakerMaxRequests: uint32(getEnvAsInt("ADAPTER_BREAKER_MAX_REQUESTS", 1)),
			BreakerInterval:    getEnvAsDuration("ADAPTER_BREAKER_INTERVAL", "60s"),
			BreakerTimeout:     getEnvAsDuration("ADAPTER_BREAKER_TIMEOUT", "30s"),
			SecretsMasterKey:   getEnv("SECRETS_MASTER_KEY", ""),
			SecretsKeyID:       getEnv("SECRETS_KEY_ID", "default"),
		},
		Sweeps: SweepsConfig{
			Interval:                 getEnvAsDuration("SWEEPS_INTERVAL", "1m"),
			RecurringBillingLeadTime: getEnvAsDuration("SWEEPS_BILLING_LEAD_TIME", "72h"),
			SuspensionGracePeriod:    getEnvAsDuration("SWEEPS_SUSPENSION_GRACE_PERIOD", "168h"),
			SSLReminderLeadTime:      getEnvAsDuration("SWEEPS_SSL_REMINDER_LEAD_TIME", "336h"),
			BackupRetention:          getEnvAsDuration("SWEEPS_BACKUP_RETENTION", "720h"),
		},
		Security: SecurityConfig{
			AdminAPIToken: getEnv("ADMIN_API_TOKEN", ""),
			TLSEnabled:    getEnvAsBool("TLS_ENABLED", false),
			TLSCertPath:   getEnv("TLS_CERT_PATH", ""),
			TLSKeyPath:    getEnv("TLS_KEY_PATH", ""),
		},
		Monitoring: MonitoringConfig{
			Enabled:        getEnvAsBool("MONITORING_ENABLED", true),
			PrometheusPort: getEnvAsInt("PROMETHEUS_PORT", 9090),
			MetricsPath:    getEnv("METRICS_PATH", "/metrics"),
			LogLevel:       getEnv("LOG_LEVEL", "info"),
		},
		OpsAlerts: OpsAlertsConfig{
			DiscordWebhookURL: getEnv("OPS_DISCORD_WEBHOOK_URL", ""),
			SlackWebhookURL:   getEnv("OPS_SLACK_WEBHOOK_URL", ""),
			ResendAPIKey:      getEnv("OPS_RESEND_API_KEY", ""),
			ResendFrom:        getEnv("OPS_RESEND_FROM", ""),
			ResendTo:          getEnv("OPS_RESEND_TO", ""),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Webhook.SigningSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SIGNING_SECRET is required")
	}
	if cfg.Security.AdminAPIToken == "" {
		return nil, fmt.Errorf("ADMIN_API_TOKEN is required")
	}
	if len(cfg.Adapters.SecretsMasterKey) == 0 {
		return nil, fmt.Errorf("SECRETS_MASTER_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		duration, _ := time.ParseDuration(defaultValue)
		return duration
	}
	return value
}
