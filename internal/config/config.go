package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	RateLimit   RateLimitConfig
	Separation  SeparationConfig
	R2          R2Config
	Billing     BillingConfig
	Entitlement EntitlementConfig
	Jobs        JobsConfig
	Gateway     GatewayConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	ApiDomain   string
	CORSOrigins string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

// DSN builds the Postgres connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	SubmitPerHour int
	StatusPerMin  int
}

type SeparationConfig struct {
	APIKey          string
	BaseURL         string
	RequestTimeout  int // seconds
	DownloadTimeout int // seconds
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type BillingConfig struct {
	WebhookSecret string
	// Number of balance re-reads after crediting a payment, to observe
	// read-after-write lag. Observability only, never gates the webhook.
	VerifyAttempts int
	VerifyDelayMs  int
	// When true, a job whose post-success debit is rejected is failed
	// instead of delivered. Default favors delivery over strict accounting.
	FailOnDebitError bool
}

type EntitlementConfig struct {
	// Testing escape hatch; must stay empty in production deployments.
	BypassToken string
}

type JobsConfig struct {
	RetentionHours  int
	CacheTTLSeconds int
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_PASSWORD")
	readSecret("JWT_SECRET")
	readSecret("SEPARATION_API_KEY")
	readSecret("PAYMENT_WEBHOOK_SECRET")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("server.cors_origins", "CORS_ORIGINS")
	_ = viper.BindEnv("database.host", "DATABASE_HOST")
	_ = viper.BindEnv("database.port", "DATABASE_PORT")
	_ = viper.BindEnv("database.user", "DATABASE_USER")
	_ = viper.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = viper.BindEnv("database.name", "DATABASE_NAME")
	_ = viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")
	_ = viper.BindEnv("ratelimit.status_per_min", "RATELIMIT_STATUS_PER_MIN")
	_ = viper.BindEnv("separation.api_key", "SEPARATION_API_KEY")
	_ = viper.BindEnv("separation.base_url", "SEPARATION_BASE_URL")
	_ = viper.BindEnv("separation.request_timeout", "SEPARATION_REQUEST_TIMEOUT")
	_ = viper.BindEnv("separation.download_timeout", "SEPARATION_DOWNLOAD_TIMEOUT")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("billing.webhook_secret", "PAYMENT_WEBHOOK_SECRET")
	_ = viper.BindEnv("billing.verify_attempts", "BILLING_VERIFY_ATTEMPTS")
	_ = viper.BindEnv("billing.verify_delay_ms", "BILLING_VERIFY_DELAY_MS")
	_ = viper.BindEnv("billing.fail_on_debit_error", "BILLING_FAIL_ON_DEBIT_ERROR")
	_ = viper.BindEnv("entitlement.bypass_token", "ENTITLEMENT_BYPASS_TOKEN")
	_ = viper.BindEnv("jobs.retention_hours", "JOBS_RETENTION_HOURS")
	_ = viper.BindEnv("jobs.cache_ttl_seconds", "JOBS_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("server.cors_origins", "*")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", "5432")
	viper.SetDefault("database.user", "splitvox")
	viper.SetDefault("database.name", "splitvox")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("ratelimit.submit_per_hour", 20)
	viper.SetDefault("ratelimit.status_per_min", 60)

	// Separation service defaults
	viper.SetDefault("separation.base_url", "https://api.stemsplit.dev")
	viper.SetDefault("separation.request_timeout", 30)
	viper.SetDefault("separation.download_timeout", 60)

	// Billing defaults
	viper.SetDefault("billing.verify_attempts", 3)
	viper.SetDefault("billing.verify_delay_ms", 200)
	viper.SetDefault("billing.fail_on_debit_error", false)

	// Job retention defaults
	viper.SetDefault("jobs.retention_hours", 48)
	viper.SetDefault("jobs.cache_ttl_seconds", 3600)

	// Gateway defaults
	viper.SetDefault("gateway.enabled", false)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:        viper.GetString("server.port"),
			Env:         viper.GetString("server.env"),
			LogLevel:    viper.GetString("server.log_level"),
			ApiDomain:   viper.GetString("server.api_domain"),
			CORSOrigins: viper.GetString("server.cors_origins"),
		},
		Database: DatabaseConfig{
			Host:     viper.GetString("database.host"),
			Port:     viper.GetString("database.port"),
			User:     viper.GetString("database.user"),
			Password: viper.GetString("database.password"),
			Name:     viper.GetString("database.name"),
			SSLMode:  viper.GetString("database.ssl_mode"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
			StatusPerMin:  viper.GetInt("ratelimit.status_per_min"),
		},
		Separation: SeparationConfig{
			APIKey:          viper.GetString("separation.api_key"),
			BaseURL:         viper.GetString("separation.base_url"),
			RequestTimeout:  viper.GetInt("separation.request_timeout"),
			DownloadTimeout: viper.GetInt("separation.download_timeout"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Billing: BillingConfig{
			WebhookSecret:    viper.GetString("billing.webhook_secret"),
			VerifyAttempts:   viper.GetInt("billing.verify_attempts"),
			VerifyDelayMs:    viper.GetInt("billing.verify_delay_ms"),
			FailOnDebitError: viper.GetBool("billing.fail_on_debit_error"),
		},
		Entitlement: EntitlementConfig{
			BypassToken: viper.GetString("entitlement.bypass_token"),
		},
		Jobs: JobsConfig{
			RetentionHours:  viper.GetInt("jobs.retention_hours"),
			CacheTTLSeconds: viper.GetInt("jobs.cache_ttl_seconds"),
		},
		Gateway: GatewayConfig{
			Enabled: viper.GetBool("gateway.enabled"),
		},
	}

	return cfg, nil
}
