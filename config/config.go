// Package config loads server configuration from the environment.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Export sinks.
const (
	SinkNone = "none"
	SinkDir  = "dir"
	SinkS3   = "s3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `env:",prefix=SERVER_"`
	Store     StoreConfig     `env:",prefix=STORE_"`
	Database  DatabaseConfig  `env:",prefix=DB_"`
	Redis     RedisConfig     `env:",prefix=REDIS_"`
	Export    ExportConfig    `env:",prefix=EXPORT_"`
	Auth      AuthConfig      `env:",prefix=AUTH_"`
	Ledger    LedgerConfig    `env:",prefix=LEDGER_"`
	Rate      RateConfig      `env:",prefix=RATE_"`
	Scheduler SchedulerConfig `env:",prefix=SCHEDULER_"`
	App       AppConfig       `env:",prefix=APP_"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            int           `env:"PORT,default=8080"`
	Host            string        `env:"HOST,default=0.0.0.0"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT,default=0s"` // 0: SSE streams stay open
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=30s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS,default=*"`
}

// StoreConfig selects the ledger store
type StoreConfig struct {
	Driver     string `env:"DRIVER,default=sqlite"`
	SQLitePath string `env:"SQLITE_PATH,default=rewards.db"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     string `env:"PORT,default=5432"`
	User     string `env:"USER,default=postgres"`
	Password string `env:"PASSWORD,default=postgres"`
	Name     string `env:"NAME,default=civicsense"`
	SSLMode  string `env:"SSL_MODE,default=disable"`
	MaxConns int    `env:"MAX_CONNS,default=25"`
	MinConns int    `env:"MIN_CONNS,default=5"`
}

// RedisConfig enables the cross-process change feed when Addr is set
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB,default=0"`
	Channel  string `env:"CHANNEL,default=civicsense:rewards:events"`
}

// ExportConfig selects where coupon artifacts go
type ExportConfig struct {
	Sink string `env:"SINK,default=dir"`
	Dir  string `env:"DIR,default=exports"`

	S3Bucket          string `env:"S3_BUCKET"`
	S3Prefix          string `env:"S3_PREFIX,default=coupons"`
	S3Region          string `env:"S3_REGION,default=auto"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	PublicBaseURL     string `env:"PUBLIC_BASE_URL"`
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	// JWTSecret empty means development mode: identity headers are trusted.
	JWTSecret string `env:"JWT_SECRET"`
	Issuer    string `env:"ISSUER"`
}

// LedgerConfig tunes the ledger engine
type LedgerConfig struct {
	MaxAttempts     int           `env:"MAX_ATTEMPTS,default=5"`
	RetryBackoff    time.Duration `env:"RETRY_BACKOFF,default=5ms"`
	CouponValidDays int           `env:"COUPON_VALID_DAYS,default=30"`
	LeaderboardSize int           `env:"LEADERBOARD_SIZE,default=5"`
}

// RateConfig limits claim requests per user
type RateConfig struct {
	ClaimsPerMinute float64 `env:"CLAIMS_PER_MINUTE,default=6"`
	ClaimBurst      int     `env:"CLAIM_BURST,default=3"`
}

// SchedulerConfig controls the badge audit sweep
type SchedulerConfig struct {
	Enabled       bool          `env:"ENABLED,default=true"`
	AuditInterval time.Duration `env:"AUDIT_INTERVAL,default=1h"`
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	Environment string `env:"ENVIRONMENT,default=development"`
	EnvFile     string `env:"ENV_FILE,default=.env"`
}

// Load reads an optional .env file and then the environment.
func Load(ctx context.Context) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load(envFile())

	return LoadFrom(ctx, envconfig.OsLookuper())
}

// LoadFrom processes configuration from l. Tests pass envconfig.MapLookuper.
func LoadFrom(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: l}); err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Export.Sink {
	case SinkNone, SinkDir:
	case SinkS3:
		if c.Export.S3Bucket == "" {
			return fmt.Errorf("EXPORT_S3_BUCKET required for the s3 sink")
		}
	default:
		return fmt.Errorf("unknown export sink %q", c.Export.Sink)
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

// URL returns the PostgreSQL connection string
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// Addr returns the server listen address
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsDevelopment returns true if running in development environment
func (c *AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

func envFile() string {
	var app struct {
		EnvFile string `env:"APP_ENV_FILE,default=.env"`
	}
	if err := envconfig.Process(context.Background(), &app); err != nil {
		return ".env"
	}
	return app.EnvFile
}
