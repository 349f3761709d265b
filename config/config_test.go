package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{}))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, time.Duration(0), cfg.Server.WriteTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "rewards.db", cfg.Store.SQLitePath)
	assert.Equal(t, SinkDir, cfg.Export.Sink)
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 5*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.Equal(t, 30, cfg.Ledger.CouponValidDays)
	assert.Equal(t, 5, cfg.Ledger.LeaderboardSize)
	assert.Equal(t, time.Hour, cfg.Scheduler.AuditInterval)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.True(t, cfg.App.IsDevelopment())
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(context.Background(), envconfig.MapLookuper(map[string]string{
		"SERVER_PORT":              "9090",
		"SERVER_ALLOWED_ORIGINS":   "https://civicsense.app,http://localhost:5173",
		"STORE_DRIVER":             "postgres",
		"DB_HOST":                  "db",
		"DB_NAME":                  "rewards",
		"REDIS_ADDR":               "redis:6379",
		"EXPORT_SINK":              "s3",
		"EXPORT_S3_BUCKET":         "coupons",
		"LEDGER_MAX_ATTEMPTS":      "8",
		"LEDGER_RETRY_BACKOFF":     "20ms",
		"SCHEDULER_AUDIT_INTERVAL": "15m",
		"APP_ENVIRONMENT":          "production",
	}))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://civicsense.app", "http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "host=db port=5432 user=postgres password=postgres dbname=rewards sslmode=disable", cfg.Database.URL())
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "coupons", cfg.Export.S3Bucket)
	assert.Equal(t, 8, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 20*time.Millisecond, cfg.Ledger.RetryBackoff)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.AuditInterval)
	assert.False(t, cfg.App.IsDevelopment())
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"STORE_DRIVER": "mongo"}},
		{"unknown sink", map[string]string{"EXPORT_SINK": "ftp"}},
		{"s3 without bucket", map[string]string{"EXPORT_SINK": "s3"}},
		{"no attempts", map[string]string{"LEDGER_MAX_ATTEMPTS": "0"}},
		{"bad duration", map[string]string{"LEDGER_RETRY_BACKOFF": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFrom(context.Background(), envconfig.MapLookuper(tt.env))
			assert.Error(t, err)
		})
	}
}
