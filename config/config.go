/*
config.go - Runtime configuration

PURPOSE:
  Reads configuration from an optional .env file and the environment,
  falling back to defaults. Malformed values are logged and replaced by
  their default; configuration never aborts startup.

KEYS:
  PORT                          HTTP port (8080)
  DATABASE_PATH                 SQLite file (./data/budget.db)
  LOG_LEVEL                     debug|info|warn|error (info)
  PRICING_OVERRIDES_FILE        TOML overrides ("" = none)
  PRICING_CACHE_TTL             Pricing cache lifetime (10m, 0 disables)
  SCHEMA_CACHE_TTL              Archive provisioning memo lifetime (0 = forever)
  BUDGET_MAX_RECORDS            Records per document (10000)
  BUDGET_MAX_VALUE              Upper bound of one record value (1e9)
  BUDGET_LEGACY_UNSIGNED_UNTIL  Last day unsigned documents are accepted ("" = forever)
  MAX_UPLOAD_SIZE_BYTES         Request body limit for imports (10 MiB)
  CORS_ORIGINS                  Comma-separated allowed origins
  DOCUMENT_RATE_LIMIT           Document requests per second (10, 0 disables)
  DOCUMENT_RATE_BURST           Burst size of the document limiter (20)
*/
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port         string
	DatabasePath string
	LogLevel     string

	PricingOverridesFile string
	PricingCacheTTL      time.Duration
	SchemaCacheTTL       time.Duration

	MaxRecords          int
	MaxValue            decimal.Decimal
	LegacyUnsignedUntil time.Time

	MaxUploadSizeBytes int64
	CORSOrigins        []string

	DocumentRateLimit int
	DocumentRateBurst int
}

// Load reads .env files (if present) and the environment.
func Load(files ...string) *Config {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("no .env file loaded, using environment and defaults", "error", err)
	}

	return &Config{
		Port:                 getEnv("PORT", "8080"),
		DatabasePath:         getEnv("DATABASE_PATH", "./data/budget.db"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		PricingOverridesFile: getEnv("PRICING_OVERRIDES_FILE", ""),
		PricingCacheTTL:      getEnvAsDuration("PRICING_CACHE_TTL", 10*time.Minute),
		SchemaCacheTTL:       getEnvAsDuration("SCHEMA_CACHE_TTL", 0),
		MaxRecords:           getEnvAsInt("BUDGET_MAX_RECORDS", 10000),
		MaxValue:             getEnvAsDecimal("BUDGET_MAX_VALUE", decimal.NewFromInt(1_000_000_000)),
		LegacyUnsignedUntil:  getEnvAsDate("BUDGET_LEGACY_UNSIGNED_UNTIL"),
		MaxUploadSizeBytes:   int64(getEnvAsInt("MAX_UPLOAD_SIZE_BYTES", 10<<20)),
		CORSOrigins:          getEnvAsList("CORS_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),
		DocumentRateLimit:    getEnvAsInt("DOCUMENT_RATE_LIMIT", 10),
		DocumentRateBurst:    getEnvAsInt("DOCUMENT_RATE_BURST", 20),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil || value < 0 {
		slog.Warn("invalid integer config value, using default", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		slog.Warn("invalid duration config value, using default", "key", key, "value", valueStr, "default", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil || !value.IsPositive() {
		slog.Warn("invalid decimal config value, using default", "key", key, "value", valueStr, "default", defaultValue.String())
		return defaultValue
	}
	return value
}

// getEnvAsDate reads a YYYY-MM-DD date. The date is inclusive: the
// returned instant is the end of that day, UTC.
func getEnvAsDate(key string) time.Time {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return time.Time{}
	}
	day, err := time.Parse(time.DateOnly, valueStr)
	if err != nil {
		slog.Warn("invalid date config value, ignoring", "key", key, "value", valueStr)
		return time.Time{}
	}
	return day.Add(24*time.Hour - time.Nanosecond)
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, v := range strings.Split(valueStr, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
