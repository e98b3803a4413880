// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Privacy  PrivacyConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

// PrivacyConfig holds the differential privacy policy knobs.
type PrivacyConfig struct {
	DefaultEpsilon float64       // applied when a query omits requested_epsilon
	EpsilonCeiling float64       // per-query policy cap, independent of budget
	DefaultDelta   float64       // delta for the Gaussian mechanism when unset
	MonthlyEpsilon float64       // allocated budget per (principal, dataset) per period
	ReserveEpsilon float64       // emergency reserve grantable on explicit request
	MinRecordCount int           // datasets below this size reject every query
	ReservationTTL time.Duration // uncommitted reservations older than this are swept
	SweepInterval  time.Duration // cadence of the reservation sweep
	ResultCacheTTL time.Duration // idempotent replay window for repeated query ids
}

func Load() *Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:  getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      normalizeRedisURL(getEnv("REDIS_URL", "localhost:6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "change-this-secret"),
			Expiration: getDurationEnv("JWT_EXPIRATION", 15*time.Minute),
		},
		Privacy: PrivacyConfig{
			DefaultEpsilon: getFloatEnv("DP_DEFAULT_EPSILON", 0.5),
			EpsilonCeiling: getFloatEnv("DP_EPSILON_CEILING", 2.0),
			DefaultDelta:   getFloatEnv("DP_DEFAULT_DELTA", 1e-5),
			MonthlyEpsilon: getFloatEnv("DP_MONTHLY_EPSILON", 5.0),
			ReserveEpsilon: getFloatEnv("DP_RESERVE_EPSILON", 1.0),
			MinRecordCount: getIntEnv("DP_MIN_RECORD_COUNT", 5),
			ReservationTTL: getDurationEnv("DP_RESERVATION_TTL", 30*time.Second),
			SweepInterval:  getDurationEnv("DP_SWEEP_INTERVAL", 10*time.Second),
			ResultCacheTTL: getDurationEnv("DP_RESULT_CACHE_TTL", 24*time.Hour),
		},
	}
}

// ValidateCore rejects configurations the service cannot safely start with.
func (c *Config) ValidateCore() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Privacy.EpsilonCeiling <= 0 {
		return fmt.Errorf("DP_EPSILON_CEILING must be positive")
	}
	if c.Privacy.DefaultEpsilon <= 0 || c.Privacy.DefaultEpsilon > c.Privacy.EpsilonCeiling {
		return fmt.Errorf("DP_DEFAULT_EPSILON must be in (0, ceiling]")
	}
	if c.Privacy.DefaultDelta <= 0 || c.Privacy.DefaultDelta >= 1 {
		return fmt.Errorf("DP_DEFAULT_DELTA must be in (0, 1)")
	}
	if c.Privacy.MonthlyEpsilon <= 0 {
		return fmt.Errorf("DP_MONTHLY_EPSILON must be positive")
	}
	if c.Privacy.MinRecordCount < 1 {
		return fmt.Errorf("DP_MIN_RECORD_COUNT must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func normalizeRedisURL(url string) string {
	// Strip redis:// or redis+tls:// scheme if present
	if strings.HasPrefix(url, "redis+tls://") {
		return url[len("redis+tls://"):]
	}
	if strings.HasPrefix(url, "redis://") {
		return url[len("redis://"):]
	}
	return url
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
