package config

import (
	"os"
	"strconv"
	"time"
)

type R2 struct {
	AccountID  string
	AccessKey  string
	SecretKey  string
	BucketName string
	PublicURL  string
}

type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

type Polling struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
}

type Config struct {
	TiktokClientKey       string
	TiktokClientSecret    string
	GoogleClientID        string
	GoogleClientSecret    string
	PinterestClientID     string
	PinterestClientSecret string
	MastodonServer        string

	DatabaseDriver string
	PostgresURI    string
	SQLitePath     string
	RedisURI       string
	R2             R2

	SecretKey string
	JWTSecret string
	Port      string
	LogLevel  string

	Retry             Retry
	Polling           Polling
	CallTimeout       time.Duration
	SequenceDelay     time.Duration
	TokenCacheTTL     time.Duration
	RefreshLockTTL    time.Duration
	StaleAttemptAfter time.Duration
	WorkerConcurrency int
	PlatformsFile     string
}

func LoadConfig() *Config {
	return &Config{
		TiktokClientKey:       getEnv("TIKTOK_CLIENT_KEY", ""),
		TiktokClientSecret:    getEnv("TIKTOK_CLIENT_SECRET", ""),
		GoogleClientID:        getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret:    getEnv("GOOGLE_CLIENT_SECRET", ""),
		PinterestClientID:     getEnv("PINTEREST_CLIENT_ID", ""),
		PinterestClientSecret: getEnv("PINTEREST_CLIENT_SECRET", ""),
		MastodonServer:        getEnv("MASTODON_SERVER", "https://mastodon.social"),
		DatabaseDriver:        getEnv("DATABASE_DRIVER", "postgres"),
		PostgresURI:           getEnv("POSTGRES_URI", ""),
		SQLitePath:            getEnv("SQLITE_PATH", "postflow.db"),
		RedisURI:              getEnv("REDIS_URI", "localhost:6379"),
		R2: R2{
			AccountID:  getEnv("R2_ACCOUNT_ID", ""),
			AccessKey:  getEnv("R2_ACCESS_KEY", ""),
			SecretKey:  getEnv("R2_SECRET_KEY", ""),
			BucketName: getEnv("R2_BUCKET_NAME", ""),
			PublicURL:  getEnv("R2_PUBLIC_URL", ""),
		},
		SecretKey: getEnv("SECRET_KEY", ""),
		JWTSecret: getEnv("JWT_SECRET", ""),
		Port:      getEnv("PORT", "3000"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		Retry: Retry{
			MaxAttempts: getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   getEnvDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:    getEnvDuration("RETRY_MAX_DELAY", 8*time.Second),
			Multiplier:  getEnvFloat("RETRY_MULTIPLIER", 2),
		},
		Polling: Polling{
			Interval:    getEnvDuration("POLL_INTERVAL", 2*time.Second),
			Timeout:     getEnvDuration("POLL_TIMEOUT", 2*time.Minute),
			MaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
		},
		CallTimeout:       getEnvDuration("CALL_TIMEOUT", 15*time.Second),
		SequenceDelay:     getEnvDuration("SEQUENCE_DELAY", 3*time.Second),
		TokenCacheTTL:     getEnvDuration("TOKEN_CACHE_TTL", 10*time.Minute),
		RefreshLockTTL:    getEnvDuration("REFRESH_LOCK_TTL", 30*time.Second),
		StaleAttemptAfter: getEnvDuration("STALE_ATTEMPT_AFTER", 30*time.Minute),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		PlatformsFile:     getEnv("PLATFORMS_FILE", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}
