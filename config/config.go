package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	MongoURI      string
	MongoDatabase string
	RedisAddr     string
	HTTPPort      string
	JWTSecret     string

	// Rate limiting for new connections (per source address)
	RateLimitWindow time.Duration
	RateLimitMax    int

	// Heartbeat watchdog
	HeartbeatTimeout  time.Duration
	HeartbeatInterval time.Duration

	// Cleanup sweeper
	SweepInterval     time.Duration
	SessionStaleAfter time.Duration

	// Redis snapshot cache TTL
	SnapshotTTL time.Duration
}

func Load() *Config {
	return &Config{
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "pairquiz"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		HTTPPort:      getEnv("HTTP_PORT", "8080"),
		JWTSecret:     getEnv("JWT_SECRET", "super-secret-key-change-in-production"),

		RateLimitWindow: getDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitMax:    getInt("RATE_LIMIT_MAX", 10),

		HeartbeatTimeout:  getDuration("HEARTBEAT_TIMEOUT", 120*time.Second),
		HeartbeatInterval: getDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		SweepInterval:     getDuration("SWEEP_INTERVAL", 5*time.Minute),
		SessionStaleAfter: getDuration("SESSION_STALE_AFTER", time.Hour),

		SnapshotTTL: getDuration("SNAPSHOT_TTL", 10*time.Minute),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
