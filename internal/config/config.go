package config

import (
	"time"

	"vconnect-backend/pkg/env"
)

// Config holds the call-service runtime configuration, loaded from
// environment variables (with Docker-secret _FILE fallbacks for secrets).
type Config struct {
	Env  string
	Port string

	// CockroachDB (conversation membership + call history)
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (call event streams, pub/sub, rate limiting)
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int
	RedisPoolSize int
	RedisTimeout  time.Duration

	JWTSecret string
}

// Load reads the configuration from the environment
func Load() *Config {
	return &Config{
		Env:  env.GetString("ENV", "development"),
		Port: env.GetString("PORT", "8084"),

		DBHost:     env.GetString("DB_HOST", "localhost"),
		DBPort:     env.GetInt("DB_PORT", 26257),
		DBUser:     env.GetString("DB_USER", "root"),
		DBPassword: env.GetStringFromFile("DB_PASSWORD", ""),
		DBName:     env.GetString("DB_NAME", "vconnect"),
		DBSSLMode:  env.GetString("DB_SSLMODE", "disable"),

		RedisHost:     env.GetString("REDIS_HOST", "localhost"),
		RedisPort:     env.GetInt("REDIS_PORT", 6379),
		RedisPassword: env.GetStringFromFile("REDIS_PASSWORD", ""),
		RedisDB:       env.GetInt("REDIS_DB", 0),
		RedisPoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		RedisTimeout:  time.Duration(env.GetInt("REDIS_TIMEOUT_SECONDS", 5)) * time.Second,

		JWTSecret: env.GetStringFromFile("JWT_SECRET", ""),
	}
}

// IsProduction reports whether the service runs with production hardening
// (strict trusted proxies, production origins).
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
