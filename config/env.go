package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all engine settings, populated from environment variables.
type Config struct {
	Port      string
	JWTSecret []byte

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	RabbitMQURL string
	RedisAddr   string

	DefaultHoldMinutes int
	MaxHoldMinutes     int
	LockWaitTimeout    time.Duration
	ReaperInterval     time.Duration
	EventRetention     time.Duration

	ClaimRatePerSecond float64
	ClaimBurst         int
}

// Load reads configuration from the environment. A .env file is honored for
// local development when present.
func Load() *Config {
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET is not set")
	}

	return &Config{
		Port:      getEnv("PORT", "9081"),
		JWTSecret: []byte(jwtSecret),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "reservation_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RabbitMQURL: os.Getenv("RABBITMQ_URL"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		DefaultHoldMinutes: getEnvInt("DEFAULT_HOLD_MINUTES", 10),
		MaxHoldMinutes:     getEnvInt("MAX_HOLD_MINUTES", 120),
		LockWaitTimeout:    getEnvDuration("LOCK_WAIT_TIMEOUT", 2*time.Second),
		ReaperInterval:     getEnvDuration("REAPER_INTERVAL", 30*time.Second),
		EventRetention:     getEnvDuration("EVENT_RETENTION", 7*24*time.Hour),

		ClaimRatePerSecond: getEnvFloat("CLAIM_RATE_PER_SECOND", 10),
		ClaimBurst:         getEnvInt("CLAIM_BURST", 20),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("invalid %s=%q, using default %d", key, v, fallback)
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		log.Printf("invalid %s=%q, using default %v", key, v, fallback)
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("invalid %s=%q, using default %s", key, v, fallback)
	}
	return fallback
}
