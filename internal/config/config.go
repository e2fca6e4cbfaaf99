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
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	MerchantCacheTTLSeconds int
	AuthSecret              string
	AccessTokenTTLMinutes   int
	KafkaBrokers            []string
	KafkaTopic              string
	LogLevel                string
	LogEncoding             string
	LedgerMaxRetries        int
	LedgerRetryBaseMS       int
}

// Load reads an optional .env file and then the process environment. Values
// already set in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 getEnvInt("REDIS_DB", 0, 0),
		MerchantCacheTTLSeconds: getEnvInt("MERCHANT_CACHE_TTL_SECONDS", 300, 1),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getEnvInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		KafkaBrokers:            getEnvSlice("KAFKA_BROKERS"),
		KafkaTopic:              getEnv("KAFKA_TOPIC", "merchantstock.transfers"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogEncoding:             getEnv("LOG_ENCODING", "json"),
		LedgerMaxRetries:        getEnvInt("LEDGER_MAX_RETRIES", 5, 1),
		LedgerRetryBaseMS:       getEnvInt("LEDGER_RETRY_BASE_MS", 10, 1),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) MerchantCacheTTL() time.Duration {
	return time.Duration(c.MerchantCacheTTLSeconds) * time.Second
}

func (c Config) LedgerRetryBase() time.Duration {
	return time.Duration(c.LedgerRetryBaseMS) * time.Millisecond
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getEnvInt falls back when the value is missing, malformed or below floor.
func getEnvInt(key string, fallback int, floor int) int {
	val, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || val < floor {
		return fallback
	}
	return val
}

func getEnvSlice(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
