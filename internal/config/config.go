package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	DBAutoMigrate         bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string

	GatewayBaseURL       string
	GatewayServerKey     string
	GatewayQRISAcquirer  string
	GatewayExpiryMinutes int

	FeeCacheTTL        time.Duration
	OrderTimeout       time.Duration
	PersistTimeout     time.Duration
	WebhookTimeout     time.Duration
	PublishTimeout     time.Duration
	RealtimeSessionTTL time.Duration
}

// Load reads the process environment. A .env file in the working directory
// is applied first; variables already set in the environment win.
func Load() Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] WARN: .env not loaded: %v", err)
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		DBAutoMigrate:         getBool("DB_AUTO_MIGRATE", false),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: getPositiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),

		GatewayBaseURL:       getEnv("GATEWAY_BASE_URL", "https://api.sandbox.midtrans.com"),
		GatewayServerKey:     strings.TrimSpace(os.Getenv("GATEWAY_SERVER_KEY")),
		GatewayQRISAcquirer:  getEnv("GATEWAY_QRIS_ACQUIRER", "gopay"),
		GatewayExpiryMinutes: getPositiveInt("GATEWAY_CHARGE_EXPIRY_MINUTES", 15),

		FeeCacheTTL:        time.Duration(min(getPositiveInt("FEE_CACHE_TTL_SECONDS", 60), 300)) * time.Second,
		OrderTimeout:       time.Duration(getPositiveInt("ORDER_TIMEOUT_MS", 8000)) * time.Millisecond,
		PersistTimeout:     time.Duration(getPositiveInt("ORDER_PERSIST_TIMEOUT_MS", 3000)) * time.Millisecond,
		WebhookTimeout:     time.Duration(getPositiveInt("WEBHOOK_TIMEOUT_MS", 4000)) * time.Millisecond,
		PublishTimeout:     time.Duration(getPositiveInt("REALTIME_PUBLISH_TIMEOUT_MS", 1500)) * time.Millisecond,
		RealtimeSessionTTL: time.Duration(getPositiveInt("REALTIME_SESSION_TTL_MINUTES", 720)) * time.Minute,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getPositiveInt(key string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(getEnv(key, strconv.Itoa(fallback))))
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(getEnv(key, strconv.FormatBool(fallback))))
	if err != nil {
		return fallback
	}
	return parsed
}
