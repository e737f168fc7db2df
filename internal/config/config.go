package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Almacenamiento del outbox / event store
	Backend     string // "sqlite" | "postgres" | "mongodb"
	SQLitePath  string
	PostgresDSN string
	MongoURI    string
	MongoDB     string

	// Broker de streams
	Broker       string // "redis" | "kafka" | "memory"
	RedisAddr    string
	KafkaBrokers []string
	StreamPrefix string
	StreamMaxLen int64

	// Relayer
	RelayerPeriod   time.Duration
	RelayerBatch    int
	RetentionDays   int
	RetentionPeriod time.Duration

	// Consumidores
	ConsumerServices []string
	ReadCount        int
	BlockFor         time.Duration
	ClaimIdle        time.Duration

	// Webhooks
	WebhookAttempts int
	WebhookDelay    time.Duration

	// Cache de suscripciones
	CacheTTL time.Duration

	// Analítica (opcional, vacío = deshabilitada)
	ClickHouseAddr string
	ClickHouseDB   string

	HTTPPort   string
	AdminToken string
}

func LoadConfig() *Config {
	getEnv := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	getInt := func(key string, fallback int) int {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return fallback
	}

	var services []string
	if v := getEnv("CONSUMER_SERVICES", ""); v != "" {
		services = strings.Split(v, ",")
	}

	return &Config{
		Backend:     getEnv("STORE_BACKEND", "sqlite"),
		SQLitePath:  getEnv("SQLITE_PATH", "./eventlab.db"),
		PostgresDSN: getEnv("POSTGRES_DSN", ""),
		MongoURI:    getEnv("MONGO_URI", ""),
		MongoDB:     getEnv("MONGO_DB", "eventlab"),

		Broker:       getEnv("STREAM_BROKER", "redis"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers: strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
		StreamPrefix: getEnv("STREAM_PREFIX", "events"),
		StreamMaxLen: int64(getInt("STREAM_MAX_LEN", 10000)),

		RelayerPeriod:   time.Duration(getInt("RELAYER_PERIOD_MS", 5000)) * time.Millisecond,
		RelayerBatch:    getInt("RELAYER_BATCH", 100),
		RetentionDays:   getInt("RETENTION_DAYS", 30),
		RetentionPeriod: time.Duration(getInt("RETENTION_PERIOD_H", 6)) * time.Hour,

		ConsumerServices: services,
		ReadCount:        getInt("CONSUMER_READ_COUNT", 10),
		BlockFor:         time.Duration(getInt("CONSUMER_BLOCK_MS", 5000)) * time.Millisecond,
		ClaimIdle:        time.Duration(getInt("CONSUMER_CLAIM_IDLE_S", 60)) * time.Second,

		WebhookAttempts: getInt("WEBHOOK_ATTEMPTS", 3),
		WebhookDelay:    time.Duration(getInt("WEBHOOK_DELAY_MS", 500)) * time.Millisecond,

		CacheTTL: time.Duration(getInt("CACHE_TTL_S", 300)) * time.Second,

		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", ""),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "eventlab"),

		HTTPPort:   getEnv("HTTP_PORT", "8080"),
		AdminToken: getEnv("ADMIN_TOKEN", ""),
	}
}
