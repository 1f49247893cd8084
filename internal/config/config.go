package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        string
	DatabaseURL string

	SlotCapacity int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ServingTTL    time.Duration

	NotifyInterval  time.Duration
	NotifyBatchSize int
	OutboxRetention time.Duration

	RateLimitPerMinute       int
	RateLimitBurst           int
	ActionRateLimitPerMinute int
	ActionRateLimitBurst     int

	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRatio float64
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                     port,
		DatabaseURL:              os.Getenv("DB_DSN"),
		SlotCapacity:             readInt("SLOT_CAPACITY", 5),
		RedisAddr:                os.Getenv("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		RedisDB:                  readInt("REDIS_DB", 0),
		ServingTTL:               readDurationSeconds("SERVING_CACHE_TTL_SECONDS", 86400),
		NotifyInterval:           readDurationSeconds("NOTIFY_INTERVAL_SECONDS", 1),
		NotifyBatchSize:          readInt("NOTIFY_BATCH_SIZE", 100),
		OutboxRetention:          readDurationSeconds("OUTBOX_RETENTION_SECONDS", 3600),
		RateLimitPerMinute:       readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:           readInt("RATE_LIMIT_BURST", 30),
		ActionRateLimitPerMinute: readInt("ACTION_RATE_LIMIT_PER_MIN", 600),
		ActionRateLimitBurst:     readInt("ACTION_RATE_LIMIT_BURST", 120),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:             readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:         readFloat("TRACE_SAMPLE_RATIO", 1),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
