package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	LogLevel    string

	AutoTransitionSeconds int
	AutoScanInterval      time.Duration
	AutoScanBatchSize     int

	FeedbackDelay    time.Duration
	FeedbackInterval time.Duration
	FeedbackBatch    int
	FeedbackWebhook  string

	BroadcastInterval time.Duration
	BroadcastBatch    int

	RateLimitPerMinute int
	RateLimitBurst     int

	OTLPEndpoint string
}

func Load() Config {
	// missing .env is fine, the environment wins either way
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:        port,
		DatabaseURL: os.Getenv("DB_DSN"),
		LogLevel:    readString("LOG_LEVEL", "info"),

		AutoTransitionSeconds: readInt("AUTO_TRANSITION_SECONDS", 120),
		AutoScanInterval:      readDurationSeconds("AUTO_SCAN_INTERVAL_SECONDS", 5),
		AutoScanBatchSize:     readInt("AUTO_SCAN_BATCH_SIZE", 100),

		FeedbackDelay:    readDurationSeconds("FEEDBACK_DELAY_SECONDS", 3600),
		FeedbackInterval: readDurationSeconds("FEEDBACK_SCAN_INTERVAL_SECONDS", 60),
		FeedbackBatch:    readInt("FEEDBACK_BATCH_SIZE", 50),
		FeedbackWebhook:  os.Getenv("FEEDBACK_WEBHOOK_URL"),

		BroadcastInterval: readDurationSeconds("BROADCAST_INTERVAL_SECONDS", 1),
		BroadcastBatch:    readInt("BROADCAST_BATCH_SIZE", 100),

		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func readString(key, fallback string) string {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	return raw
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
