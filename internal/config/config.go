package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings, populated from the environment.
type Config struct {
	HTTPAddr          string
	DBPath            string
	NATSURL           string
	AuthURL           string
	JWKSURL           string
	JWKSRefresh       time.Duration
	ClassifierURL     string
	ClassifierTimeout time.Duration
	PubSubTopic       string
	GraphNotifyURL    string
	MaxRecords        int
	StrictAdvance     bool
}

func Load() Config {
	return Config{
		HTTPAddr:          getEnvString("HTTP_ADDR", ":8080"),
		DBPath:            getEnvString("DB_PATH", "data/mailguard.db"),
		NATSURL:           getEnvString("NATS_URL", "nats://127.0.0.1:4222"),
		AuthURL:           getEnvString("AUTH_URL", "http://localhost:3000"),
		JWKSURL:           getEnvString("JWKS_URL", "http://localhost:3000/api/auth/jwks"),
		JWKSRefresh:       getEnvDuration("JWKS_REFRESH_INTERVAL", 5*time.Minute),
		ClassifierURL:     getEnvString("CLASSIFIER_URL", "http://localhost:9090/classify"),
		ClassifierTimeout: getEnvDuration("CLASSIFIER_TIMEOUT", 15*time.Second),
		PubSubTopic:       getEnvString("PUBSUB_TOPIC", ""),
		GraphNotifyURL:    getEnvString("GRAPH_NOTIFY_URL", ""),
		MaxRecords:        getEnvInt("MAX_RECORDS", 100),
		StrictAdvance:     getEnvBool("STRICT_ADVANCE", false),
	}
}

func getEnvString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(value))
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}
