package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvConfigFile   = "CRAB_OBSERVER_CONFIG_FILE"
	EnvHTTPAddr     = "CRAB_OBSERVER_HTTP_ADDR"
	EnvDBDriver     = "CRAB_OBSERVER_DB_DRIVER"
	EnvDBDSN        = "CRAB_OBSERVER_DB_DSN"
	EnvSamplingRate = "CRAB_OBSERVER_SAMPLING_RATE"
	EnvLogLevel     = "CRAB_OBSERVER_LOG_LEVEL"
	EnvLogFormat    = "CRAB_OBSERVER_LOG_FORMAT"
	EnvWebhookURLs  = "CRAB_OBSERVER_WEBHOOK_URLS"
)

func EnvString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func EnvOrDefault(key, fallback string) string {
	value := EnvString(key)
	if value == "" {
		return fallback
	}
	return value
}

func applyEnv(cfg *Config) error {
	cfg.Server.HTTPAddr = EnvOrDefault(EnvHTTPAddr, cfg.Server.HTTPAddr)
	cfg.DB.Driver = strings.ToLower(EnvOrDefault(EnvDBDriver, cfg.DB.Driver))
	cfg.DB.DSN = EnvOrDefault(EnvDBDSN, cfg.DB.DSN)
	cfg.LogLevel = strings.ToLower(EnvOrDefault(EnvLogLevel, cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(EnvOrDefault(EnvLogFormat, cfg.LogFormat))

	if raw := EnvString(EnvSamplingRate); raw != "" {
		rate, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvSamplingRate, raw, err)
		}
		cfg.Events.SamplingRate = rate
	}
	if raw := EnvString(EnvWebhookURLs); raw != "" {
		cfg.Forwarders.Webhooks = splitList(raw)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseOptionalDuration accepts time.ParseDuration syntax plus a whole-day
// suffix ("30d").
func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	var parsed time.Duration
	if days, ok := strings.CutSuffix(value, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
		}
		parsed = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		parsed, err = time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
		}
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return parsed, nil
}
