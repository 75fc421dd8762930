package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	crabstackDirName        = ".crabstack"
	defaultConfigFileName   = "observer.yaml"
	alternateConfigFileName = "observer.yml"
)

type fileConfig struct {
	Server         fileServerConfig     `yaml:"server"`
	DB             fileDBConfig         `yaml:"db"`
	Events         fileEventsConfig     `yaml:"events"`
	Capture        map[string]bool      `yaml:"capture"`
	RedactPatterns []string             `yaml:"redact_patterns"`
	ExcludeFields  []string             `yaml:"exclude_fields"`
	RetryAttempts  *int                 `yaml:"retry_attempts"`
	TimeoutMS      *int                 `yaml:"timeout_ms"`
	Stream         fileStreamConfig     `yaml:"stream"`
	RateLimit      fileRateLimitConfig  `yaml:"rate_limit"`
	Query          fileQueryConfig      `yaml:"query"`
	Platforms      []filePlatformConfig `yaml:"platforms"`
	Forwarders     fileForwarderConfig  `yaml:"forwarders"`
	LogLevel       string               `yaml:"log_level"`
	LogFormat      string               `yaml:"log_format"`
}

type fileServerConfig struct {
	URL             string `yaml:"url"`
	Protocol        string `yaml:"protocol"`
	HTTPAddr        string `yaml:"http_addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

type fileDBConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type fileEventsConfig struct {
	SamplingRate     *float64 `yaml:"sampling_rate"`
	BatchSize        *int     `yaml:"batch_size"`
	FlushIntervalMS  *int     `yaml:"flush_interval_ms"`
	MaxPayloadSizeKB *int     `yaml:"max_payload_size_kb"`
	RetryQueueSize   *int     `yaml:"retry_queue_size"`
}

type fileStreamConfig struct {
	QueueSize    *int   `yaml:"queue_size"`
	PingInterval string `yaml:"ping_interval"`
}

type fileRateLimitConfig struct {
	EventsPerSecond *float64 `yaml:"events_per_second"`
	Burst           *int     `yaml:"burst"`
}

type fileQueryConfig struct {
	DefaultWindow string `yaml:"default_window"`
	MaxWindow     string `yaml:"max_window"`
	MaxLimit      *int   `yaml:"max_limit"`
}

type filePlatformConfig struct {
	Name          string         `yaml:"name"`
	DisplayName   string         `yaml:"display_name"`
	Version       string         `yaml:"version"`
	SchemaVersion string         `yaml:"schema_version"`
	Enabled       *bool          `yaml:"enabled"`
	Config        map[string]any `yaml:"config"`
}

type fileForwarderConfig struct {
	Webhooks []string `yaml:"webhooks"`
}

func applyYAML(cfg *Config, source fileConfig) error {
	if value := strings.TrimSpace(source.Server.URL); value != "" {
		cfg.Server.URL = value
	}
	if value := strings.TrimSpace(source.Server.Protocol); value != "" {
		cfg.Server.Protocol = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.Server.HTTPAddr); value != "" {
		cfg.Server.HTTPAddr = value
	}
	shutdownTimeout, err := parseOptionalDuration(source.Server.ShutdownTimeout, cfg.Server.ShutdownTimeout, "server.shutdown_timeout")
	if err != nil {
		return err
	}
	cfg.Server.ShutdownTimeout = shutdownTimeout

	if value := strings.TrimSpace(source.DB.Driver); value != "" {
		cfg.DB.Driver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.DB.DSN); value != "" {
		cfg.DB.DSN = value
	}

	if source.Events.SamplingRate != nil {
		cfg.Events.SamplingRate = *source.Events.SamplingRate
	}
	if source.Events.BatchSize != nil {
		cfg.Events.BatchSize = *source.Events.BatchSize
	}
	if source.Events.FlushIntervalMS != nil {
		cfg.Events.FlushInterval = time.Duration(*source.Events.FlushIntervalMS) * time.Millisecond
	}
	if source.Events.MaxPayloadSizeKB != nil {
		cfg.Events.MaxPayloadBytes = *source.Events.MaxPayloadSizeKB * 1024
	}
	if source.Events.RetryQueueSize != nil {
		cfg.Events.RetryQueueSize = *source.Events.RetryQueueSize
	}

	for category, enabled := range source.Capture {
		cfg.Capture[strings.ToLower(strings.TrimSpace(category))] = enabled
	}
	if source.RedactPatterns != nil {
		cfg.RedactPatterns = append([]string(nil), source.RedactPatterns...)
	}
	if source.ExcludeFields != nil {
		cfg.ExcludeFields = append([]string(nil), source.ExcludeFields...)
	}
	if source.RetryAttempts != nil {
		cfg.RetryAttempts = *source.RetryAttempts
	}
	if source.TimeoutMS != nil {
		cfg.Timeout = time.Duration(*source.TimeoutMS) * time.Millisecond
	}

	if source.Stream.QueueSize != nil {
		cfg.Stream.QueueSize = *source.Stream.QueueSize
	}
	pingInterval, err := parseOptionalDuration(source.Stream.PingInterval, cfg.Stream.PingInterval, "stream.ping_interval")
	if err != nil {
		return err
	}
	cfg.Stream.PingInterval = pingInterval

	if source.RateLimit.EventsPerSecond != nil {
		cfg.RateLimit.EventsPerSecond = *source.RateLimit.EventsPerSecond
	}
	if source.RateLimit.Burst != nil {
		cfg.RateLimit.Burst = *source.RateLimit.Burst
	}

	defaultWindow, err := parseOptionalDuration(source.Query.DefaultWindow, cfg.Query.DefaultWindow, "query.default_window")
	if err != nil {
		return err
	}
	cfg.Query.DefaultWindow = defaultWindow
	maxWindow, err := parseOptionalDuration(source.Query.MaxWindow, cfg.Query.MaxWindow, "query.max_window")
	if err != nil {
		return err
	}
	cfg.Query.MaxWindow = maxWindow
	if source.Query.MaxLimit != nil {
		cfg.Query.MaxLimit = *source.Query.MaxLimit
	}

	for _, p := range source.Platforms {
		seed := PlatformSeed{
			Name:          strings.TrimSpace(p.Name),
			DisplayName:   strings.TrimSpace(p.DisplayName),
			Version:       strings.TrimSpace(p.Version),
			SchemaVersion: strings.TrimSpace(p.SchemaVersion),
			Enabled:       true,
			Config:        p.Config,
		}
		if p.Enabled != nil {
			seed.Enabled = *p.Enabled
		}
		cfg.Platforms = append(cfg.Platforms, seed)
	}
	if source.Forwarders.Webhooks != nil {
		cfg.Forwarders.Webhooks = append([]string(nil), source.Forwarders.Webhooks...)
	}

	if value := strings.TrimSpace(source.LogLevel); value != "" {
		cfg.LogLevel = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.LogFormat); value != "" {
		cfg.LogFormat = strings.ToLower(value)
	}
	return nil
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		resolvedPath, err := expandPath(explicit)
		if err != nil {
			return "", false, fmt.Errorf("resolve %s: %w", EnvConfigFile, err)
		}
		info, err := os.Stat(resolvedPath)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", resolvedPath, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", resolvedPath)
		}
		return resolvedPath, true, nil
	}

	candidates := []string{
		filepath.Join(crabstackDirName, defaultConfigFileName),
		filepath.Join(crabstackDirName, alternateConfigFileName),
	}
	if homeDir, err := os.UserHomeDir(); err == nil && strings.TrimSpace(homeDir) != "" {
		candidates = append(candidates,
			filepath.Join(homeDir, crabstackDirName, defaultConfigFileName),
			filepath.Join(homeDir, crabstackDirName, alternateConfigFileName),
		)
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, strings.TrimPrefix(trimmed, "~/")), nil
	}
	return trimmed, nil
}
