package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the scheduling engine.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	BufferWindow  time.Duration
	BufferMaxSize int
	JanitorTick   time.Duration

	BlocksThreshold      float64
	SoftRelatesThreshold float64
	OpenTaskWindow       int
	EmbeddingDim         int
	EmbedCacheSize       int
	EmbedTimeout         time.Duration

	ClassifierTimeout  time.Duration
	MaxTeamAgents      int
	DriftThreshold     float64
	DriftWindow        int
	DriftCheckInterval int

	GlobalConcurrency  int
	PerSenderCap       int
	MaxDispatchRetries int
	RetryBase          time.Duration
	RetryCap           time.Duration
	SettledRetention   time.Duration
	HydratePageSize    int

	OverrideQuota  int
	OverridePeriod time.Duration

	AgentGatewayMode string
	AgentGatewayURL  string
	DatabaseURL      string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "ordino"),
		AllowAnyOrigin:       false,
		ShutdownTimeout:      15 * time.Second,
		BufferWindow:         45 * time.Second,
		BufferMaxSize:        32,
		JanitorTick:          time.Second,
		BlocksThreshold:      0.75,
		SoftRelatesThreshold: 0.55,
		OpenTaskWindow:       100,
		EmbeddingDim:         256,
		EmbedCacheSize:       4096,
		EmbedTimeout:         2 * time.Second,
		ClassifierTimeout:    1500 * time.Millisecond,
		MaxTeamAgents:        5,
		DriftThreshold:       0.2,
		DriftWindow:          256,
		DriftCheckInterval:   32,
		GlobalConcurrency:    8,
		PerSenderCap:         2,
		MaxDispatchRetries:   3,
		RetryBase:            500 * time.Millisecond,
		RetryCap:             30 * time.Second,
		SettledRetention:     time.Minute,
		HydratePageSize:      256,
		OverrideQuota:        3,
		OverridePeriod:       10 * time.Minute,
		AgentGatewayMode:     envOrDefault("AGENT_GATEWAY_MODE", "auto"),
		AgentGatewayURL:      envTrimmed("AGENT_GATEWAY_URL"),
		DatabaseURL:          envTrimmed("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.BufferWindow, err = durationFromEnv("BUFFER_WINDOW", cfg.BufferWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.BufferMaxSize, err = intFromEnv("BUFFER_MAX_SIZE", cfg.BufferMaxSize)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorTick, err = durationFromEnv("BUFFER_JANITOR_TICK", cfg.JanitorTick)
	if err != nil {
		return Config{}, err
	}
	cfg.BlocksThreshold, err = floatFromEnv("LINK_BLOCKS_THRESHOLD", cfg.BlocksThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.SoftRelatesThreshold, err = floatFromEnv("LINK_SOFT_THRESHOLD", cfg.SoftRelatesThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.OpenTaskWindow, err = intFromEnv("LINK_OPEN_TASK_WINDOW", cfg.OpenTaskWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbeddingDim, err = intFromEnv("EMBEDDING_DIM", cfg.EmbeddingDim)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbedCacheSize, err = intFromEnv("EMBED_CACHE_SIZE", cfg.EmbedCacheSize)
	if err != nil {
		return Config{}, err
	}
	cfg.EmbedTimeout, err = durationFromEnv("EMBED_TIMEOUT", cfg.EmbedTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ClassifierTimeout, err = durationFromEnv("CLASSIFIER_TIMEOUT", cfg.ClassifierTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTeamAgents, err = intFromEnv("CLASSIFIER_MAX_TEAM_AGENTS", cfg.MaxTeamAgents)
	if err != nil {
		return Config{}, err
	}
	cfg.DriftThreshold, err = floatFromEnv("DRIFT_THRESHOLD", cfg.DriftThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.DriftWindow, err = intFromEnv("DRIFT_WINDOW", cfg.DriftWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.DriftCheckInterval, err = intFromEnv("DRIFT_CHECK_INTERVAL", cfg.DriftCheckInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.GlobalConcurrency, err = intFromEnv("DISPATCH_GLOBAL_CONCURRENCY", cfg.GlobalConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.PerSenderCap, err = intFromEnv("DISPATCH_PER_SENDER_CAP", cfg.PerSenderCap)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxDispatchRetries, err = intFromEnv("DISPATCH_MAX_RETRIES", cfg.MaxDispatchRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBase, err = durationFromEnv("DISPATCH_RETRY_BASE", cfg.RetryBase)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryCap, err = durationFromEnv("DISPATCH_RETRY_CAP", cfg.RetryCap)
	if err != nil {
		return Config{}, err
	}
	cfg.SettledRetention, err = durationFromEnv("DISPATCH_SETTLED_RETENTION", cfg.SettledRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.HydratePageSize, err = intFromEnv("DISPATCH_HYDRATE_PAGE_SIZE", cfg.HydratePageSize)
	if err != nil {
		return Config{}, err
	}
	cfg.OverrideQuota, err = intFromEnv("OVERRIDE_QUOTA", cfg.OverrideQuota)
	if err != nil {
		return Config{}, err
	}
	cfg.OverridePeriod, err = durationFromEnv("OVERRIDE_PERIOD", cfg.OverridePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.BufferWindow < time.Second {
		return Config{}, fmt.Errorf("BUFFER_WINDOW must be at least 1s")
	}
	if cfg.BufferMaxSize <= 0 {
		return Config{}, fmt.Errorf("BUFFER_MAX_SIZE must be positive")
	}
	if cfg.BlocksThreshold <= cfg.SoftRelatesThreshold {
		return Config{}, fmt.Errorf("LINK_BLOCKS_THRESHOLD must exceed LINK_SOFT_THRESHOLD")
	}
	if cfg.BlocksThreshold > 1 || cfg.SoftRelatesThreshold < 0 {
		return Config{}, fmt.Errorf("similarity thresholds must stay within [0,1]")
	}
	if cfg.EmbeddingDim <= 0 {
		return Config{}, fmt.Errorf("EMBEDDING_DIM must be positive")
	}
	if cfg.GlobalConcurrency <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_GLOBAL_CONCURRENCY must be positive")
	}
	if cfg.PerSenderCap <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_PER_SENDER_CAP must be positive")
	}
	if cfg.HydratePageSize <= 0 {
		return Config{}, fmt.Errorf("DISPATCH_HYDRATE_PAGE_SIZE must be positive")
	}
	if cfg.MaxTeamAgents <= 0 {
		return Config{}, fmt.Errorf("CLASSIFIER_MAX_TEAM_AGENTS must be positive")
	}
	if cfg.OverrideQuota <= 0 {
		return Config{}, fmt.Errorf("OVERRIDE_QUOTA must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envTrimmed(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := envTrimmed(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(envTrimmed(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
