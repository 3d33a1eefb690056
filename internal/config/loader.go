package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads an optional YAML config file (path may be empty, in which case
// an empty BrokerConfig is the starting point) and overlays explicit
// environment variable reads on top of it, per the env var table.
func Load(path string) (*BrokerConfig, error) {
	var cfg BrokerConfig

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	if err := overlayEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values to any field
// left unset by the file and the environment.
func LoadWithDefaults(path string) (*BrokerConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates the result.
func LoadAndValidate(path string) (*BrokerConfig, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// overlayEnv applies the environment variable table on top of whatever the
// YAML file set, so an env var always wins over a file value.
func overlayEnv(cfg *BrokerConfig) error {
	if v := os.Getenv("TV_API_PROXY"); v != "" {
		cfg.Upstream.ProxyURL = v
	}
	if v := os.Getenv("TV_API_TIMEOUT_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TV_API_TIMEOUT_MS: %w", err)
		}
		cfg.Upstream.TimeoutMS = time.Duration(ms) * time.Millisecond
	}

	if v := os.Getenv("SUBSCRIPTIONS"); v != "" {
		var subs []PinnedSubscription
		if err := json.Unmarshal([]byte(v), &subs); err != nil {
			return fmt.Errorf("SUBSCRIPTIONS: invalid JSON array: %w", err)
		}
		cfg.Subscriptions = subs
	}

	if v := os.Getenv("BACKEND_ENDPOINT"); v != "" {
		cfg.Push.Endpoint = v
	}
	if v := os.Getenv("BACKEND_API_KEY"); v != "" {
		cfg.Push.APIKey = v
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	if v := os.Getenv("WEBSOCKET_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WEBSOCKET_PORT: %w", err)
		}
		cfg.WebSocket.Port = port
	}
	if v := os.Getenv("WEBSOCKET_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WEBSOCKET_ENABLED: %w", err)
		}
		cfg.WebSocket.Enabled = &enabled
	}
	// Absent means "unset", not "true" — applyDefaults fills in the
	// default so a YAML-configured false survives untouched.

	if v := os.Getenv("METRICS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("METRICS_PORT: %w", err)
		}
		cfg.Metrics.Port = port
	}

	if v := os.Getenv("HEALTH_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEALTH_API_PORT: %w", err)
		}
		cfg.HealthAPI.Port = port
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Log.File = v
	}

	if v := os.Getenv("DEBUG_PRICES"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG_PRICES: %w", err)
		}
		cfg.Prices.Debug = debug
	}
	if v := os.Getenv("PRICES_LOG_FILE"); v != "" {
		cfg.Prices.File = v
	}

	if v := os.Getenv("HEALTH_CHECK_INTERVAL_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HEALTH_CHECK_INTERVAL_MS: %w", err)
		}
		cfg.Health.CheckIntervalMs = ms
	}
	if v := os.Getenv("HEALTH_STALE_THRESHOLD_MULTIPLIER"); v != "" {
		mult, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("HEALTH_STALE_THRESHOLD_MULTIPLIER: %w", err)
		}
		cfg.Health.StaleThresholdMultiplier = mult
	}
	if v := os.Getenv("HEALTH_AUTO_RECOVERY_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HEALTH_AUTO_RECOVERY_ENABLED: %w", err)
		}
		cfg.Health.AutoRecoveryEnabled = &enabled
	}
	// Absent means "unset", not "true" — applyDefaults fills in the
	// default so a YAML-configured false survives untouched.
	if v := os.Getenv("HEALTH_MAX_RECOVERY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEALTH_MAX_RECOVERY_ATTEMPTS: %w", err)
		}
		cfg.Health.MaxRecoveryAttempts = n
	}
	if v := os.Getenv("HEALTH_FULL_RECONNECT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEALTH_FULL_RECONNECT_THRESHOLD: %w", err)
		}
		cfg.Health.FullReconnectThreshold = n
	}
	if v := os.Getenv("HEALTH_FULL_RECONNECT_COOLDOWN_MS"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("HEALTH_FULL_RECONNECT_COOLDOWN_MS: %w", err)
		}
		cfg.Health.FullReconnectCooldownMs = ms
	}

	return nil
}
