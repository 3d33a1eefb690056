// Package config loads broker configuration from an optional YAML file
// overlaid with explicit environment variable reads (spec §6's env var
// table), following the teacher's three-stage Load/LoadWithDefaults/
// LoadAndValidate pattern.
package config

import "time"

// BrokerConfig is the root configuration for one broker process.
type BrokerConfig struct {
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Subscriptions []PinnedSubscription `yaml:"subscriptions"`
	Push          PushConfig          `yaml:"push"`
	NATS          NATSConfig          `yaml:"nats"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	HealthAPI     HealthAPIConfig     `yaml:"health_api"`
	Log           LogConfig           `yaml:"log"`
	Prices        PricesLogConfig     `yaml:"prices_log"`
	Health        HealthConfig        `yaml:"health"`
}

// UpstreamConfig configures the Upstream Driver connection (TV_API_*).
type UpstreamConfig struct {
	ProxyURL  string        `yaml:"proxy_url"`
	TimeoutMS time.Duration `yaml:"timeout_ms"`
}

// PinnedSubscription is one entry of the SUBSCRIPTIONS env var's JSON array
// — config-pinned keys kept alive regardless of client interest (I1).
type PinnedSubscription struct {
	Symbol    string `yaml:"symbol" json:"symbol"`
	Timeframe string `yaml:"timeframe" json:"timeframe"`
}

// PushConfig configures the HTTP push sink (BACKEND_*).
type PushConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
}

// NATSConfig configures the optional NATS fan-out sink (NATS_URL).
type NATSConfig struct {
	URL string `yaml:"url"`
}

// WebSocketConfig configures the client front (WEBSOCKET_*). Enabled is a
// pointer so an explicit "false" in the YAML file is distinguishable from
// the field being left unset (nil defaults to true in applyDefaults).
type WebSocketConfig struct {
	Port    int   `yaml:"port"`
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the client front should run. Unset (nil) means
// enabled, matching the spec's default-on behavior.
func (w WebSocketConfig) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// MetricsConfig configures the Prometheus endpoint (METRICS_PORT).
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// HealthAPIConfig configures the Health HTTP API (HEALTH_API_PORT).
type HealthAPIConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures structured logging (LOG_LEVEL, LOG_FILE).
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// PricesLogConfig configures the optional bar mirror log (DEBUG_PRICES,
// PRICES_LOG_FILE).
type PricesLogConfig struct {
	Debug bool   `yaml:"debug"`
	File  string `yaml:"file"`
}

// HealthConfig mirrors internal/health.Config's overridable options
// (HEALTH_* env vars). AutoRecoveryEnabled is a pointer for the same reason
// as WebSocketConfig.Enabled: nil means unset, not false.
type HealthConfig struct {
	CheckIntervalMs          int64   `yaml:"check_interval_ms"`
	StaleThresholdMultiplier float64 `yaml:"stale_threshold_multiplier"`
	AutoRecoveryEnabled      *bool   `yaml:"auto_recovery_enabled"`
	MaxRecoveryAttempts      int     `yaml:"max_recovery_attempts"`
	FullReconnectThreshold   int     `yaml:"full_reconnect_threshold"`
	FullReconnectCooldownMs  int64   `yaml:"full_reconnect_cooldown_ms"`
}

// IsAutoRecoveryEnabled reports whether individual recovery should run.
// Unset (nil) means enabled, matching the spec's "master switch" default.
func (h HealthConfig) IsAutoRecoveryEnabled() bool {
	return h.AutoRecoveryEnabled == nil || *h.AutoRecoveryEnabled
}
