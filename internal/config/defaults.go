package config

import "time"

// Default values for optional configuration fields (spec §6).
const (
	DefaultUpstreamTimeoutMS = 10 * time.Second
	DefaultWebSocketPort     = 8081
	DefaultMetricsPort       = 9100
	DefaultHealthAPIPort     = 8082
	DefaultLogLevel          = "info"

	DefaultHealthCheckIntervalMs         = 60_000
	DefaultHealthStaleThresholdMult      = 3.0
	DefaultHealthMaxRecoveryAttempts     = 3
	DefaultHealthFullReconnectThreshold  = 3
	DefaultHealthFullReconnectCooldownMs = 600_000
)

func (c *BrokerConfig) applyDefaults() {
	if c.Upstream.TimeoutMS == 0 {
		c.Upstream.TimeoutMS = DefaultUpstreamTimeoutMS
	}

	if c.WebSocket.Port == 0 {
		c.WebSocket.Port = DefaultWebSocketPort
	}
	// The client front is on by default; only an explicit "false" from the
	// YAML file or the env overlay turns it off, so only fill in the pointer
	// when neither source set it.
	if c.WebSocket.Enabled == nil {
		enabled := true
		c.WebSocket.Enabled = &enabled
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}

	if c.HealthAPI.Port == 0 {
		c.HealthAPI.Port = DefaultHealthAPIPort
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}

	if c.Health.CheckIntervalMs == 0 {
		c.Health.CheckIntervalMs = DefaultHealthCheckIntervalMs
	}
	if c.Health.StaleThresholdMultiplier == 0 {
		c.Health.StaleThresholdMultiplier = DefaultHealthStaleThresholdMult
	}
	if c.Health.MaxRecoveryAttempts == 0 {
		c.Health.MaxRecoveryAttempts = DefaultHealthMaxRecoveryAttempts
	}
	if c.Health.FullReconnectThreshold == 0 {
		c.Health.FullReconnectThreshold = DefaultHealthFullReconnectThreshold
	}
	if c.Health.FullReconnectCooldownMs == 0 {
		c.Health.FullReconnectCooldownMs = DefaultHealthFullReconnectCooldownMs
	}
	// Auto-recovery is on by default (spec.md's "master switch"); only an
	// explicit "false" from the YAML file or the env overlay turns it off.
	if c.Health.AutoRecoveryEnabled == nil {
		enabled := true
		c.Health.AutoRecoveryEnabled = &enabled
	}
}
