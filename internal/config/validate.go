package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are in range.
func (c *BrokerConfig) Validate() error {
	for i, s := range c.Subscriptions {
		if s.Symbol == "" || s.Timeframe == "" {
			return fmt.Errorf("subscriptions[%d]: symbol and timeframe are required", i)
		}
	}

	if c.WebSocket.IsEnabled() {
		if c.WebSocket.Port < 1 || c.WebSocket.Port > 65535 {
			return fmt.Errorf("websocket.port must be between 1 and 65535, got %d", c.WebSocket.Port)
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if c.HealthAPI.Port < 1 || c.HealthAPI.Port > 65535 {
		return fmt.Errorf("health_api.port must be between 1 and 65535, got %d", c.HealthAPI.Port)
	}

	if c.Push.APIKey != "" && c.Push.Endpoint == "" {
		return errors.New("push.endpoint is required when push.api_key is set")
	}

	if c.Health.CheckIntervalMs <= 0 {
		return errors.New("health.check_interval_ms must be > 0")
	}
	if c.Health.FullReconnectCooldownMs <= 0 {
		return errors.New("health.full_reconnect_cooldown_ms must be > 0")
	}
	if c.Health.StaleThresholdMultiplier <= 0 {
		return errors.New("health.stale_threshold_multiplier must be > 0")
	}
	if c.Health.MaxRecoveryAttempts < 1 {
		return errors.New("health.max_recovery_attempts must be >= 1")
	}
	if c.Health.FullReconnectThreshold < 1 {
		return errors.New("health.full_reconnect_threshold must be >= 1")
	}

	return nil
}
