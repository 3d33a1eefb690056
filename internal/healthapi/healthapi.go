// Package healthapi implements the Health HTTP API (spec §6, default port
// 8082): liveness/readiness probes and operator-triggered recovery, shaped
// after the teacher's cmd/gatherer createHealthHandler (http.ServeMux,
// one handler func per route, JSON encoded via encoding/json).
package healthapi

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rickgao/bar-broker/internal/health"
	"github.com/rickgao/bar-broker/internal/multiplexer"
	"github.com/rickgao/bar-broker/internal/subkey"
)

// Reconnector lets the API trigger a full reconnect without needing to
// thread a context.Context through this package's interface.
type Reconnector func() bool

// Server exposes /health, /status, /recovery/subscription, and
// /recovery/full-reconnect.
type Server struct {
	mux       *multiplexer.Multiplexer
	monitor   *health.Monitor
	reconnect Reconnector
	logger    *zap.Logger
	startedAt time.Time
}

// New builds the Health HTTP API server. mux and monitor are non-owning
// references (spec §9).
func New(mux *multiplexer.Multiplexer, monitor *health.Monitor, reconnect Reconnector, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{mux: mux, monitor: monitor, reconnect: reconnect, logger: logger, startedAt: time.Now()}
}

// Handler builds the http.Handler serving every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/recovery/subscription", s.handleRecoverSubscription)
	mux.HandleFunc("/recovery/full-reconnect", s.handleFullReconnect)
	return mux
}

type recoveryRequest struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	connected := s.mux.Connected()
	stats := s.mux.Stats()
	snap := s.monitor.Snapshot()

	body := map[string]any{
		"status": statusString(connected),
		"uptime": time.Since(s.startedAt).Seconds(),
		"tradingview": map[string]any{
			"connected":     connected,
			"subscriptions": stats.ActiveSubscriptions,
		},
		"health_monitor": map[string]any{
			"active":              snap.Active,
			"stale_subscriptions": snap.Stale,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	if !connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.mux.Stats()
	snap := s.monitor.Snapshot()
	keys := s.mux.List()

	subs := make([]map[string]string, 0, len(keys))
	for _, k := range keys {
		subs = append(subs, map[string]string{"symbol": k.Symbol, "timeframe": k.Timeframe})
	}

	body := map[string]any{
		"uptime": time.Since(s.startedAt).Seconds(),
		"tradingview": map[string]any{
			"connected":     stats.Connected,
			"subscriptions": stats.ActiveSubscriptions,
		},
		"subscriptions": subs,
		"health_config": map[string]any{
			"check_interval_seconds":  snap.CheckIntervalSeconds,
			"auto_recovery_enabled":   snap.AutoRecoveryEnabled,
			"full_reconnect_cooldown": snap.FullReconnectCooldown.String(),
			"active":                  snap.Active,
			"stale_subscriptions":     snap.Stale,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleRecoverSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req recoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" || req.Timeframe == "" {
		http.Error(w, "symbol and timeframe required", http.StatusBadRequest)
		return
	}

	key := subkey.New(req.Symbol, req.Timeframe)
	s.monitor.TriggerRecovery(key)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

func (s *Server) handleFullReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ok := s.reconnect()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": ok})
}

func statusString(connected bool) string {
	if connected {
		return "healthy"
	}
	return "unhealthy"
}
