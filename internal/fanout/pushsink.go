package fanout

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rickgao/bar-broker/internal/session"
)

// Metrics is the slice of the metrics registry the fan-out sinks need.
type Metrics interface {
	IncBarsPushed()
	ObserveHTTPPushLatency(seconds float64)
}

// PushConfig configures the HTTP push sink (spec §4.4).
type PushConfig struct {
	Endpoint   string
	APIKey     string
	Attempts   int           // additional retries beyond the first call (default 3)
	BackoffSec time.Duration // fixed delay between attempts (default 1s)
	Timeout    time.Duration
}

// DefaultPushConfig returns the spec defaults for an enabled push sink.
func DefaultPushConfig(endpoint, apiKey string) PushConfig {
	return PushConfig{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Attempts:   3,
		BackoffSec: time.Second,
		Timeout:    10 * time.Second,
	}
}

// PushSink POSTs every bar to a configured backend endpoint with retries.
// Grounded on the teacher's internal/api.Client: a functional-options-free
// but structurally identical doRequest/doWithRetry split, since the sink
// has exactly one request shape and doesn't need the option surface.
type PushSink struct {
	cfg        PushConfig
	httpClient *http.Client
	metrics    Metrics
	logger     *zap.Logger
}

// NewPushSink builds a PushSink.
func NewPushSink(cfg PushConfig, metrics Metrics, logger *zap.Logger) *PushSink {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffSec <= 0 {
		cfg.BackoffSec = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushSink{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		metrics:    metrics,
		logger:     logger,
	}
}

// Push delivers one bar, retrying up to 1+Attempts total calls with a fixed
// backoff between them. After all attempts are exhausted the bar is logged
// and dropped; Push never returns an error because callers fan this out on
// a best-effort goroutine.
func (s *PushSink) Push(bar session.BarView) {
	payload, err := json.Marshal(bar)
	if err != nil {
		s.logger.Warn("push sink: marshal failed", zap.Error(err))
		return
	}

	totalCalls := 1 + s.cfg.Attempts
	for attempt := 0; attempt < totalCalls; attempt++ {
		if attempt > 0 {
			time.Sleep(s.cfg.BackoffSec)
		}

		start := time.Now()
		ok := s.attempt(payload)
		s.metrics.ObserveHTTPPushLatency(time.Since(start).Seconds())

		if ok {
			s.metrics.IncBarsPushed()
			return
		}
	}

	s.logger.Warn("push sink: all attempts exhausted, dropping bar",
		zap.String("symbol", bar.Symbol), zap.String("timeframe", bar.Timeframe), zap.Int64("time", bar.Time))
}

func (s *PushSink) attempt(payload []byte) bool {
	req, err := http.NewRequest(http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("push sink: build request failed", zap.Error(err))
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", s.cfg.APIKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Debug("push sink: request error", zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.logger.Debug("push sink: non-2xx response", zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}
