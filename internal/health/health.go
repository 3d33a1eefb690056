// Package health implements the Health Monitor (spec §4.3): it watches bar
// arrivals per subscription key, declares keys stale once they exceed their
// timeframe's staleness budget, and drives targeted recovery or a
// threshold-triggered full reconnect without oscillation.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rickgao/bar-broker/internal/multiplexer"
	"github.com/rickgao/bar-broker/internal/subkey"
)

// Muxer is the slice of Multiplexer behavior the Health Monitor depends on.
// A non-owning reference (spec §9): the monitor never constructs or closes
// the multiplexer.
type Muxer interface {
	Subscribe(key subkey.Key, reason string) bool
	Unsubscribe(symbol, timeframe string) bool
	FullReconnect(ctx context.Context) bool
	List() []subkey.Key
	On(l multiplexer.Listener) int
	Off(token int)
}

// Metrics is the slice of the metrics registry the Health Monitor needs.
type Metrics interface {
	SetLastDataReceivedSeconds(symbol, timeframe string, seconds float64)
	SetStaleSubscriptions(n int)
	IncRecoveryAttempts()
	IncSuccessfulRecoveries()
	IncFailedRecoveries()
	IncFullReconnects()
}

// Config holds every overridable Health Monitor knob from spec §4.3.
type Config struct {
	CheckInterval            time.Duration
	StaleThresholdMultiplier float64
	AutoRecoveryEnabled      bool
	MaxRecoveryAttempts      int
	FullReconnectThreshold   int
	FullReconnectCooldown    time.Duration
	RecoverySettleDelay      time.Duration // delay between unsubscribe and resubscribe during individual recovery (spec: 1s)
}

// DefaultConfig returns the spec §4.3 default values.
func DefaultConfig() Config {
	return Config{
		CheckInterval:            60 * time.Second,
		StaleThresholdMultiplier: 3.0,
		AutoRecoveryEnabled:      true,
		MaxRecoveryAttempts:      3,
		FullReconnectThreshold:   3,
		FullReconnectCooldown:    10 * time.Minute,
		RecoverySettleDelay:      time.Second,
	}
}

// Monitor is the Health Monitor.
type Monitor struct {
	cfg     Config
	mux     Muxer
	metrics Metrics
	logger  *zap.Logger

	mu                  sync.Mutex
	lastBarTs           map[subkey.Key]int64 // monotonic ms, via nowFn
	recoveryAttempts    map[subkey.Key]int
	lastFullReconnectTs int64

	listenerToken int
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	nowFn func() int64 // overridable for tests; returns monotonic milliseconds
}

// New builds a Health Monitor against mux (a non-owning reference).
func New(cfg Config, mux Muxer, metrics Metrics, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:              cfg,
		mux:              mux,
		metrics:          metrics,
		logger:           logger,
		lastBarTs:        make(map[subkey.Key]int64),
		recoveryAttempts: make(map[subkey.Key]int),
		ctx:              context.Background(), // replaced by Start
		nowFn:            nowMillis,
	}
}

// clockStart anchors nowMillis to the monotonic clock reading taken at
// process start.
var clockStart = time.Now()

func nowMillis() int64 { return time.Since(clockStart).Milliseconds() }

// Start attaches event listeners and begins the periodic scan.
func (m *Monitor) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.listenerToken = m.mux.On(m.handleEvent)

	m.wg.Add(1)
	go m.run()

	m.logger.Info("health monitor started",
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Float64("stale_threshold_multiplier", m.cfg.StaleThresholdMultiplier),
	)
}

// Stop cancels the scan timer and detaches event listeners. In-flight
// recovery calls are allowed to complete (spec §5).
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mux.Off(m.listenerToken)
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

func (m *Monitor) handleEvent(ev multiplexer.Event) {
	now := m.nowFn()
	switch ev.Kind {
	case multiplexer.EventBar:
		m.mu.Lock()
		m.lastBarTs[ev.Key] = now
		delete(m.recoveryAttempts, ev.Key)
		m.mu.Unlock()
		m.metrics.SetLastDataReceivedSeconds(ev.Key.Symbol, ev.Key.Timeframe, 0)
	case multiplexer.EventSubscribed:
		m.mu.Lock()
		m.lastBarTs[ev.Key] = now
		m.mu.Unlock()
	case multiplexer.EventUnsubscribed:
		m.mu.Lock()
		delete(m.lastBarTs, ev.Key)
		delete(m.recoveryAttempts, ev.Key)
		m.mu.Unlock()
	case multiplexer.EventConnect:
		m.mu.Lock()
		for k := range m.lastBarTs {
			m.lastBarTs[k] = now
		}
		m.recoveryAttempts = make(map[subkey.Key]int)
		m.mu.Unlock()
	case multiplexer.EventDisconnect:
		// Preserve timestamps: they represent last-known data (spec §4.3).
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

// scan runs one staleness-detection cycle (spec §4.3 algorithm).
func (m *Monitor) scan() {
	now := m.nowFn()
	keys := m.mux.List()

	var stale []subkey.Key
	for _, k := range keys {
		m.mu.Lock()
		last, ok := m.lastBarTs[k]
		if !ok {
			m.lastBarTs[k] = now
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		ageMs := now - last
		m.metrics.SetLastDataReceivedSeconds(k.Symbol, k.Timeframe, float64(ageMs)/1000)

		threshold := float64(subkey.TimeframeMillis(k.Timeframe)) * m.cfg.StaleThresholdMultiplier
		if float64(ageMs) > threshold {
			stale = append(stale, k)
		}
	}
	m.metrics.SetStaleSubscriptions(len(stale))

	if !m.cfg.AutoRecoveryEnabled {
		return
	}

	m.mu.Lock()
	sinceLastFull := now - m.lastFullReconnectTs
	// Zero means no full reconnect has happened yet, so no cooldown applies.
	neverFull := m.lastFullReconnectTs == 0
	m.mu.Unlock()

	if len(stale) >= m.cfg.FullReconnectThreshold && (neverFull || sinceLastFull > m.cfg.FullReconnectCooldown.Milliseconds()) {
		m.logger.Warn("stale threshold reached, triggering full reconnect", zap.Int("stale", len(stale)))
		m.metrics.IncFullReconnects()
		m.mux.FullReconnect(m.ctx)

		m.mu.Lock()
		m.lastFullReconnectTs = now
		for k := range m.lastBarTs {
			m.lastBarTs[k] = now
		}
		m.recoveryAttempts = make(map[subkey.Key]int)
		m.mu.Unlock()
		return
	}

	for _, k := range stale {
		m.recoverOne(k)
	}
}

// recoverOne drives individual recovery for a single stale key (spec
// §4.3): unsubscribe, settle, resubscribe.
func (m *Monitor) recoverOne(k subkey.Key) {
	m.mu.Lock()
	attempts := m.recoveryAttempts[k]
	if attempts >= m.cfg.MaxRecoveryAttempts {
		m.mu.Unlock()
		m.logger.Warn("max recovery attempts reached", zap.String("key", k.String()))
		return
	}
	m.recoveryAttempts[k] = attempts + 1
	m.mu.Unlock()

	m.metrics.IncRecoveryAttempts()

	m.mux.Unsubscribe(k.Symbol, k.Timeframe)

	time.Sleep(m.cfg.RecoverySettleDelay)

	ok := m.mux.Subscribe(k, "health_recovery")
	if ok {
		m.mu.Lock()
		m.lastBarTs[k] = m.nowFn()
		m.mu.Unlock()
		m.metrics.IncSuccessfulRecoveries()
		m.logger.Info("recovery succeeded", zap.String("key", k.String()))
	} else {
		m.metrics.IncFailedRecoveries()
		m.logger.Warn("recovery failed", zap.String("key", k.String()))
	}
}

// TriggerRecovery exposes the individual-recovery sequence for the Health
// HTTP API's POST /recovery/subscription (spec §6).
func (m *Monitor) TriggerRecovery(k subkey.Key) {
	m.recoverOne(k)
}

// Snapshot reports the current staleness state, used by GET /status.
type Snapshot struct {
	Active                int
	Stale                 int
	AutoRecoveryEnabled   bool
	CheckIntervalSeconds  float64
	FullReconnectCooldown time.Duration
}

func (m *Monitor) Snapshot() Snapshot {
	keys := m.mux.List()
	now := m.nowFn()

	stale := 0
	m.mu.Lock()
	for _, k := range keys {
		last, ok := m.lastBarTs[k]
		if !ok {
			continue
		}
		threshold := float64(subkey.TimeframeMillis(k.Timeframe)) * m.cfg.StaleThresholdMultiplier
		if float64(now-last) > threshold {
			stale++
		}
	}
	m.mu.Unlock()

	return Snapshot{
		Active:                len(keys),
		Stale:                 stale,
		AutoRecoveryEnabled:   m.cfg.AutoRecoveryEnabled,
		CheckIntervalSeconds:  m.cfg.CheckInterval.Seconds(),
		FullReconnectCooldown: m.cfg.FullReconnectCooldown,
	}
}
