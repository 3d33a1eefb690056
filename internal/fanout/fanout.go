// Package fanout implements Bar Fan-out & Push Sink (spec §4.4): every bar
// emitted by the Multiplexer is broadcast to connected client sessions and,
// if configured, pushed to an HTTP backend and/or published to NATS.
package fanout

import (
	"go.uber.org/zap"

	"github.com/rickgao/bar-broker/internal/multiplexer"
	"github.com/rickgao/bar-broker/internal/session"
)

// Fanout wires the Multiplexer's bar event stream to every configured sink.
type Fanout struct {
	registry     *session.Registry
	pushSink     *PushSink // nil if HTTP push disabled
	natsSink     *NATSSink // nil if NATS disabled
	logger       *zap.Logger
	pricesLogger *zap.Logger // nop unless DEBUG_PRICES is enabled

	listenerToken int
}

// Config toggles which sinks are active; nil fields disable a sink.
// PricesLogger is the optional per-bar debug mirror (DEBUG_PRICES,
// PRICES_LOG_FILE, §6); a nil value disables the mirror.
type Config struct {
	Push         *PushConfig
	NATS         *NATSConfig
	PricesLogger *zap.Logger
}

// New builds a Fanout. registry is a non-owning reference (spec §9).
func New(registry *session.Registry, cfg Config, metrics Metrics, logger *zap.Logger) (*Fanout, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pricesLogger := cfg.PricesLogger
	if pricesLogger == nil {
		pricesLogger = zap.NewNop()
	}
	f := &Fanout{registry: registry, logger: logger, pricesLogger: pricesLogger}

	if cfg.Push != nil {
		f.pushSink = NewPushSink(*cfg.Push, metrics, logger)
	}
	if cfg.NATS != nil {
		sink, err := NewNATSSink(*cfg.NATS, logger)
		if err != nil {
			return nil, err
		}
		f.natsSink = sink
	}
	return f, nil
}

// Attach subscribes to mux's bar events and begins fanning them out.
func (f *Fanout) Attach(mux *multiplexer.Multiplexer) {
	f.listenerToken = mux.On(f.handleEvent)
}

// Detach stops fanning out further events.
func (f *Fanout) Detach(mux *multiplexer.Multiplexer) {
	mux.Off(f.listenerToken)
}

func (f *Fanout) handleEvent(ev multiplexer.Event) {
	if ev.Kind != multiplexer.EventBar {
		return
	}

	view := session.BarView{
		Symbol: ev.Bar.Symbol, Timeframe: ev.Bar.Timeframe, Time: ev.Bar.Time,
		Open: ev.Bar.Open, High: ev.Bar.High, Low: ev.Bar.Low, Close: ev.Bar.Close, Volume: ev.Bar.Volume,
	}

	f.registry.Broadcast(ev.Key, view)

	f.pricesLogger.Debug("bar",
		zap.String("symbol", view.Symbol), zap.String("timeframe", view.Timeframe),
		zap.Int64("time", view.Time), zap.Float64("open", view.Open), zap.Float64("high", view.High),
		zap.Float64("low", view.Low), zap.Float64("close", view.Close), zap.Float64("volume", view.Volume),
	)

	// HTTP push and NATS publish run on their own goroutines: a slow or
	// failing sink must never delay the broadcast to WebSocket clients
	// (spec §4.4 "never block or fail the fan-out to WebSocket clients").
	if f.pushSink != nil {
		go f.pushSink.Push(view)
	}
	if f.natsSink != nil {
		go f.natsSink.Publish(view)
	}
}

// Close releases sink resources (e.g. the NATS connection).
func (f *Fanout) Close() {
	if f.natsSink != nil {
		f.natsSink.Close()
	}
}
