// Package driver defines the Upstream Driver contract (spec §6): the
// opaque external collaborator that owns the session to the streaming OHLCV
// provider and the per-instrument chart handles that deliver bar updates.
//
// The multiplexer consumes this interface only; it never assumes a specific
// wire protocol. The gws subpackage (internal/driver/gws) is the default
// implementation, a thin wrapper over a single gorilla/websocket session
// shaped like the protocol the teacher's own upstream client speaks.
package driver

import (
	"context"

	"github.com/rickgao/bar-broker/internal/barmodel"
)

// Session is a connected upstream driver session.
type Session interface {
	// Chart opens a new per-instrument chart handle.
	Chart() (Chart, error)

	// Connected reports whether the underlying session is currently usable.
	Connected() bool

	// OnDisconnect registers the callback invoked once when the session
	// drops unexpectedly (not via an explicit Close). Used by the
	// multiplexer to drive its reconnect-with-backoff policy.
	OnDisconnect(cb func(error))

	// Close tears down the session. Safe to call multiple times.
	Close() error
}

// Chart is an opaque handle bound to one (symbol, timeframe) pair.
type Chart interface {
	// SetMarket configures the chart for a symbol and timeframe. Must be
	// called before updates arrive.
	SetMarket(symbol, timeframe string) error

	// OnUpdate registers the callback invoked whenever a new period lands in
	// Periods(). Replaces any previously registered callback.
	OnUpdate(cb func())

	// OnError registers the callback invoked on chart-level errors.
	OnError(cb func(args ...any))

	// OnSymbolLoaded registers the callback invoked once the symbol has
	// finished its initial load.
	OnSymbolLoaded(cb func())

	// Periods returns the chart's period buffer; index 0 holds the latest
	// period, matching the driver contract in spec §6.
	Periods() []barmodel.Period

	// Delete releases the chart. Safe to call multiple times.
	Delete() error
}

// Client constructs Sessions. A Driver implementation exposes one Client.
type Client interface {
	// Connect opens a new Session. Blocking; respects ctx cancellation.
	Connect(ctx context.Context) (Session, error)
}

// Config carries the subset of client construction options the spec names
// in §6: an optional proxy and a connect timeout.
type Config struct {
	ProxyURL  string
	TimeoutMS int
}
