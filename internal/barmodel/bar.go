// Package barmodel holds the Bar value type shared by every component that
// moves OHLCV data through the broker.
package barmodel

import "github.com/rickgao/bar-broker/internal/subkey"

// Bar is one OHLCV sample for a (symbol, timeframe) pair.
type Bar struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Time      int64   `json:"time"` // unix seconds
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Key returns the subscription key this bar belongs to.
func (b Bar) Key() subkey.Key {
	return subkey.Key{Symbol: b.Symbol, Timeframe: b.Timeframe}
}

// Period mirrors the Upstream Driver's chart.periods[0] shape (§6): some
// provider builds use high/low, others use max/min as synonyms; volume is
// optional and defaults to 0.
type Period struct {
	Time   int64
	Open   float64
	Close  float64
	Volume float64

	High    float64
	Low     float64
	HasHigh bool
	HasLow  bool

	Max    float64
	Min    float64
	HasMax bool
	HasMin bool
}

// ToBar converts a driver period into the canonical Bar for key, resolving
// the high/low vs. max/min synonym per §6.
func (p Period) ToBar(key subkey.Key) Bar {
	high := p.High
	if !p.HasHigh && p.HasMax {
		high = p.Max
	}
	low := p.Low
	if !p.HasLow && p.HasMin {
		low = p.Min
	}
	return Bar{
		Symbol:    key.Symbol,
		Timeframe: key.Timeframe,
		Time:      p.Time,
		Open:      p.Open,
		High:      high,
		Low:       low,
		Close:     p.Close,
		Volume:    p.Volume,
	}
}
