package session

import "github.com/rickgao/bar-broker/internal/subkey"

// request is the JSON schema accepted on every client frame (spec §4.2).
type request struct {
	Action    string `json:"action"`
	Symbol    string `json:"symbol,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	Pairs     []pair `json:"pairs,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type pair struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// response is the JSON schema sent back for every request, plus the
// unsolicited "info" and "bar" frames.
type response struct {
	Type      string        `json:"type"`
	Success   bool          `json:"success"`
	Message   string        `json:"message,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	Symbol    string        `json:"symbol,omitempty"`
	Timeframe string        `json:"timeframe,omitempty"`
	Results   []pairResult  `json:"results,omitempty"`
	Subscriptions []pairView `json:"subscriptions,omitempty"`
	Bar       *BarView      `json:"bar,omitempty"`
}

type pairResult struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

type pairView struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// BarView is the wire shape of a bar frame, exported so the fan-out
// package can build one without reaching into unexported registry state.
type BarView struct {
	Symbol    string  `json:"symbol"`
	Timeframe string  `json:"timeframe"`
	Time      int64   `json:"time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

const infoMessage = "Connected to TradingView WebSocket Server"

func keysToPairViews(keys []subkey.Key) []pairView {
	out := make([]pairView, 0, len(keys))
	for _, k := range keys {
		out = append(out, pairView{Symbol: k.Symbol, Timeframe: k.Timeframe})
	}
	return out
}
