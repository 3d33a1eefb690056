// Package subkey implements the canonical identity of a logical bar stream:
// a normalized (symbol, timeframe) pair.
package subkey

import (
	"strconv"
	"strings"
)

// Key is the canonical identity of a logical stream. It is a value type:
// two Keys with equal fields are the same subscription regardless of how
// the timeframe was spelled by the caller.
type Key struct {
	Symbol    string
	Timeframe string
}

// New builds a Key, normalizing the timeframe at the entry boundary.
// Internal code must assume Timeframe is already normalized; call New (or
// Normalize directly) at every external boundary — client requests, pinned
// config, driver callbacks.
func New(symbol, timeframe string) Key {
	return Key{Symbol: symbol, Timeframe: Normalize(timeframe)}
}

// String renders the key as "symbol/timeframe", used in log lines and as
// the multiplexer's per-key singleflight key.
func (k Key) String() string {
	return k.Symbol + "/" + k.Timeframe
}

// Normalize canonicalizes a timeframe string per the bit-exact rules in
// spec §3. Idempotent for every spelling these rules recognize (the P4 set
// among them); malformed input with stacked suffixes such as "1mm" or "1hm"
// loses one suffix per call, so it is not.
func Normalize(tf string) string {
	switch tf {
	case "d", "1d", "D":
		return "D"
	case "w", "1w", "W":
		return "W"
	case "M", "1M":
		return "M"
	}

	if rest, ok := strings.CutSuffix(tf, "h"); ok {
		if n, err := strconv.Atoi(rest); err == nil {
			return strconv.Itoa(n * 60)
		}
		return rest // malformed hour count: pass through rather than guess.
	}

	// Already-normalized minute counts, and the "Nm" spelling, both end up
	// here: strip a trailing "m" if present, otherwise pass the digits
	// through untouched.
	return strings.TrimSuffix(tf, "m")
}

// TimeframeMillis returns the duration a bar of this timeframe spans, in
// milliseconds, per spec §4.3's derivation table. The input must already be
// normalized.
func TimeframeMillis(normalized string) int64 {
	switch normalized {
	case "D":
		return 86_400_000
	case "W":
		return 604_800_000
	case "M":
		return 2_592_000_000
	}
	n, err := strconv.Atoi(normalized)
	if err != nil {
		return 60_000 // unrecognized timeframe: treat as 1 minute rather than 0, which would make every scan stale.
	}
	return int64(n) * 60_000
}
