package subkey

import "testing"

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"5m":  "5",
		"1m":  "1",
		"1h":  "60",
		"4h":  "240",
		"1d":  "D",
		"d":   "D",
		"D":   "D",
		"1w":  "W",
		"w":   "W",
		"1M":  "M",
		"M":   "M",
		"60":  "60",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"1m", "5m", "1h", "4h", "1d", "d", "1w", "w", "1M", "M", "60", "D"}
	for _, in := range inputs {
		once := Normalize(in)
		twice := Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestTimeframeMillis(t *testing.T) {
	cases := map[string]int64{
		"D":  86_400_000,
		"W":  604_800_000,
		"M":  2_592_000_000,
		"1":  60_000,
		"5":  300_000,
		"60": 3_600_000,
	}
	for tf, want := range cases {
		if got := TimeframeMillis(tf); got != want {
			t.Errorf("TimeframeMillis(%q) = %d, want %d", tf, got, want)
		}
	}
}
