package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetricsRegisteredAndScrapeable(t *testing.T) {
	r := New()
	r.SetActiveSubscriptions(5)
	r.SetStaleSubscriptions(2)
	r.IncWSConnects()
	r.IncWSClientDrops()
	r.IncBarsPushed()
	r.ObserveHTTPPushLatency(0.25)
	r.SetLastDataReceivedSeconds("BINANCE:BTCUSDT", "1", 3.5)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"active_subscriptions 5",
		"stale_subscriptions 2",
		"ws_connects_total 1",
		"ws_client_drops_total 1",
		"bars_pushed_total 1",
		`last_data_received_seconds{symbol="BINANCE:BTCUSDT",timeframe="1"} 3.5`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
