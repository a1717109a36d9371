package metrics

import (
	"math"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCounterAndGauge(t *testing.T) {
	c := NewCollector()

	ctr := c.Counter("chatty_exchanges_total", "Total exchanges")
	ctr.Inc()
	ctr.Add(2)
	if ctr.Value() != 3 {
		t.Fatalf("counter: got %d", ctr.Value())
	}

	g := c.Gauge("chatty_active_streams", "Active streams")
	g.Inc()
	g.Inc()
	g.Dec()
	if g.Value() != 1 {
		t.Fatalf("gauge: got %d", g.Value())
	}

	// Same name returns the same instance.
	if c.Counter("chatty_exchanges_total", "") != ctr {
		t.Fatal("expected identical counter instance")
	}
}

func TestHistogramBuckets(t *testing.T) {
	c := NewCollector()
	h := c.Histogram("chatty_stream_duration_seconds", "Stream duration", []float64{1, 5, math.Inf(1)})

	h.Observe(0.5)
	h.Observe(3)
	h.Observe(10)

	if h.count != 3 {
		t.Fatalf("count: got %d", h.count)
	}
	if h.buckets[0].count != 1 || h.buckets[1].count != 2 || h.buckets[2].count != 3 {
		t.Fatalf("bucket counts: %+v", h.buckets)
	}
}

func TestHandlerRendersExposition(t *testing.T) {
	c := NewCollector()
	c.Counter("chatty_chunks_total", "Total chunks relayed").Add(42)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "chatty_chunks_total 42") {
		t.Fatalf("missing counter line in:\n%s", body)
	}
	if !strings.Contains(body, "# TYPE chatty_chunks_total counter") {
		t.Fatalf("missing TYPE line in:\n%s", body)
	}
	if !strings.Contains(body, "chatty_uptime_seconds") {
		t.Fatalf("missing uptime in:\n%s", body)
	}
}
