package metrics

import (
	"fmt"
	"time"

	"github.com/google/trillian/monitoring"
)

// Metrics is notified about each HTTP request and response.
type Metrics interface {
	OnRequest(endpoint string)
	OnResponse(endpoint string, statusCode int, latency time.Duration)
}

type serverMetrics struct {
	nodeID  string
	reqcnt  monitoring.Counter   // number of incoming http requests
	rspcnt  monitoring.Counter   // number of http responses
	latency monitoring.Histogram // request-response latency
}

// NewServerMetrics registers the HTTP metrics with mf. It must be called
// at most once per factory, since metric names are global to a
// prometheus registry.
func NewServerMetrics(mf monitoring.MetricFactory, nodeID string) Metrics {
	if mf == nil {
		mf = monitoring.InertMetricFactory{}
	}
	// Interval 1ms to 10s, with thresholds roughly a factor
	// 10^{1/4} \appr 1.8 apart.
	buckets := []float64{1e-3, 2e-3, 3e-3, 6e-3, 10e-3, 20e-3, 30e-3, 60e-3, 0.1, 0.2, 0.3, 0.6, 1, 2, 3, 6, 10}
	return &serverMetrics{
		nodeID: nodeID,
		reqcnt: mf.NewCounter("http_req", "number of http requests", "node", "endpoint"),
		rspcnt: mf.NewCounter("http_rsp", "number of http responses", "node", "endpoint", "status"),
		latency: mf.NewHistogramWithBuckets("http_latency", "http request-response latency",
			buckets, "node", "endpoint", "status"),
	}
}

func (m *serverMetrics) OnRequest(endpoint string) {
	m.reqcnt.Inc(m.nodeID, endpoint)
}

func (m *serverMetrics) OnResponse(endpoint string, statusCode int, t time.Duration) {
	sc := fmt.Sprintf("%d", statusCode)
	m.rspcnt.Inc(m.nodeID, endpoint, sc)
	m.latency.Observe(t.Seconds(), m.nodeID, endpoint, sc)
}
