package probeserver

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats counts connections and payload bytes for /stats and the
// prometheus registry.
type Stats struct {
	start time.Time

	active        atomic.Int64
	total         atomic.Int64
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64

	requests *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	inflight prometheus.Gauge
}

func newStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		start: time.Now(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "probeserver_requests_total",
				Help: "Probe endpoint requests by test type",
			},
			[]string{"type"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "probeserver_bytes_total",
				Help: "Payload bytes sent and received by the probe endpoint",
			},
			[]string{"direction"},
		),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "probeserver_active_connections",
			Help: "Requests currently being served",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.requests, s.bytes, s.inflight)
	}
	return s
}

func (s *Stats) begin(testType string) {
	s.active.Add(1)
	s.total.Add(1)
	s.inflight.Inc()
	s.requests.WithLabelValues(testType).Inc()
}

func (s *Stats) end() {
	if s.active.Add(-1) < 0 {
		s.active.Store(0)
	}
	s.inflight.Dec()
}

func (s *Stats) sent(n int64) {
	s.bytesSent.Add(n)
	s.bytes.WithLabelValues("sent").Add(float64(n))
}

func (s *Stats) received(n int64) {
	s.bytesReceived.Add(n)
	s.bytes.WithLabelValues("received").Add(float64(n))
}

// Snapshot is the /stats response.
type Snapshot struct {
	ActiveConnections int64   `json:"active_connections"`
	TotalConnections  int64   `json:"total_connections"`
	TotalBytesSent    int64   `json:"total_bytes_sent"`
	TotalBytesRecv    int64   `json:"total_bytes_received"`
	StartTime         float64 `json:"start_time"`
	Uptime            float64 `json:"uptime"`
	AvgBytesPerSecond float64 `json:"avg_bytes_per_second"`
}

func (s *Stats) Snapshot() Snapshot {
	uptime := time.Since(s.start).Seconds()
	snap := Snapshot{
		ActiveConnections: s.active.Load(),
		TotalConnections:  s.total.Load(),
		TotalBytesSent:    s.bytesSent.Load(),
		TotalBytesRecv:    s.bytesReceived.Load(),
		StartTime:         unixSeconds(s.start),
		Uptime:            uptime,
	}
	if uptime > 0 {
		snap.AvgBytesPerSecond = float64(snap.TotalBytesSent) / uptime
	}
	return snap
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
