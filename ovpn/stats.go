package ovpn

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats is a prometheus.Collector exposing per-ErrorKind error counts
// and a handful of negotiation gauges for a ProtoEngine. It turns an
// in-memory map into prometheus series on demand via Describe/Collect,
// rather than registering a metric per engine up front.
type Stats struct {
	mu sync.Mutex

	errorCounts map[ErrorKind]uint64

	negotiations     uint64
	renegotiations   uint64
	slowestHandshake float64 // seconds

	errorDesc            *prometheus.Desc
	negotiationsDesc     *prometheus.Desc
	renegotiationsDesc   *prometheus.Desc
	slowestHandshakeDesc *prometheus.Desc
}

// NewStats constructs an empty Stats collector.
func NewStats() *Stats {
	return &Stats{
		errorCounts: make(map[ErrorKind]uint64),
		errorDesc: prometheus.NewDesc(
			"ovpn_proto_errors_total",
			"Count of protocol errors observed, by kind.",
			[]string{"kind"}, nil,
		),
		negotiationsDesc: prometheus.NewDesc(
			"ovpn_proto_negotiations_total",
			"Count of completed KeyContext negotiations.",
			nil, nil,
		),
		renegotiationsDesc: prometheus.NewDesc(
			"ovpn_proto_renegotiations_total",
			"Count of renegotiations started.",
			nil, nil,
		),
		slowestHandshakeDesc: prometheus.NewDesc(
			"ovpn_proto_slowest_handshake_seconds",
			"Longest observed time from KeyContext construction to ACTIVE.",
			nil, nil,
		),
	}
}

// RecordError increments the counter for kind.
func (s *Stats) RecordError(kind ErrorKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCounts[kind]++
}

// RecordNegotiation records a completed negotiation that took
// elapsedSeconds from construction to ACTIVE.
func (s *Stats) RecordNegotiation(elapsedSeconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.negotiations++
	if elapsedSeconds > s.slowestHandshake {
		s.slowestHandshake = elapsedSeconds
	}
}

// RecordRenegotiation records the start of a renegotiation.
func (s *Stats) RecordRenegotiation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renegotiations++
}

// Describe implements prometheus.Collector.
func (s *Stats) Describe(descs chan<- *prometheus.Desc) {
	descs <- s.errorDesc
	descs <- s.negotiationsDesc
	descs <- s.renegotiationsDesc
	descs <- s.slowestHandshakeDesc
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(metrics chan<- prometheus.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for kind, count := range s.errorCounts {
		metrics <- prometheus.MustNewConstMetric(s.errorDesc, prometheus.CounterValue, float64(count), kind.String())
	}
	metrics <- prometheus.MustNewConstMetric(s.negotiationsDesc, prometheus.CounterValue, float64(s.negotiations))
	metrics <- prometheus.MustNewConstMetric(s.renegotiationsDesc, prometheus.CounterValue, float64(s.renegotiations))
	metrics <- prometheus.MustNewConstMetric(s.slowestHandshakeDesc, prometheus.GaugeValue, s.slowestHandshake)
}
