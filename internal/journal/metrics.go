package journal

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the journal's Prometheus instrumentation. A nil *Metrics
// is valid and makes every method a no-op, so callers that don't care
// about metrics (tests, the paper-trading CLI) can pass nil.
type Metrics struct {
	framesWritten prometheus.Counter
	rotations     prometheus.Counter
	checksumErrs  prometheus.Counter
	bytesWritten  prometheus.Counter
}

// NewMetrics registers journal counters on reg under the tradingbus_journal
// namespace. Pass a fresh *prometheus.Registry per engine instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradingbus",
			Subsystem: "journal",
			Name:      "frames_written_total",
			Help:      "Frames appended to the journal.",
		}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradingbus",
			Subsystem: "journal",
			Name:      "page_rotations_total",
			Help:      "Journal page rollovers.",
		}),
		checksumErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradingbus",
			Subsystem: "journal",
			Name:      "checksum_errors_total",
			Help:      "Frames that failed CRC32 validation on read.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tradingbus",
			Subsystem: "journal",
			Name:      "bytes_written_total",
			Help:      "Bytes appended to the journal, header and payload included.",
		}),
	}
	reg.MustRegister(m.framesWritten, m.rotations, m.checksumErrs, m.bytesWritten)
	return m
}

func (m *Metrics) observeAppend(n int) {
	if m == nil {
		return
	}
	m.framesWritten.Inc()
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) observeRotation() {
	if m == nil {
		return
	}
	m.rotations.Inc()
}

func (m *Metrics) observeChecksumError() {
	if m == nil {
		return
	}
	m.checksumErrs.Inc()
}
