// Package metrics exposes Prometheus counters and histograms for the
// storage engine's core operations.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	appendTotal     *prometheus.CounterVec
	appendBytes     *prometheus.HistogramVec
	fetchTotal      *prometheus.CounterVec
	fetchMessages   *prometheus.HistogramVec
	commitTotal     *prometheus.CounterVec
	rotationsTotal  *prometheus.CounterVec
	channelsCreated prometheus.Counter
}

// New registers and returns the broker's metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanbroker_append_total",
			Help: "Number of successful Append calls, by channel.",
		}, []string{"channel"}),
		appendBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chanbroker_append_bytes",
			Help:    "Size in bytes of appended messages, by channel.",
			Buckets: prometheus.ExponentialBuckets(16, 4, 8),
		}, []string{"channel"}),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanbroker_fetch_total",
			Help: "Number of Fetch calls, by channel.",
		}, []string{"channel"}),
		fetchMessages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chanbroker_fetch_messages",
			Help:    "Messages returned per Fetch call, by channel.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"channel"}),
		commitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanbroker_commit_total",
			Help: "Number of Commit calls that performed work, by channel.",
		}, []string{"channel"}),
		rotationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chanbroker_segment_rotations_total",
			Help: "Number of segment rotations, by channel.",
		}, []string{"channel"}),
		channelsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chanbroker_channels_created_total",
			Help: "Number of channels created since process start.",
		}),
	}

	reg.MustRegister(
		m.appendTotal,
		m.appendBytes,
		m.fetchTotal,
		m.fetchMessages,
		m.commitTotal,
		m.rotationsTotal,
		m.channelsCreated,
	)

	return m
}

func (m *Metrics) ObserveAppend(channel string, messageBytes int) {
	m.appendTotal.WithLabelValues(channel).Inc()
	m.appendBytes.WithLabelValues(channel).Observe(float64(messageBytes))
}

func (m *Metrics) ObserveFetch(channel string, messages int) {
	m.fetchTotal.WithLabelValues(channel).Inc()
	m.fetchMessages.WithLabelValues(channel).Observe(float64(messages))
}

func (m *Metrics) ObserveCommit(channel string) {
	m.commitTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveRotation(channel string) {
	m.rotationsTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) ObserveChannelCreated() {
	m.channelsCreated.Inc()
}
