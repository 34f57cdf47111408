package icecast

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "iceingest"

// metrics is nil when no registerer was configured; every method is a no-op
// on a nil receiver.
type metrics struct {
	connections     prometheus.Counter
	rejections      *prometheus.CounterVec
	mountsTotal     prometheus.Counter
	mountsActive    prometheus.Gauge
	ingestedBytes   *prometheus.CounterVec
	metadataUpdates *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}

	return &metrics{
		connections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total number of accepted source connections.",
		}),
		rejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "handshake_rejections_total",
			Help:      "Total number of rejected handshakes by response status.",
		}, []string{"code"}),
		mountsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mounts_total",
			Help:      "Total number of mounts created.",
		}),
		mountsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mounts_active",
			Help:      "Number of mounts currently registered.",
		}),
		ingestedBytes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ingested_bytes_total",
			Help:      "Total number of audio bytes read from sources.",
		}, []string{"mount"}),
		metadataUpdates: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "metadata_updates_total",
			Help:      "Total number of metadata snapshots extracted.",
		}, []string{"mount"}),
	}
}

func (m *metrics) connectionAccepted() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *metrics) handshakeRejected(code int) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *metrics) mountCreated() {
	if m == nil {
		return
	}
	m.mountsTotal.Inc()
}

func (m *metrics) setActiveMounts(n int) {
	if m == nil {
		return
	}
	m.mountsActive.Set(float64(n))
}

func (m *metrics) bytesIngested(mount string, n int) {
	if m == nil {
		return
	}
	m.ingestedBytes.WithLabelValues(mount).Add(float64(n))
}

func (m *metrics) metadataUpdated(mount string) {
	if m == nil {
		return
	}
	m.metadataUpdates.WithLabelValues(mount).Inc()
}

// forgetMount drops the series labelled with mount once it is no longer live.
func (m *metrics) forgetMount(mount string) {
	if m == nil {
		return
	}
	m.ingestedBytes.DeleteLabelValues(mount)
	m.metadataUpdates.DeleteLabelValues(mount)
}
