package dht

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/btdht/transport"
)

const (
	rpcResultOK        = "ok"
	rpcResultTimeout   = "timeout"
	rpcResultCancelled = "cancelled"
	rpcResultRemote    = "remote_error"
	rpcResultError     = "error"
)

// metrics holds the Prometheus collectors of one coordinator.
type metrics struct {
	queriesStarted  *prometheus.CounterVec
	queriesFinished *prometheus.CounterVec
	rpcs            *prometheus.CounterVec
	inbound         *prometheus.CounterVec
	inboundDropped  prometheus.Counter
	tableNodes      prometheus.GaugeFunc
	activeLookups   prometheus.GaugeFunc
}

func newMetrics(tableSize, activeLookups func() float64) *metrics {
	return &metrics{
		queriesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btdht",
			Name:      "queries_started_total",
			Help:      "Iterative queries started, by kind.",
		}, []string{"kind"}),
		queriesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btdht",
			Name:      "queries_finished_total",
			Help:      "Iterative queries finished, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		rpcs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btdht",
			Name:      "rpcs_total",
			Help:      "Outbound RPCs, by method and result.",
		}, []string{"method", "result"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "btdht",
			Name:      "inbound_queries_total",
			Help:      "Inbound queries served, by method.",
		}, []string{"method"}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "btdht",
			Name:      "inbound_dropped_total",
			Help:      "Inbound queries dropped by the rate limiter.",
		}),
		tableNodes: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "btdht",
			Name:      "routing_table_nodes",
			Help:      "Active nodes in the routing table.",
		}, tableSize),
		activeLookups: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "btdht",
			Name:      "peer_lookups_active",
			Help:      "Info-hashes with a peer lookup in progress.",
		}, activeLookups),
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.queriesStarted,
		m.queriesFinished,
		m.rpcs,
		m.inbound,
		m.inboundDropped,
		m.tableNodes,
		m.activeLookups,
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *metrics) queryStarted(kind queryKind) {
	m.queriesStarted.WithLabelValues(kind.String()).Inc()
}

func (m *metrics) queryFinished(kind queryKind, o outcome) {
	m.queriesFinished.WithLabelValues(kind.String(), o.String()).Inc()
}

func (m *metrics) rpcDone(method, result string) {
	m.rpcs.WithLabelValues(method, result).Inc()
}

func (m *metrics) inboundQuery(method string) {
	m.inbound.WithLabelValues(method).Inc()
}

func rpcResult(err error) string {
	switch {
	case err == nil:
		return rpcResultOK
	case errors.Is(err, transport.ErrTimeout):
		return rpcResultTimeout
	case errors.Is(err, transport.ErrCancelled), errors.Is(err, transport.ErrClosed):
		return rpcResultCancelled
	case isRemoteError(err):
		return rpcResultRemote
	default:
		return rpcResultError
	}
}
