package bullroom

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the sync engine. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	mutations *prometheus.CounterVec
	events    *prometheus.CounterVec
	pages     *prometheus.CounterVec
	cached    *prometheus.GaugeVec
	gateway   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.DefaultRegisterer to expose them via promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bullroom",
			Name:      "mutations_total",
			Help:      "Optimistic mutations by operation and result code.",
		}, []string{"op", "result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bullroom",
			Name:      "events_total",
			Help:      "Push events seen by the reconciler, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bullroom",
			Name:      "pages_loaded_total",
			Help:      "Backward pagination attempts by result.",
		}, []string{"result"}),
		cached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "bullroom",
			Name:      "cached_messages",
			Help:      "Messages currently held in the room cache.",
		}, []string{"room"}),
		gateway: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bullroom",
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by route and status class.",
		}, []string{"route", "status"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.mutations, m.events, m.pages, m.cached, m.gateway} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) mutation(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.mutations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) event(kind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) page(result string) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(result).Inc()
}

func (m *Metrics) setCached(roomID string, n int) {
	if m == nil {
		return
	}
	m.cached.WithLabelValues(roomID).Set(float64(n))
}

func (m *Metrics) forgetRoom(roomID string) {
	if m == nil {
		return
	}
	m.cached.DeleteLabelValues(roomID)
}

func (m *Metrics) request(route string, status int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	}
	m.gateway.WithLabelValues(route, class).Inc()
}
