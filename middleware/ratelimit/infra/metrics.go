package infra

import (
	"context"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusStatsStore expõe as decisões como métricas Prometheus.
// Labels: rule (código ou @blacklist, vazio quando nenhuma regra rejeitou) e outcome.
type PrometheusStatsStore struct {
	decisions *prometheus.CounterVec
}

func NewPrometheusStatsStore(reg prometheus.Registerer) (*PrometheusStatsStore, error) {
	s := &PrometheusStatsStore{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by rejecting rule and outcome.",
		}, []string{"rule", "outcome"}),
	}
	if err := reg.Register(s.decisions); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PrometheusStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	outcome := string(domain.OutcomeReject)
	if ev.Allowed {
		outcome = string(domain.OutcomeAllow)
	}
	s.decisions.WithLabelValues(ruleBucket(ev), outcome).Inc()
	return nil
}

// GaugeSource é o que o coletor de gauges precisa ler do engine.
type GaugeSource interface {
	RuleCount() int
	CounterKeys() int
	BlacklistSize() int
}

// RegisterGauges registra gauges calculados na hora da coleta.
func RegisterGauges(reg prometheus.Registerer, src GaugeSource) error {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "admission", Name: "rules_loaded", Help: "Rules in the active snapshot.",
		}, func() float64 { return float64(src.RuleCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "admission", Name: "counter_keys", Help: "Live counter keys across all rules.",
		}, func() float64 { return float64(src.CounterKeys()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "admission", Name: "blacklist_entries", Help: "Active blacklist entries in memory.",
		}, func() float64 { return float64(src.BlacklistSize()) }),
	}
	for _, g := range gauges {
		if err := reg.Register(g); err != nil {
			return err
		}
	}
	return nil
}
