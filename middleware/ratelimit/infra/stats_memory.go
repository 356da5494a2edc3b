package infra

import (
	"context"
	"sync"

	"admission-gateway/middleware/ratelimit/domain"
)

// BlacklistBucket é a chave usada em ByRule para rejeições da blacklist.
const BlacklistBucket = "@blacklist"

// MemoryStatsStore é uma implementação simples em memória.
// Alimenta o campo decisions do StatsSnapshot da API de administração.
//
// Não faz expiração; a cardinalidade é limitada pelo número de regras e rotas.
type MemoryStatsStore struct {
	mu      sync.Mutex
	total   domain.DecisionCounters
	byRule  map[string]domain.DecisionCounters
	byRoute map[string]domain.DecisionCounters
	byIP    map[string]domain.DecisionCounters

	trackIPs bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackIPs(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackIPs = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byRule:  make(map[string]domain.DecisionCounters),
		byRoute: make(map[string]domain.DecisionCounters),
		byIP:    make(map[string]domain.DecisionCounters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func bump(m map[string]domain.DecisionCounters, key string, allowed bool) {
	c := m[key]
	if allowed {
		c.Allowed++
	} else {
		c.Denied++
	}
	m[key] = c
}

func ruleBucket(ev domain.StatsEvent) string {
	if ev.Reason == domain.ReasonBlacklisted {
		return BlacklistBucket
	}
	return ev.RuleCode
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Allowed {
		s.total.Allowed++
	} else {
		s.total.Denied++
	}
	if rule := ruleBucket(ev); rule != "" {
		bump(s.byRule, rule, ev.Allowed)
	}
	if ev.Method != "" || ev.Path != "" {
		bump(s.byRoute, ev.Method+" "+ev.Path, ev.Allowed)
	}
	if s.trackIPs && ev.IP != "" {
		bump(s.byIP, ev.IP, ev.Allowed)
	}
	return nil
}

func (s *MemoryStatsStore) Total() domain.DecisionCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByRule() map[string]domain.DecisionCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byRule)
}

func (s *MemoryStatsStore) ByRoute() map[string]domain.DecisionCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byRoute)
}

func (s *MemoryStatsStore) ByIP() map[string]domain.DecisionCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyCounters(s.byIP)
}

func copyCounters(in map[string]domain.DecisionCounters) map[string]domain.DecisionCounters {
	out := make(map[string]domain.DecisionCounters, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// MultiStatsStore repassa o evento para vários stores; devolve o primeiro erro
// mas sempre tenta todos.
type MultiStatsStore []domain.StatsStore

func (m MultiStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	var first error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
