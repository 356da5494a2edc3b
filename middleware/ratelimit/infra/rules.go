package infra

import (
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// RuleSnapshot é uma visão imutável e completa das regras carregadas.
// Uma avaliação usa um único snapshot do começo ao fim.
type RuleSnapshot struct {
	byCode   map[string]domain.Rule
	enabled  []domain.Rule // ordenadas por Code (ascendente)
	loadedAt time.Time
}

func newRuleSnapshot(rules []domain.Rule, at time.Time) *RuleSnapshot {
	s := &RuleSnapshot{
		byCode:   make(map[string]domain.Rule, len(rules)),
		enabled:  make([]domain.Rule, 0, len(rules)),
		loadedAt: at,
	}
	for _, r := range rules {
		s.byCode[r.Code] = r
		if r.Enabled() {
			s.enabled = append(s.enabled, r)
		}
	}
	slices.SortFunc(s.enabled, func(a, b domain.Rule) int { return strings.Compare(a.Code, b.Code) })
	return s
}

func (s *RuleSnapshot) Get(code string) (domain.Rule, bool) {
	r, ok := s.byCode[code]
	return r, ok
}

// Enabled percorre as regras habilitadas em ordem ascendente de código.
// A sequência pode ser reiniciada e sempre reflete este snapshot.
func (s *RuleSnapshot) Enabled() iter.Seq[domain.Rule] {
	return func(yield func(domain.Rule) bool) {
		for _, r := range s.enabled {
			if !yield(r) {
				return
			}
		}
	}
}

func (s *RuleSnapshot) Len() int            { return len(s.byCode) }
func (s *RuleSnapshot) EnabledLen() int     { return len(s.enabled) }
func (s *RuleSnapshot) LoadedAt() time.Time { return s.loadedAt }

// CounterInvalidator descarta contadores de regras removidas ou redefinidas.
type CounterInvalidator interface {
	Invalidate(codes ...string)
}

// RuleStore é o cache em memória das regras, recarregado sob demanda.
//
// Reload monta um snapshot novo e publica com troca atômica de ponteiro; leitores
// nunca veem um conjunto parcial.
type RuleStore struct {
	source domain.RuleSource

	reloadMu sync.Mutex
	snap     atomic.Pointer[RuleSnapshot]

	invalidator CounterInvalidator
	now         func() time.Time
}

type RuleStoreOption func(*RuleStore)

func WithCounterInvalidator(inv CounterInvalidator) RuleStoreOption {
	return func(s *RuleStore) { s.invalidator = inv }
}

func WithRuleClock(now func() time.Time) RuleStoreOption {
	return func(s *RuleStore) { s.now = now }
}

func NewRuleStore(source domain.RuleSource, opts ...RuleStoreOption) *RuleStore {
	s := &RuleStore{source: source, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Store(newRuleSnapshot(nil, time.Time{}))
	return s
}

// Reload substitui todas as regras a partir da fonte.
//
// Linhas inválidas são rejeitadas individualmente (ConfigurationError em Rejected).
// Se a fonte falhar, retorna *domain.ReloadError e o snapshot anterior continua valendo.
func (s *RuleStore) Reload(ctx context.Context) (domain.ReloadResult, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	rows, err := s.source.LoadRules(ctx)
	if err != nil {
		return domain.ReloadResult{}, &domain.ReloadError{Store: "rules", Err: err}
	}

	now := s.now()
	res := domain.ReloadResult{Store: "rules", At: now}
	valid := make([]domain.Rule, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		r.Code = strings.TrimSpace(r.Code)
		if err := r.Validate(); err != nil {
			var ce *domain.ConfigurationError
			if !errors.As(err, &ce) {
				ce = &domain.ConfigurationError{Code: r.Code, Reason: err.Error()}
			}
			res.Rejected = append(res.Rejected, ce)
			continue
		}
		if _, dup := seen[r.Code]; dup {
			res.Rejected = append(res.Rejected, &domain.ConfigurationError{Code: r.Code, Field: "code", Reason: "duplicate code"})
			continue
		}
		seen[r.Code] = struct{}{}
		valid = append(valid, r)
	}

	next := newRuleSnapshot(valid, now)
	prev := s.snap.Swap(next)
	res.Loaded = next.Len()
	res.Invalidated = staleCodes(prev, next)

	if s.invalidator != nil && len(res.Invalidated) > 0 {
		s.invalidator.Invalidate(res.Invalidated...)
	}
	return res, nil
}

// staleCodes lista regras que sumiram, foram desabilitadas ou mudaram de definição.
func staleCodes(prev, next *RuleSnapshot) []string {
	var out []string
	for code, old := range prev.byCode {
		cur, ok := next.byCode[code]
		if !ok || !cur.Enabled() || cur.Definition() != old.Definition() {
			out = append(out, code)
		}
	}
	slices.Sort(out)
	return out
}

func (s *RuleStore) Snapshot() *RuleSnapshot { return s.snap.Load() }

func (s *RuleStore) Get(code string) (domain.Rule, bool) { return s.Snapshot().Get(code) }

func (s *RuleStore) AllEnabled() iter.Seq[domain.Rule] { return s.Snapshot().Enabled() }

func (s *RuleStore) Len() int { return s.Snapshot().Len() }

func (s *RuleStore) EnabledLen() int { return s.Snapshot().EnabledLen() }

// LoadedAt é o instante em que o snapshot atual foi publicado.
func (s *RuleStore) LoadedAt() time.Time { return s.Snapshot().LoadedAt() }
