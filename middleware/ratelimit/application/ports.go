package application

import (
	"context"
	"iter"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

// RuleSet é a visão das regras usada na avaliação.
// AllEnabled deve iterar um único snapshot.
type RuleSet interface {
	AllEnabled() iter.Seq[domain.Rule]
}

type Blacklist interface {
	Lookup(ip string) (domain.Entry, bool)
	Add(e domain.Entry) error
	Remove(ip string) bool
}

type Counters interface {
	Check(ruleCode, scopeKey string, rule domain.Rule, now time.Time) (domain.CheckResult, error)
}

// AutoEntrySink recebe entradas automáticas para persistência assíncrona.
// Enqueue não pode bloquear.
type AutoEntrySink interface {
	Enqueue(e domain.Entry) bool
}

type RuleReloader interface {
	Reload(ctx context.Context) (domain.ReloadResult, error)
	Len() int
	EnabledLen() int
	LoadedAt() time.Time
}

type BlacklistReloader interface {
	Reload(ctx context.Context) (domain.ReloadResult, error)
	Remove(ip string) bool
	Len() int
}

type CounterStats interface {
	Counts() map[string]int
	Len() int
}

// DecisionStats é opcional no AdminFacade (ex.: infra.MemoryStatsStore).
type DecisionStats interface {
	ByRule() map[string]domain.DecisionCounters
}
