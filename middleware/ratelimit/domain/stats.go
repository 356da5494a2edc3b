package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão do controle de admissão.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas
// e podem ser usadas para web, gRPC, etc.
//
// Observação: cuidado com cardinalidade (ex.: salvar IP/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis/Prometheus).
type StatsEvent struct {
	IP       string
	Allowed  bool
	Reason   Reason
	RuleCode string

	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas de decisão.
//
// Implementações podem armazenar em Redis, Prometheus, memória, etc.
// O middleware deve tratar erro como best-effort (não derrubar request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}

type DecisionCounters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

// StatsSnapshot é calculado sob demanda e nunca persistido.
type StatsSnapshot struct {
	RuleCount        int                         `json:"ruleCount"`
	EnabledRuleCount int                         `json:"enabledRuleCount"`
	Counters         map[string]int              `json:"counters"`
	BlacklistSize    int                         `json:"blacklistSize"`
	Decisions        map[string]DecisionCounters `json:"decisions,omitempty"`
	// RulesLoadedAt é o instante do último reload de regras aplicado (zero antes do primeiro).
	RulesLoadedAt time.Time `json:"rulesLoadedAt,omitzero"`
	GeneratedAt   time.Time `json:"generatedAt"`
}

// ReloadResult resume um reload bem-sucedido.
// Rejected lista as linhas recusadas por ConfigurationError (as demais foram carregadas).
type ReloadResult struct {
	Store    string                `json:"store"`
	Loaded   int                   `json:"loaded"`
	Rejected []*ConfigurationError `json:"rejected,omitempty"`
	// Invalidated são os códigos de regra removidos ou redefinidos neste reload.
	Invalidated []string  `json:"invalidated,omitempty"`
	At          time.Time `json:"at"`
}
