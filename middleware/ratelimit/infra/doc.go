// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - RuleStore / BlacklistStore: snapshots em memória recarregados da persistência
//   - CounterEngine: contadores por (regra, chave) em shards (janela fixa, deslizante, token bucket)
//   - SQLiteRepository / MemoryRepository: persistência de regras e blacklist
//   - MemoryStatsStore / RedisStatsStore / PrometheusStatsStore: estatísticas de decisão
package infra
