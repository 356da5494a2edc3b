// Package domain define contratos e tipos de domínio para o controle de admissão:
// regras de rate limit, blacklist de IPs, decisões e estatísticas.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura (SQLite, Redis, Prometheus).
package domain
