// Package ratelimit fornece o adapter HTTP (net/http) do controle de admissão.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: casos de uso (avaliação, administração) sem net/http
//   - infra: implementações concretas (regras, blacklist, contadores, repositórios, stats)
//   - admin: API HTTP de administração (chi) e stream de estatísticas (websocket)
//   - ratelimit (este pacote): middleware HTTP + extração de chave + tradução para status/headers
//
// Fluxo no gateway:
//
//  1. Extrai IP (header/XFF/RemoteAddr), usuário (header) e rota (path)
//  2. Chama Evaluator.Evaluate uma única vez
//  3. Se rejeitado, responde 429 com Retry-After e não chama o próximo handler
//  4. Se permitido, chama o próximo handler (ex: reverse proxy)
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam o comportamento,
// como DB_PATH, ADMIN_ADDR, USER_HEADER e TRUST_XFF.
package ratelimit
