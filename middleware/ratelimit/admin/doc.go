// Package admin expõe a AdminFacade como API HTTP (go-chi) para o painel de administração:
// CRUD de regras e blacklist, reload, desbloqueio, estatísticas e um stream
// websocket com o StatsSnapshot.
package admin
