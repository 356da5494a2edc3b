// Package application contém os casos de uso do controle de admissão.
//
// Ele depende apenas do pacote domain (e de interfaces pequenas declaradas aqui)
// e não conhece net/http:
//   - AdmissionService.Evaluate(key) devolve uma Decision (allow/reject + regra + retry-after)
//   - AdminFacade concentra as mutações (CRUD, reload, unblock) e as estatísticas
//   - BlacklistWriter persiste em segundo plano as entradas automáticas
//   - ExpirySweeper remove entradas vencidas (agendado via cron)
package application
