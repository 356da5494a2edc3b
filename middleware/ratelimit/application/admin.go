package application

import (
	"context"
	"strings"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/sirupsen/logrus"
)

// AdminFacade é a única porta de entrada de mutações (painel de administração).
//
// CRUD vai direto para o repositório e não recarrega nada: as mudanças só valem
// depois de ReloadRules/ReloadBlacklist. A exceção é o desbloqueio, que também
// remove o IP da memória na hora.
type AdminFacade struct {
	RuleRepo  domain.RuleRepository
	EntryRepo domain.BlacklistRepository

	Rules     RuleReloader
	Blacklist BlacklistReloader
	Counters  CounterStats
	// Decisions é opcional.
	Decisions DecisionStats

	Log logrus.FieldLogger
	Now func() time.Time
}

func (f *AdminFacade) log() logrus.FieldLogger {
	if f.Log == nil {
		return logrus.StandardLogger()
	}
	return f.Log
}

func (f *AdminFacade) now() time.Time {
	if f.Now == nil {
		return time.Now()
	}
	return f.Now()
}

// ---- regras ----

func (f *AdminFacade) ListRules(ctx context.Context, filter domain.RuleFilter, p domain.PageRequest) (domain.Page[domain.Rule], error) {
	return f.RuleRepo.ListRules(ctx, filter, p)
}

func (f *AdminFacade) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	return f.RuleRepo.GetRule(ctx, id)
}

func prepareRule(r domain.Rule) (domain.Rule, error) {
	r.Code = strings.TrimSpace(r.Code)
	r.Name = strings.TrimSpace(r.Name)
	if r.Status == "" {
		r.Status = domain.StatusEnabled
	}
	if r.Action == "" {
		r.Action = domain.ActionReject
	}
	return r, r.Validate()
}

func (f *AdminFacade) CreateRule(ctx context.Context, r domain.Rule) (domain.Rule, error) {
	r, err := prepareRule(r)
	if err != nil {
		return domain.Rule{}, err
	}
	r.ID = ""
	created, err := f.RuleRepo.CreateRule(ctx, r)
	if err != nil {
		return domain.Rule{}, err
	}
	f.log().WithFields(logrus.Fields{"rule": created.Code, "id": created.ID}).Info("rule created")
	return created, nil
}

func (f *AdminFacade) UpdateRule(ctx context.Context, id string, r domain.Rule) (domain.Rule, error) {
	r, err := prepareRule(r)
	if err != nil {
		return domain.Rule{}, err
	}
	r.ID = id
	updated, err := f.RuleRepo.UpdateRule(ctx, r)
	if err != nil {
		return domain.Rule{}, err
	}
	f.log().WithFields(logrus.Fields{"rule": updated.Code, "id": id}).Info("rule updated")
	return updated, nil
}

func (f *AdminFacade) DeleteRule(ctx context.Context, id string) error {
	if err := f.RuleRepo.DeleteRule(ctx, id); err != nil {
		return err
	}
	f.log().WithField("id", id).Info("rule deleted")
	return nil
}

// ReloadRules recarrega o RuleStore; falha da fonte sempre volta para quem chamou.
func (f *AdminFacade) ReloadRules(ctx context.Context) (domain.ReloadResult, error) {
	res, err := f.Rules.Reload(ctx)
	if err != nil {
		f.log().WithField("store", "rules").WithError(err).Error("reload failed")
		return res, err
	}
	l := f.log().WithFields(logrus.Fields{"store": "rules", "loaded": res.Loaded, "invalidated": len(res.Invalidated)})
	for _, ce := range res.Rejected {
		l.WithError(ce).Warn("rule rejected")
	}
	l.Info("reload done")
	return res, nil
}

// Stats monta o snapshot a partir do estado atual, sem alterar nada.
func (f *AdminFacade) Stats(context.Context) domain.StatsSnapshot {
	snap := domain.StatsSnapshot{GeneratedAt: f.now(), Counters: map[string]int{}}
	if f.Rules != nil {
		snap.RuleCount = f.Rules.Len()
		snap.EnabledRuleCount = f.Rules.EnabledLen()
		snap.RulesLoadedAt = f.Rules.LoadedAt()
	}
	if f.Counters != nil {
		snap.Counters = f.Counters.Counts()
	}
	if f.Blacklist != nil {
		snap.BlacklistSize = f.Blacklist.Len()
	}
	if f.Decisions != nil {
		snap.Decisions = f.Decisions.ByRule()
	}
	return snap
}

// RuleCount, CounterKeys e BlacklistSize alimentam os gauges do Prometheus.
func (f *AdminFacade) RuleCount() int {
	if f.Rules == nil {
		return 0
	}
	return f.Rules.Len()
}

func (f *AdminFacade) CounterKeys() int {
	if f.Counters == nil {
		return 0
	}
	return f.Counters.Len()
}

func (f *AdminFacade) BlacklistSize() int {
	if f.Blacklist == nil {
		return 0
	}
	return f.Blacklist.Len()
}

// ---- blacklist ----

func (f *AdminFacade) ListEntries(ctx context.Context, filter domain.EntryFilter, p domain.PageRequest) (domain.Page[domain.Entry], error) {
	return f.EntryRepo.ListEntries(ctx, filter, p)
}

func (f *AdminFacade) GetEntry(ctx context.Context, id string) (domain.Entry, error) {
	return f.EntryRepo.GetEntry(ctx, id)
}

func prepareEntry(e domain.Entry) (domain.Entry, error) {
	if e.Source == "" {
		e.Source = domain.SourceManual
	}
	if e.Status == "" {
		e.Status = domain.EntryActive
	}
	if err := e.Validate(); err != nil {
		return domain.Entry{}, err
	}
	ip, _ := domain.NormalizeIP(e.IP)
	e.IP = ip
	e.Reason = strings.TrimSpace(e.Reason)
	return e, nil
}

func (f *AdminFacade) CreateEntry(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	e, err := prepareEntry(e)
	if err != nil {
		return domain.Entry{}, err
	}
	e.ID = ""
	created, err := f.EntryRepo.CreateEntry(ctx, e)
	if err != nil {
		return domain.Entry{}, err
	}
	f.log().WithFields(logrus.Fields{"ip": created.IP, "id": created.ID}).Info("blacklist entry created")
	return created, nil
}

func (f *AdminFacade) UpdateEntry(ctx context.Context, id string, e domain.Entry) (domain.Entry, error) {
	e, err := prepareEntry(e)
	if err != nil {
		return domain.Entry{}, err
	}
	e.ID = id
	return f.EntryRepo.UpdateEntry(ctx, e)
}

func (f *AdminFacade) DeleteEntry(ctx context.Context, id string) error {
	return f.EntryRepo.DeleteEntry(ctx, id)
}

// Unblock desbloqueia a entrada pelo id. Uma entrada que já não está ativa
// devolve NotFoundError, então a segunda chamada seguida falha.
func (f *AdminFacade) Unblock(ctx context.Context, id string) (domain.Entry, error) {
	e, err := f.EntryRepo.GetEntry(ctx, id)
	if err != nil {
		return domain.Entry{}, err
	}
	if !e.Active() {
		return domain.Entry{}, domain.NotFound("active blacklist entry", id)
	}
	if err := f.unblock(ctx, e.IP); err != nil {
		return domain.Entry{}, err
	}
	return f.EntryRepo.GetEntry(ctx, id)
}

// UnblockIP desbloqueia pelo endereço, inclusive entradas que só existem em memória.
func (f *AdminFacade) UnblockIP(ctx context.Context, ip string) error {
	key, err := domain.NormalizeIP(ip)
	if err != nil {
		return &domain.ConfigurationError{Code: ip, Field: "ip", Reason: err.Error()}
	}
	removed := f.Blacklist.Remove(key)
	n, err := f.EntryRepo.MarkUnblocked(ctx, key)
	if err != nil {
		return err
	}
	if !removed && n == 0 {
		return domain.NotFound("active blacklist entry", key)
	}
	f.log().WithFields(logrus.Fields{"ip": key, "persisted": n}).Info("ip unblocked")
	return nil
}

func (f *AdminFacade) unblock(ctx context.Context, ip string) error {
	f.Blacklist.Remove(ip)
	n, err := f.EntryRepo.MarkUnblocked(ctx, ip)
	if err != nil {
		return err
	}
	f.log().WithFields(logrus.Fields{"ip": ip, "persisted": n}).Info("ip unblocked")
	return nil
}

func (f *AdminFacade) ReloadBlacklist(ctx context.Context) (domain.ReloadResult, error) {
	res, err := f.Blacklist.Reload(ctx)
	if err != nil {
		f.log().WithField("store", "blacklist").WithError(err).Error("reload failed")
		return res, err
	}
	f.log().WithFields(logrus.Fields{"store": "blacklist", "loaded": res.Loaded, "rejected": len(res.Rejected)}).Info("reload done")
	return res, nil
}
