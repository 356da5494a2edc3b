package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdmin(f *fixture, stats DecisionStats) *AdminFacade {
	logger := f.svc.Log
	return &AdminFacade{
		RuleRepo:  f.repo,
		EntryRepo: f.repo,
		Rules:     f.rules,
		Blacklist: f.blacklist,
		Counters:  f.counters,
		Decisions: stats,
		Log:       logger,
		Now:       f.clock.Now,
	}
}

func TestAdminFacade_RuleEditsNeedReload(t *testing.T) {
	f := newFixture(t)
	admin := newAdmin(f, nil)
	ctx := context.Background()

	created, err := admin.CreateRule(ctx, domain.Rule{
		Code: " login ", Name: "Login", Mode: domain.ModeFixedWindow, Limit: 1, WindowSeconds: 60, Scope: domain.ScopePerIP,
	})
	require.NoError(t, err)
	assert.Equal(t, "login", created.Code)
	assert.Equal(t, domain.StatusEnabled, created.Status)
	assert.Equal(t, domain.ActionReject, created.Action)

	key := domain.RequestKey{IP: "1.1.1.1"}
	f.svc.Evaluate(key)
	assert.True(t, f.svc.Evaluate(key).Allowed(), "rule is not active before reload")

	res, err := admin.ReloadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Loaded)

	f.svc.Evaluate(key)
	assert.False(t, f.svc.Evaluate(key).Allowed())

	created.Limit = 5
	_, err = admin.UpdateRule(ctx, created.ID, created)
	require.NoError(t, err)
	res, err = admin.ReloadRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"login"}, res.Invalidated)
	assert.True(t, f.svc.Evaluate(key).Allowed(), "redefined rule starts with fresh counters")
}

func TestAdminFacade_RuleValidation(t *testing.T) {
	f := newFixture(t)
	admin := newAdmin(f, nil)
	ctx := context.Background()

	_, err := admin.CreateRule(ctx, domain.Rule{Code: "x", Name: "x", Mode: domain.ModeFixedWindow, Limit: 0, WindowSeconds: 1, Scope: domain.ScopeGlobal})
	var ce *domain.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "limit", ce.Field)

	_, err = admin.UpdateRule(ctx, "missing", newRule("x", domain.ModeFixedWindow, 1, 1, domain.ScopeGlobal))
	assert.True(t, domain.IsNotFound(err))

	assert.True(t, domain.IsNotFound(admin.DeleteRule(ctx, "missing")))
	_, err = admin.GetRule(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestAdminFacade_ReloadFailureIsReported(t *testing.T) {
	f := newFixture(t, newRule("fw", domain.ModeFixedWindow, 1, 60, domain.ScopePerIP))
	admin := newAdmin(f, nil)
	ctx := context.Background()

	f.repo.FailLoads(errors.New("db unreachable"))
	_, err := admin.ReloadRules(ctx)
	assert.True(t, domain.IsReloadError(err))
	_, err = admin.ReloadBlacklist(ctx)
	assert.True(t, domain.IsReloadError(err))

	_, ok := f.rules.Get("fw")
	assert.True(t, ok, "previous snapshot stays authoritative")
}

func TestAdminFacade_UnblockTwice(t *testing.T) {
	f := newFixture(t)
	admin := newAdmin(f, nil)
	ctx := context.Background()

	e, err := admin.CreateEntry(ctx, domain.Entry{IP: "1.2.3.4", Reason: "abuse"})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceManual, e.Source)
	_, err = admin.ReloadBlacklist(ctx)
	require.NoError(t, err)
	require.True(t, f.blacklist.IsBlocked("1.2.3.4"))

	unblocked, err := admin.Unblock(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EntryUnblocked, unblocked.Status)
	assert.False(t, f.blacklist.IsBlocked("1.2.3.4"))

	_, err = admin.Unblock(ctx, e.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.False(t, f.blacklist.IsBlocked("1.2.3.4"))

	_, err = admin.Unblock(ctx, "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestAdminFacade_UnblockIPTwice(t *testing.T) {
	f := newFixture(t)
	admin := newAdmin(f, nil)
	ctx := context.Background()

	// entrada automática que ainda não foi persistida
	require.NoError(t, f.blacklist.Add(domain.Entry{IP: "7.7.7.7", Source: domain.SourceAuto, Status: domain.EntryActive}))

	require.NoError(t, admin.UnblockIP(ctx, "7.7.7.7"))
	assert.False(t, f.blacklist.IsBlocked("7.7.7.7"))
	assert.True(t, domain.IsNotFound(admin.UnblockIP(ctx, "7.7.7.7")))
	assert.True(t, domain.IsConfigurationError(admin.UnblockIP(ctx, "not an ip")))
}

func TestAdminFacade_EntryValidation(t *testing.T) {
	f := newFixture(t)
	admin := newAdmin(f, nil)
	ctx := context.Background()

	_, err := admin.CreateEntry(ctx, domain.Entry{IP: "999.1.1.1"})
	assert.True(t, domain.IsConfigurationError(err))

	e, err := admin.CreateEntry(ctx, domain.Entry{IP: "10.0.0.7/8"})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/8", e.IP)

	_, err = admin.CreateEntry(ctx, domain.Entry{IP: "10.0.0.0/8"})
	assert.True(t, domain.IsConfigurationError(err), "second active entry for the same ip")

	page, err := admin.ListEntries(ctx, domain.EntryFilter{IP: "10.0"}, domain.PageRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestAdminFacade_StatsDoesNotMutate(t *testing.T) {
	off := newRule("off", domain.ModeFixedWindow, 1, 60, domain.ScopePerIP)
	off.Status = domain.StatusDisabled
	f := newFixture(t, newRule("fw", domain.ModeFixedWindow, 10, 60, domain.ScopePerIP), off)

	decisions := infra.NewMemoryStatsStore()
	admin := newAdmin(f, decisions)

	for _, ip := range []string{"1.1.1.1", "2.2.2.2"} {
		f.svc.Evaluate(domain.RequestKey{IP: ip})
		require.NoError(t, decisions.Record(context.Background(), domain.StatsEvent{IP: ip, Allowed: true, RuleCode: "fw"}))
	}
	require.NoError(t, f.blacklist.Add(domain.Entry{IP: "3.3.3.3", Source: domain.SourceManual, Status: domain.EntryActive}))

	snap := admin.Stats(context.Background())
	assert.Equal(t, 2, snap.RuleCount)
	assert.Equal(t, 1, snap.EnabledRuleCount)
	assert.Equal(t, map[string]int{"fw": 2}, snap.Counters)
	assert.Equal(t, 1, snap.BlacklistSize)
	assert.Equal(t, domain.DecisionCounters{Allowed: 2}, snap.Decisions["fw"])
	assert.Equal(t, t0, snap.GeneratedAt)
	assert.Equal(t, t0, snap.RulesLoadedAt)

	again := admin.Stats(context.Background())
	assert.Equal(t, snap, again)

	f.clock.Advance(time.Minute)
	_, err := admin.ReloadRules(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), admin.Stats(context.Background()).RulesLoadedAt)
	assert.Equal(t, 2, admin.RuleCount())
	assert.Equal(t, 2, admin.CounterKeys())
	assert.Equal(t, 1, admin.BlacklistSize())
}

func TestExpirySweeper_Sweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	exp := t0.Add(time.Minute)
	_, err := f.repo.CreateEntry(ctx, domain.Entry{IP: "4.4.4.4", Source: domain.SourceManual, Status: domain.EntryActive, ExpiresAt: &exp})
	require.NoError(t, err)
	_, err = f.blacklist.Reload(ctx)
	require.NoError(t, err)

	sweeper := &ExpirySweeper{Blacklist: f.blacklist, Repository: f.repo, Now: f.clock.Now}
	mem, persisted, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, mem)
	assert.Zero(t, persisted)

	f.clock.Advance(time.Minute)
	mem, persisted, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mem)
	assert.Equal(t, 1, persisted)
	assert.Equal(t, 0, f.blacklist.Len())
}
