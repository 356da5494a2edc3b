package application

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRule(code string, mode domain.Mode, limit, window int, scope domain.Scope) domain.Rule {
	return domain.Rule{
		Code: code, Name: code, Mode: mode, Limit: limit, WindowSeconds: window,
		Scope: scope, Status: domain.StatusEnabled, Action: domain.ActionReject,
	}
}

type fixture struct {
	repo      *infra.MemoryRepository
	rules     *infra.RuleStore
	blacklist *infra.BlacklistStore
	counters  *infra.CounterEngine
	clock     *clock
	svc       *AdmissionService
	logs      *test.Hook
}

func newFixture(t *testing.T, rules ...domain.Rule) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: t0}

	repo := infra.NewMemoryRepository()
	repo.SetClock(c.Now)
	for _, r := range rules {
		_, err := repo.CreateRule(ctx, r)
		require.NoError(t, err)
	}

	counters := infra.NewCounterEngine(infra.WithCounterClock(c.Now))
	ruleStore := infra.NewRuleStore(repo, infra.WithCounterInvalidator(counters), infra.WithRuleClock(c.Now))
	blacklist := infra.NewBlacklistStore(repo, infra.WithBlacklistClock(c.Now))
	_, err := ruleStore.Reload(ctx)
	require.NoError(t, err)
	_, err = blacklist.Reload(ctx)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	return &fixture{
		repo:      repo,
		rules:     ruleStore,
		blacklist: blacklist,
		counters:  counters,
		clock:     c,
		logs:      hook,
		svc: &AdmissionService{
			Rules:     ruleStore,
			Blacklist: blacklist,
			Counters:  counters,
			Log:       logger,
			Now:       c.Now,
		},
	}
}

func TestAdmissionService_FixedWindow(t *testing.T) {
	f := newFixture(t, newRule("fw", domain.ModeFixedWindow, 3, 60, domain.ScopePerIP))
	key := domain.RequestKey{IP: "10.0.0.1"}

	for i := 0; i < 3; i++ {
		assert.True(t, f.svc.Evaluate(key).Allowed(), "call %d", i+1)
	}
	dec := f.svc.Evaluate(key)
	assert.Equal(t, domain.OutcomeReject, dec.Outcome)
	assert.Equal(t, domain.ReasonRateLimited, dec.Reason)
	require.NotNil(t, dec.Rule)
	assert.Equal(t, "fw", dec.Rule.Code)

	f.clock.Advance(60 * time.Second)
	assert.True(t, f.svc.Evaluate(key).Allowed())
}

func TestAdmissionService_SlidingWindow(t *testing.T) {
	f := newFixture(t, newRule("sw", domain.ModeSlidingWindow, 2, 10, domain.ScopePerIP))
	key := domain.RequestKey{IP: "10.0.0.1"}

	assert.True(t, f.svc.Evaluate(key).Allowed())
	f.clock.Advance(5 * time.Second)
	assert.True(t, f.svc.Evaluate(key).Allowed())
	f.clock.Advance(time.Second)
	assert.False(t, f.svc.Evaluate(key).Allowed())
	f.clock.Advance(5 * time.Second)
	assert.True(t, f.svc.Evaluate(key).Allowed())
}

func TestAdmissionService_TokenBucket(t *testing.T) {
	f := newFixture(t, newRule("tb", domain.ModeTokenBucket, 5, 5, domain.ScopePerIP))
	key := domain.RequestKey{IP: "10.0.0.1"}

	for i := 0; i < 5; i++ {
		assert.True(t, f.svc.Evaluate(key).Allowed(), "call %d", i+1)
	}
	assert.False(t, f.svc.Evaluate(key).Allowed())

	f.clock.Advance(time.Second)
	assert.True(t, f.svc.Evaluate(key).Allowed())
	assert.False(t, f.svc.Evaluate(key).Allowed())
}

func TestAdmissionService_BlacklistShortCircuits(t *testing.T) {
	f := newFixture(t, newRule("fw", domain.ModeFixedWindow, 1, 60, domain.ScopePerIP))
	require.NoError(t, f.blacklist.Add(domain.Entry{IP: "1.2.3.4", Source: domain.SourceManual, Status: domain.EntryActive}))

	for i := 0; i < 3; i++ {
		dec := f.svc.Evaluate(domain.RequestKey{IP: "1.2.3.4", UserID: "u1"})
		assert.Equal(t, domain.OutcomeReject, dec.Outcome)
		assert.Equal(t, domain.ReasonBlacklisted, dec.Reason)
		assert.Nil(t, dec.Rule)
	}
	assert.Equal(t, 0, f.counters.Len(), "blacklisted requests must not touch counters")
}

func TestAdmissionService_AutoBlacklist(t *testing.T) {
	strict := newRule("a-strict", domain.ModeFixedWindow, 1, 60, domain.ScopePerIP)
	strict.Action = domain.ActionRejectAndBlacklist
	strict.BlacklistSeconds = 300
	f := newFixture(t, strict, newRule("z-other", domain.ModeFixedWindow, 100, 60, domain.ScopeGlobal))

	writes := &recordingSink{}
	f.svc.Writer = writes

	key := domain.RequestKey{IP: "::ffff:5.6.7.8"}
	assert.True(t, f.svc.Evaluate(key).Allowed())

	dec := f.svc.Evaluate(key)
	assert.Equal(t, domain.ReasonRateLimited, dec.Reason)

	e, ok := f.blacklist.Lookup("5.6.7.8")
	require.True(t, ok, "auto entry visible right after the violating call")
	assert.Equal(t, domain.SourceAuto, e.Source)
	assert.Equal(t, "a-strict", e.RuleCode)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, t0.Add(300*time.Second), *e.ExpiresAt)

	require.Len(t, writes.entries, 1)
	assert.Equal(t, "5.6.7.8", writes.entries[0].IP)

	dec = f.svc.Evaluate(key)
	assert.Equal(t, domain.ReasonBlacklisted, dec.Reason)
	assert.Equal(t, 300*time.Second, dec.RetryAfter)

	f.clock.Advance(300 * time.Second)
	f.svc.Evaluate(key)
	_, ok = f.blacklist.Lookup("5.6.7.8")
	assert.False(t, ok, "expired auto entry stops blocking")
}

func TestAdmissionService_PermanentAutoBlacklist(t *testing.T) {
	r := newRule("fw", domain.ModeFixedWindow, 1, 60, domain.ScopePerIP)
	r.Action = domain.ActionRejectAndBlacklist
	f := newFixture(t, r)

	key := domain.RequestKey{IP: "9.9.9.9"}
	f.svc.Evaluate(key)
	f.svc.Evaluate(key)

	e, ok := f.blacklist.Lookup("9.9.9.9")
	require.True(t, ok)
	assert.Nil(t, e.ExpiresAt)
	assert.Equal(t, time.Duration(0), f.svc.Evaluate(key).RetryAfter)
}

func TestAdmissionService_ScopeSkipping(t *testing.T) {
	f := newFixture(t,
		newRule("route", domain.ModeFixedWindow, 1, 60, domain.ScopePerRoute),
		newRule("user", domain.ModeFixedWindow, 1, 60, domain.ScopePerUser),
	)

	anon := domain.RequestKey{IP: "1.1.1.1"}
	for i := 0; i < 5; i++ {
		assert.True(t, f.svc.Evaluate(anon).Allowed(), "anonymous traffic without route is exempt")
	}
	assert.Equal(t, 0, f.counters.Len())

	user := domain.RequestKey{IP: "1.1.1.1", UserID: "alice"}
	assert.True(t, f.svc.Evaluate(user).Allowed())
	dec := f.svc.Evaluate(user)
	require.NotNil(t, dec.Rule)
	assert.Equal(t, "user", dec.Rule.Code)
}

func TestAdmissionService_FirstRejectingRuleWins(t *testing.T) {
	f := newFixture(t,
		newRule("b", domain.ModeFixedWindow, 1, 60, domain.ScopePerIP),
		newRule("a", domain.ModeFixedWindow, 1, 60, domain.ScopePerIP),
		newRule("c", domain.ModeFixedWindow, 10, 60, domain.ScopePerIP),
	)
	key := domain.RequestKey{IP: "1.1.1.1"}

	dec := f.svc.Evaluate(key)
	assert.True(t, dec.Allowed())
	assert.Equal(t, 0, dec.Remaining)

	dec = f.svc.Evaluate(key)
	require.NotNil(t, dec.Rule)
	assert.Equal(t, "a", dec.Rule.Code)

	counts := f.counters.Counts()
	assert.Equal(t, 1, counts["c"], "later rules still hold one counter each")
}

type faultyCounters struct {
	panic bool
}

func (c faultyCounters) Check(string, string, domain.Rule, time.Time) (domain.CheckResult, error) {
	if c.panic {
		panic("boom")
	}
	return domain.CheckResult{}, errors.New("engine broken")
}

func TestAdmissionService_CounterFaultDegradesToAllow(t *testing.T) {
	for _, panics := range []bool{false, true} {
		t.Run(fmt.Sprintf("panic=%v", panics), func(t *testing.T) {
			f := newFixture(t, newRule("fw", domain.ModeFixedWindow, 1, 60, domain.ScopeGlobal))
			f.svc.Counters = faultyCounters{panic: panics}

			dec := f.svc.Evaluate(domain.RequestKey{IP: "1.1.1.1"})
			assert.True(t, dec.Allowed())

			entry := f.logs.LastEntry()
			require.NotNil(t, entry)
			assert.Equal(t, logrus.WarnLevel, entry.Level)
			assert.Equal(t, "fw", entry.Data["rule"])
		})
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.Entry
}

func (s *recordingSink) Enqueue(e domain.Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return true
}

// limitRecorder guarda, por chave de escopo, os limites vistos em cada Check.
type limitRecorder struct {
	mu   sync.Mutex
	seen map[string][]int
}

func (r *limitRecorder) Check(_ string, scopeKey string, rule domain.Rule, _ time.Time) (domain.CheckResult, error) {
	r.mu.Lock()
	r.seen[scopeKey] = append(r.seen[scopeKey], rule.Limit)
	r.mu.Unlock()
	return domain.CheckResult{Allowed: true, Remaining: rule.Limit}, nil
}

type slowRules struct {
	store *infra.RuleStore
}

// AllEnabled cede o processador entre regras para aumentar a chance de um reload no meio.
func (s slowRules) AllEnabled() iter.Seq[domain.Rule] {
	seq := s.store.AllEnabled()
	return func(yield func(domain.Rule) bool) {
		for r := range seq {
			time.Sleep(time.Microsecond)
			if !yield(r) {
				return
			}
		}
	}
}

func TestAdmissionService_ReloadIsAtomicForEvaluate(t *testing.T) {
	ctx := context.Background()
	repo := infra.NewMemoryRepository()
	var ids []string
	for i := 0; i < 8; i++ {
		r, err := repo.CreateRule(ctx, newRule(fmt.Sprintf("r%02d", i), domain.ModeFixedWindow, 10, 60, domain.ScopePerIP))
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	store := infra.NewRuleStore(repo)
	_, err := store.Reload(ctx)
	require.NoError(t, err)

	rec := &limitRecorder{seen: map[string][]int{}}
	svc := &AdmissionService{Rules: slowRules{store}, Counters: rec, Log: logrus.New()}

	stop := make(chan struct{})
	var reloads sync.WaitGroup
	reloads.Add(1)
	go func() {
		defer reloads.Done()
		limit := 10
		for {
			select {
			case <-stop:
				return
			default:
			}
			limit = 30 - limit // alterna 10 <-> 20
			for _, id := range ids {
				r, _ := repo.GetRule(ctx, id)
				r.Limit = limit
				_, _ = repo.UpdateRule(ctx, r)
			}
			_, _ = store.Reload(ctx)
		}
	}()

	var evals sync.WaitGroup
	for g := 0; g < 8; g++ {
		evals.Add(1)
		go func(g int) {
			defer evals.Done()
			for i := 0; i < 200; i++ {
				svc.Evaluate(domain.RequestKey{IP: fmt.Sprintf("10.%d.%d.%d", g, i/250, i%250)})
			}
		}(g)
	}
	evals.Wait()
	close(stop)
	reloads.Wait()

	for key, limits := range rec.seen {
		require.Len(t, limits, 8, key)
		for _, l := range limits {
			assert.Equal(t, limits[0], l, "evaluate for %s saw mixed rule limits %v", key, limits)
		}
	}
}
