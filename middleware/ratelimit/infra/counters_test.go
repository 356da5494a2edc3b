package infra

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func rule(code string, mode domain.Mode, limit, window int) domain.Rule {
	return domain.Rule{
		Code:          code,
		Name:          code,
		Mode:          mode,
		Limit:         limit,
		WindowSeconds: window,
		Scope:         domain.ScopePerIP,
		Status:        domain.StatusEnabled,
		Action:        domain.ActionReject,
	}
}

func TestCounterEngine_FixedWindow(t *testing.T) {
	e := NewCounterEngine()
	r := rule("fw", domain.ModeFixedWindow, 3, 60)

	for i := 0; i < 3; i++ {
		res, err := e.Check(r.Code, "1.2.3.4", r, t0.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected call %d allowed", i+1)
		}
		if res.Remaining != 2-i {
			t.Fatalf("expected remaining %d, got %d", 2-i, res.Remaining)
		}
	}

	res, _ := e.Check(r.Code, "1.2.3.4", r, t0.Add(10*time.Second))
	if res.Allowed {
		t.Fatalf("expected 4th call rejected")
	}
	if res.RetryAfter != 50*time.Second {
		t.Fatalf("expected retry after 50s, got %v", res.RetryAfter)
	}

	res, _ = e.Check(r.Code, "1.2.3.4", r, t0.Add(60*time.Second))
	if !res.Allowed {
		t.Fatalf("expected new window to allow")
	}
}

func TestCounterEngine_SlidingWindow(t *testing.T) {
	e := NewCounterEngine()
	r := rule("sw", domain.ModeSlidingWindow, 2, 10)

	steps := []struct {
		at      time.Duration
		allowed bool
	}{
		{0, true},
		{5 * time.Second, true},
		{6 * time.Second, false},
		{11 * time.Second, true},
	}
	for _, s := range steps {
		res, err := e.Check(r.Code, "k", r, t0.Add(s.at))
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if res.Allowed != s.allowed {
			t.Fatalf("t=%v: expected allowed=%v, got %v", s.at, s.allowed, res.Allowed)
		}
		if !res.Allowed && res.RetryAfter != 4*time.Second {
			t.Fatalf("t=%v: expected retry after 4s, got %v", s.at, res.RetryAfter)
		}
	}
}

func TestCounterEngine_TokenBucket(t *testing.T) {
	e := NewCounterEngine()
	r := rule("tb", domain.ModeTokenBucket, 5, 5)

	for i := 0; i < 5; i++ {
		res, _ := e.Check(r.Code, "k", r, t0)
		if !res.Allowed {
			t.Fatalf("expected burst call %d allowed", i+1)
		}
	}
	res, _ := e.Check(r.Code, "k", r, t0)
	if res.Allowed {
		t.Fatalf("expected 6th immediate call rejected")
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Second {
		t.Fatalf("expected retry after within 1s, got %v", res.RetryAfter)
	}

	res, _ = e.Check(r.Code, "k", r, t0.Add(time.Second))
	if !res.Allowed {
		t.Fatalf("expected one refilled token after 1s")
	}
	res, _ = e.Check(r.Code, "k", r, t0.Add(time.Second))
	if res.Allowed {
		t.Fatalf("expected bucket empty again")
	}
}

func TestCounterEngine_TokenBucketOutOfOrderNow(t *testing.T) {
	e := NewCounterEngine()
	r := rule("tb", domain.ModeTokenBucket, 2, 2)

	calls := []struct {
		at    time.Time
		allow bool
	}{
		{t0, true},
		{t0.Add(2 * time.Second), true},
		// chamada concorrente que leu o relógio antes da anterior
		{t0.Add(time.Second), true},
		{t0.Add(2 * time.Second), false},
	}
	for i, c := range calls {
		res, err := e.Check(r.Code, "k", r, c.at)
		if err != nil {
			t.Fatalf("call %d: unexpected err: %v", i+1, err)
		}
		if res.Allowed != c.allow {
			t.Fatalf("call %d: expected allowed=%v, got %v", i+1, c.allow, res.Allowed)
		}
	}
}

func TestCounterEngine_KeysAreIndependent(t *testing.T) {
	e := NewCounterEngine()
	r := rule("fw", domain.ModeFixedWindow, 1, 60)

	if res, _ := e.Check(r.Code, "a", r, t0); !res.Allowed {
		t.Fatalf("expected a allowed")
	}
	if res, _ := e.Check(r.Code, "b", r, t0); !res.Allowed {
		t.Fatalf("expected b allowed")
	}
	if res, _ := e.Check("other", "a", r, t0); !res.Allowed {
		t.Fatalf("expected same scope key under another rule allowed")
	}
	if e.Len() != 3 {
		t.Fatalf("expected 3 counters, got %d", e.Len())
	}
}

func TestCounterEngine_RedefinitionResetsCounter(t *testing.T) {
	e := NewCounterEngine()
	r := rule("fw", domain.ModeFixedWindow, 1, 60)

	_, _ = e.Check(r.Code, "k", r, t0)
	if res, _ := e.Check(r.Code, "k", r, t0); res.Allowed {
		t.Fatalf("expected second call rejected")
	}

	r.Limit = 2
	if res, _ := e.Check(r.Code, "k", r, t0); !res.Allowed {
		t.Fatalf("expected redefined rule to start from a fresh counter")
	}
}

func TestCounterEngine_InvalidRule(t *testing.T) {
	e := NewCounterEngine()
	if _, err := e.Check("x", "k", rule("x", domain.ModeFixedWindow, 0, 60), t0); err == nil {
		t.Fatalf("expected error for limit=0")
	}
	if _, err := e.Check("x", "k", rule("x", "BOGUS", 1, 60), t0); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if e.Len() != 0 {
		t.Fatalf("expected no counter created, got %d", e.Len())
	}
}

func TestCounterEngine_SweepEvictsIdle(t *testing.T) {
	e := NewCounterEngine(WithIdleMultiple(3))
	r := rule("fw", domain.ModeFixedWindow, 10, 1)

	_, _ = e.Check(r.Code, "old", r, t0)
	_, _ = e.Check(r.Code, "fresh", r, t0.Add(3*time.Second))

	if n := e.Sweep(t0.Add(3 * time.Second)); n != 0 {
		t.Fatalf("expected nothing evicted at exactly 3 windows, got %d", n)
	}
	if n := e.Sweep(t0.Add(4 * time.Second)); n != 1 {
		t.Fatalf("expected 1 evicted, got %d", n)
	}
	if e.Len() != 1 {
		t.Fatalf("expected 1 counter left, got %d", e.Len())
	}
}

func TestCounterEngine_InvalidateAndCounts(t *testing.T) {
	e := NewCounterEngine(WithShards(4))
	a := rule("a", domain.ModeFixedWindow, 10, 60)
	b := rule("b", domain.ModeSlidingWindow, 10, 60)

	_, _ = e.Check(a.Code, "1", a, t0)
	_, _ = e.Check(a.Code, "2", a, t0)
	_, _ = e.Check(b.Code, "1", b, t0)

	counts := e.Counts()
	if counts["a"] != 2 || counts["b"] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}

	e.Invalidate("a")
	counts = e.Counts()
	if _, ok := counts["a"]; ok {
		t.Fatalf("expected rule a counters dropped, got %v", counts)
	}
	if counts["b"] != 1 {
		t.Fatalf("expected rule b untouched, got %v", counts)
	}
}

func TestCounterEngine_ConcurrentSameKey(t *testing.T) {
	e := NewCounterEngine()
	r := rule("fw", domain.ModeFixedWindow, 50, 60)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Check(r.Code, "k", r, t0)
			if err == nil && res.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 50 {
		t.Fatalf("expected exactly 50 allowed, got %d", allowed.Load())
	}
}

type doneCtx chan struct{}

func (d doneCtx) Done() <-chan struct{} { return d }

func TestCounterEngine_StartJanitorStopsOnDone(t *testing.T) {
	now := t0
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	e := NewCounterEngine(WithCleanupEvery(5*time.Millisecond), WithCounterClock(clock))
	r := rule("fw", domain.ModeFixedWindow, 10, 1)
	_, _ = e.Check(r.Code, "k", r, t0)

	mu.Lock()
	now = t0.Add(time.Hour)
	mu.Unlock()

	done := make(doneCtx)
	e.StartJanitor(done)
	defer close(done)

	deadline := time.Now().Add(2 * time.Second)
	for e.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected janitor to evict idle counter")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
