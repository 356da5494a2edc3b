package infra

import (
	"fmt"
	"math"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// CounterEngine mantém os contadores por (regra, chave de escopo) com cache e
// limpeza periódica.
//
// O mapa é dividido em shards; cada shard tem seu próprio mutex. Chamadas para a
// mesma chave são linearizadas pelo lock do shard, e chaves em shards diferentes
// não disputam lock.
type CounterEngine struct {
	shards       []*counterShard
	idleMultiple int
	cleanupEvery time.Duration
	now          func() time.Time
}

type counterKey struct {
	rule  string
	scope string
}

type counterShard struct {
	mu      sync.Mutex
	entries map[counterKey]*counter
}

type counter struct {
	def      domain.Definition
	lastSeen time.Time

	// FIXED_WINDOW
	count       int
	windowStart time.Time

	// SLIDING_WINDOW: timestamps em ordem crescente dentro da janela
	events []time.Time

	// TOKEN_BUCKET
	bucket *rate.Limiter
}

type CounterOption func(*CounterEngine)

// WithIdleMultiple define após quantas janelas sem uso um contador pode ser descartado.
// Valores < 1 viram 1 (antes disso o contador ainda tem estado relevante).
func WithIdleMultiple(n int) CounterOption {
	return func(e *CounterEngine) { e.idleMultiple = max(n, 1) }
}

func WithCleanupEvery(d time.Duration) CounterOption {
	return func(e *CounterEngine) { e.cleanupEvery = d }
}

func WithShards(n int) CounterOption {
	return func(e *CounterEngine) {
		if n > 0 {
			e.shards = make([]*counterShard, n)
		}
	}
}

func WithCounterClock(now func() time.Time) CounterOption {
	return func(e *CounterEngine) { e.now = now }
}

func NewCounterEngine(opts ...CounterOption) *CounterEngine {
	e := &CounterEngine{
		shards:       make([]*counterShard, 64),
		idleMultiple: 3,
		cleanupEvery: 2 * time.Minute,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	for i := range e.shards {
		e.shards[i] = &counterShard{entries: make(map[counterKey]*counter)}
	}
	return e
}

func (e *CounterEngine) CleanupEvery() time.Duration { return e.cleanupEvery }

func (e *CounterEngine) shardFor(k counterKey) *counterShard {
	h := xxhash.New()
	_, _ = h.WriteString(k.rule)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.scope)
	return e.shards[h.Sum64()%uint64(len(e.shards))]
}

// Check registra um evento para (ruleCode, scopeKey) e informa se ele cabe no limite.
//
// Se o contador existente foi criado para outra definição da regra, ele é
// reiniciado em vez de reaproveitado.
func (e *CounterEngine) Check(ruleCode, scopeKey string, rule domain.Rule, now time.Time) (domain.CheckResult, error) {
	if rule.Limit <= 0 || rule.WindowSeconds <= 0 {
		return domain.CheckResult{}, fmt.Errorf("rule %s: limit and windowSeconds must be > 0", ruleCode)
	}
	if !rule.Mode.Valid() {
		return domain.CheckResult{}, fmt.Errorf("rule %s: unknown mode %q", ruleCode, rule.Mode)
	}

	k := counterKey{rule: ruleCode, scope: scopeKey}
	sh := e.shardFor(k)
	def := rule.Definition()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.entries[k]
	if !ok || c.def != def {
		c = &counter{def: def}
		sh.entries[k] = c
	}
	if now.After(c.lastSeen) {
		c.lastSeen = now
	}

	switch def.Mode {
	case domain.ModeFixedWindow:
		return c.fixedWindow(now, rule.Limit, rule.Window()), nil
	case domain.ModeSlidingWindow:
		return c.slidingWindow(now, rule.Limit, rule.Window()), nil
	default:
		return c.tokenBucket(now, rule.Limit, rule.WindowSeconds), nil
	}
}

func (c *counter) fixedWindow(now time.Time, limit int, window time.Duration) domain.CheckResult {
	if c.windowStart.IsZero() || !now.Before(c.windowStart.Add(window)) {
		c.count = 0
		c.windowStart = now
	}
	c.count++

	res := domain.CheckResult{Allowed: c.count <= limit, Remaining: max(limit-c.count, 0)}
	if !res.Allowed {
		res.RetryAfter = c.windowStart.Add(window).Sub(now)
	}
	return res
}

func (c *counter) slidingWindow(now time.Time, limit int, window time.Duration) domain.CheckResult {
	cutoff := now.Add(-window)
	drop := 0
	for drop < len(c.events) && c.events[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		c.events = append(c.events[:0], c.events[drop:]...)
	}

	if len(c.events) >= limit {
		return domain.CheckResult{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: c.events[len(c.events)-limit].Add(window).Sub(now),
		}
	}

	// chamadas concorrentes podem chegar com `now` levemente fora de ordem
	at := now
	if n := len(c.events); n > 0 && at.Before(c.events[n-1]) {
		at = c.events[n-1]
	}
	c.events = append(c.events, at)
	return domain.CheckResult{Allowed: true, Remaining: limit - len(c.events)}
}

func (c *counter) tokenBucket(now time.Time, limit, windowSeconds int) domain.CheckResult {
	if c.bucket == nil {
		c.bucket = rate.NewLimiter(rate.Limit(float64(limit)/float64(windowSeconds)), limit)
	}
	// um `now` atrasado faria o limiter voltar no tempo e reabastecer duas vezes
	if now.Before(c.lastSeen) {
		now = c.lastSeen
	}
	allowed := c.bucket.AllowN(now, 1)
	tokens := c.bucket.TokensAt(now)

	res := domain.CheckResult{Allowed: allowed, Remaining: max(int(math.Floor(tokens)), 0)}
	if !allowed {
		missing := 1 - tokens
		res.RetryAfter = time.Duration(missing / float64(c.bucket.Limit()) * float64(time.Second))
	}
	return res
}

// Sweep remove contadores sem uso há mais de idleMultiple janelas.
// Usa o mesmo lock de shard que Check, então nunca remove uma chave no meio de uma atualização.
func (e *CounterEngine) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k, c := range sh.entries {
			idle := time.Duration(e.idleMultiple*c.def.WindowSeconds) * time.Second
			if now.Sub(c.lastSeen) > idle {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Invalidate descarta todos os contadores das regras informadas.
func (e *CounterEngine) Invalidate(codes ...string) {
	if len(codes) == 0 {
		return
	}
	set := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			if _, ok := set[k.rule]; ok {
				delete(sh.entries, k)
			}
		}
		sh.mu.Unlock()
	}
}

// Counts devolve, por código de regra, quantas chaves têm contador ativo.
func (e *CounterEngine) Counts() map[string]int {
	out := make(map[string]int)
	for _, sh := range e.shards {
		sh.mu.Lock()
		for k := range sh.entries {
			out[k.rule]++
		}
		sh.mu.Unlock()
	}
	return out
}

func (e *CounterEngine) Len() int {
	n := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// StartJanitor inicia uma goroutine que limpa contadores inativos periodicamente.
// Pare cancelando o contexto.
func (e *CounterEngine) StartJanitor(ctx DoneContext) {
	if e.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(e.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.Sweep(e.now())
			}
		}
	}()
}

// DoneContext é o mínimo necessário para aceitar context.Context sem importar context aqui.
// (Permite reuso em libs sem acoplar.)
type DoneContext interface {
	Done() <-chan struct{}
}
