package infra

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
)

// MemoryRepository guarda regras e blacklist em mapas; usado em testes e no example-server.
// Segue as mesmas regras de unicidade do SQLiteRepository.
type MemoryRepository struct {
	mu      sync.RWMutex
	rules   map[string]domain.Rule
	entries map[string]domain.Entry
	now     func() time.Time

	// failLoads faz LoadRules/LoadActiveEntries falharem (simula banco fora do ar).
	failLoads error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		rules:   make(map[string]domain.Rule),
		entries: make(map[string]domain.Entry),
		now:     time.Now,
	}
}

func (m *MemoryRepository) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// FailLoads faz as próximas cargas devolverem err (nil volta ao normal).
func (m *MemoryRepository) FailLoads(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failLoads = err
}

func paginate[T any](all []T, p domain.PageRequest) domain.Page[T] {
	p = p.Normalize()
	page := domain.Page[T]{Total: len(all), Records: []T{}}
	if off := p.Offset(); off < len(all) {
		page.Records = all[off:min(off+p.Size, len(all))]
	}
	return page
}

func containsFold(s, sub string) bool {
	sub = strings.TrimSpace(sub)
	return sub == "" || strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func (m *MemoryRepository) LoadRules(context.Context) ([]domain.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failLoads != nil {
		return nil, m.failLoads
	}
	out := make([]domain.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b domain.Rule) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}

func (m *MemoryRepository) ListRules(ctx context.Context, f domain.RuleFilter, p domain.PageRequest) (domain.Page[domain.Rule], error) {
	m.mu.RLock()
	all := make([]domain.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		if !containsFold(r.Name, f.Name) || !containsFold(r.Code, f.Code) {
			continue
		}
		if (f.Mode != "" && r.Mode != f.Mode) || (f.Status != "" && r.Status != f.Status) {
			continue
		}
		all = append(all, r)
	}
	m.mu.RUnlock()
	slices.SortFunc(all, func(a, b domain.Rule) int { return strings.Compare(a.Code, b.Code) })
	return paginate(all, p), nil
}

func (m *MemoryRepository) GetRule(_ context.Context, id string) (domain.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return domain.Rule{}, domain.NotFound("rule", id)
	}
	return r, nil
}

func (m *MemoryRepository) codeTaken(code, exceptID string) bool {
	for id, r := range m.rules {
		if id != exceptID && r.Code == code {
			return true
		}
	}
	return false
}

func (m *MemoryRepository) CreateRule(_ context.Context, r domain.Rule) (domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.codeTaken(r.Code, "") {
		return domain.Rule{}, &domain.ConfigurationError{Code: r.Code, Field: "code", Reason: "already exists"}
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := m.now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryRepository) UpdateRule(_ context.Context, r domain.Rule) (domain.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.rules[r.ID]
	if !ok {
		return domain.Rule{}, domain.NotFound("rule", r.ID)
	}
	if m.codeTaken(r.Code, r.ID) {
		return domain.Rule{}, &domain.ConfigurationError{Code: r.Code, Field: "code", Reason: "already exists"}
	}
	r.CreatedAt, r.UpdatedAt = old.CreatedAt, m.now().UTC()
	m.rules[r.ID] = r
	return r, nil
}

func (m *MemoryRepository) DeleteRule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return domain.NotFound("rule", id)
	}
	delete(m.rules, id)
	return nil
}

func (m *MemoryRepository) LoadActiveEntries(context.Context) ([]domain.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failLoads != nil {
		return nil, m.failLoads
	}
	out := make([]domain.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.Active() {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemoryRepository) ListEntries(_ context.Context, f domain.EntryFilter, p domain.PageRequest) (domain.Page[domain.Entry], error) {
	m.mu.RLock()
	all := make([]domain.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if !containsFold(e.IP, f.IP) {
			continue
		}
		if (f.Source != "" && e.Source != f.Source) || (f.Status != "" && e.Status != f.Status) {
			continue
		}
		all = append(all, e)
	}
	m.mu.RUnlock()
	slices.SortFunc(all, func(a, b domain.Entry) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return paginate(all, p), nil
}

func (m *MemoryRepository) GetEntry(_ context.Context, id string) (domain.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.Entry{}, domain.NotFound("blacklist entry", id)
	}
	return e, nil
}

func (m *MemoryRepository) activeFor(ip, exceptID string) (domain.Entry, bool) {
	for id, e := range m.entries {
		if id != exceptID && e.IP == ip && e.Active() {
			return e, true
		}
	}
	return domain.Entry{}, false
}

func (m *MemoryRepository) CreateEntry(_ context.Context, e domain.Entry) (domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.activeFor(e.IP, ""); dup && e.Active() {
		return domain.Entry{}, activeConflict(e)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := m.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryRepository) UpdateEntry(_ context.Context, e domain.Entry) (domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.entries[e.ID]
	if !ok {
		return domain.Entry{}, domain.NotFound("blacklist entry", e.ID)
	}
	if _, dup := m.activeFor(e.IP, e.ID); dup && e.Active() {
		return domain.Entry{}, activeConflict(e)
	}
	e.CreatedAt, e.UpdatedAt = old.CreatedAt, m.now().UTC()
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryRepository) DeleteEntry(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[id]; !ok {
		return domain.NotFound("blacklist entry", id)
	}
	delete(m.entries, id)
	return nil
}

func (m *MemoryRepository) UpsertAuto(_ context.Context, e domain.Entry) (domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	e.Source, e.Status, e.UpdatedAt = domain.SourceAuto, domain.EntryActive, now
	if existing, ok := m.activeFor(e.IP, ""); ok {
		if existing.Source == domain.SourceManual {
			return existing, nil
		}
		e.ID, e.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
	}
	m.entries[e.ID] = e
	return e, nil
}

func (m *MemoryRepository) MarkUnblocked(_ context.Context, ip string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.IP == ip && e.Active() {
			e.Status, e.UpdatedAt = domain.EntryUnblocked, m.now().UTC()
			m.entries[id] = e
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ExpireEntries(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.entries {
		if e.Active() && e.Expired(now) {
			e.Status, e.UpdatedAt = domain.EntryUnblocked, m.now().UTC()
			m.entries[id] = e
			n++
		}
	}
	return n, nil
}
