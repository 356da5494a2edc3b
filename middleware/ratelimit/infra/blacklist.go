package infra

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"
)

type prefixEntry struct {
	prefix netip.Prefix
	entry  domain.Entry
}

type journalOp struct {
	add   bool
	key   string
	entry domain.Entry
}

// BlacklistStore é o cache em memória das entradas ativas da blacklist.
//
// Leitura é O(1) para IPs exatos; prefixos CIDR são verificados em seguida.
// Add/Remove valem imediatamente, sem esperar reload. Entradas expiradas
// deixam de bloquear no instante do expiresAt, mesmo antes da limpeza.
type BlacklistStore struct {
	source domain.BlacklistSource

	reloadMu sync.Mutex

	mu       sync.RWMutex
	exact    map[string]domain.Entry
	prefixes map[string]prefixEntry
	// journal guarda Add/Remove feitos durante um reload para reaplicar no snapshot novo.
	journal []journalOp

	now func() time.Time
}

type BlacklistStoreOption func(*BlacklistStore)

func WithBlacklistClock(now func() time.Time) BlacklistStoreOption {
	return func(s *BlacklistStore) { s.now = now }
}

func NewBlacklistStore(source domain.BlacklistSource, opts ...BlacklistStoreOption) *BlacklistStore {
	s := &BlacklistStore{
		source:   source,
		exact:    make(map[string]domain.Entry),
		prefixes: make(map[string]prefixEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload troca o snapshot pelas entradas ativas e não expiradas da fonte.
// Se a fonte falhar, retorna *domain.ReloadError e mantém o snapshot atual.
func (s *BlacklistStore) Reload(ctx context.Context) (domain.ReloadResult, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.Lock()
	s.journal = make([]journalOp, 0)
	s.mu.Unlock()

	rows, err := s.source.LoadActiveEntries(ctx)
	if err != nil {
		s.mu.Lock()
		s.journal = nil
		s.mu.Unlock()
		return domain.ReloadResult{}, &domain.ReloadError{Store: "blacklist", Err: err}
	}

	now := s.now()
	res := domain.ReloadResult{Store: "blacklist", At: now}
	exact := make(map[string]domain.Entry, len(rows))
	prefixes := make(map[string]prefixEntry)
	for _, e := range rows {
		if !e.BlocksAt(now) {
			continue
		}
		key, err := domain.NormalizeIP(e.IP)
		if err != nil {
			res.Rejected = append(res.Rejected, &domain.ConfigurationError{Code: e.IP, Field: "ip", Reason: err.Error()})
			continue
		}
		e.IP = key
		put(exact, prefixes, key, e)
	}

	s.mu.Lock()
	for _, op := range s.journal {
		if op.add {
			put(exact, prefixes, op.key, op.entry)
		} else {
			delete(exact, op.key)
			delete(prefixes, op.key)
		}
	}
	s.journal = nil
	s.exact, s.prefixes = exact, prefixes
	res.Loaded = len(exact) + len(prefixes)
	s.mu.Unlock()

	return res, nil
}

func put(exact map[string]domain.Entry, prefixes map[string]prefixEntry, key string, e domain.Entry) {
	if strings.Contains(key, "/") {
		prefixes[key] = prefixEntry{prefix: netip.MustParsePrefix(key), entry: e}
		return
	}
	exact[key] = e
}

// IsBlocked informa se o IP está bloqueado agora.
func (s *BlacklistStore) IsBlocked(ip string) bool {
	_, ok := s.Lookup(ip)
	return ok
}

// Lookup devolve a entrada que bloqueia o IP agora, se houver.
func (s *BlacklistStore) Lookup(ip string) (domain.Entry, bool) {
	key := strings.TrimSpace(ip)
	addr, err := netip.ParseAddr(key)
	if err == nil {
		addr = addr.Unmap().WithZone("")
		key = addr.String()
	}
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	if e, ok := s.exact[key]; ok && e.BlocksAt(now) {
		return e, true
	}
	if err != nil {
		return domain.Entry{}, false
	}
	for _, p := range s.prefixes {
		if p.prefix.Contains(addr) && p.entry.BlocksAt(now) {
			return p.entry, true
		}
	}
	return domain.Entry{}, false
}

// Add insere ou substitui (last-write-wins) a entrada do IP. Entradas não ativas são ignoradas.
func (s *BlacklistStore) Add(e domain.Entry) error {
	key, err := domain.NormalizeIP(e.IP)
	if err != nil {
		return &domain.ConfigurationError{Code: e.IP, Field: "ip", Reason: err.Error()}
	}
	if !e.Active() {
		return nil
	}
	e.IP = key

	s.mu.Lock()
	defer s.mu.Unlock()
	put(s.exact, s.prefixes, key, e)
	if s.journal != nil {
		s.journal = append(s.journal, journalOp{add: true, key: key, entry: e})
	}
	return nil
}

// Remove tira o IP da blacklist em memória; retorna false se ele não estava lá.
func (s *BlacklistStore) Remove(ip string) bool {
	key, err := domain.NormalizeIP(ip)
	if err != nil {
		key = strings.TrimSpace(ip)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, inExact := s.exact[key]
	_, inPrefixes := s.prefixes[key]
	delete(s.exact, key)
	delete(s.prefixes, key)
	if s.journal != nil {
		s.journal = append(s.journal, journalOp{key: key})
	}
	return inExact || inPrefixes
}

// SweepExpired remove da memória as entradas vencidas e retorna quantas saíram.
func (s *BlacklistStore) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.exact {
		if e.Expired(now) {
			delete(s.exact, k)
			n++
		}
	}
	for k, p := range s.prefixes {
		if p.entry.Expired(now) {
			delete(s.prefixes, k)
			n++
		}
	}
	return n
}

func (s *BlacklistStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.exact) + len(s.prefixes)
}
