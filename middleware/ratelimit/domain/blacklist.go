package domain

import (
	"net/netip"
	"strings"
	"time"
)

type Source string

const (
	SourceManual Source = "MANUAL"
	SourceAuto   Source = "AUTO"
)

func (s Source) Valid() bool { return s == SourceManual || s == SourceAuto }

type EntryStatus string

const (
	EntryActive    EntryStatus = "ACTIVE"
	EntryUnblocked EntryStatus = "UNBLOCKED"
)

func (s EntryStatus) Valid() bool { return s == EntryActive || s == EntryUnblocked }

// Entry é uma entrada da blacklist de IPs.
//
// IP pode ser um endereço (normalizado) ou um prefixo CIDR.
// ExpiresAt nil significa bloqueio permanente até desbloqueio manual.
type Entry struct {
	ID        string      `json:"id"`
	IP        string      `json:"ip"`
	Source    Source      `json:"source"`
	Reason    string      `json:"reason"`
	Status    EntryStatus `json:"status"`
	ExpiresAt *time.Time  `json:"expiresAt"`
	RuleCode  string      `json:"ruleCode,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (e Entry) Active() bool { return e.Status == EntryActive }

// Expired informa se a entrada já passou do expiresAt em `now`.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// BlocksAt informa se a entrada bloqueia em `now` (ativa e não expirada).
func (e Entry) BlocksAt(now time.Time) bool {
	return e.Active() && !e.Expired(now)
}

func (e Entry) Validate() error {
	fail := func(field, reason string) error {
		return &ConfigurationError{Code: e.IP, Field: field, Reason: reason}
	}
	if _, err := NormalizeIP(e.IP); err != nil {
		return fail("ip", err.Error())
	}
	if !e.Source.Valid() {
		return fail("source", "unknown source "+string(e.Source))
	}
	if !e.Status.Valid() {
		return fail("status", "unknown status "+string(e.Status))
	}
	return nil
}

// NormalizeIP devolve a forma canônica de um IP ou prefixo CIDR.
// Endereços IPv4 mapeados em IPv6 (::ffff:1.2.3.4) viram IPv4; prefixos são mascarados.
func NormalizeIP(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "/") {
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return "", err
		}
		if p.Addr().Is4In6() && p.Bits() >= 96 {
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		return p.Masked().String(), nil
	}
	a, err := netip.ParseAddr(raw)
	if err != nil {
		return "", err
	}
	return a.Unmap().WithZone("").String(), nil
}
