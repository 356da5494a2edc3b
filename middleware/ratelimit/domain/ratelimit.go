package domain

// Camada de domínio do rate limit.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"strings"
	"time"
)

type Mode string

const (
	ModeFixedWindow   Mode = "FIXED_WINDOW"
	ModeSlidingWindow Mode = "SLIDING_WINDOW"
	ModeTokenBucket   Mode = "TOKEN_BUCKET"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeFixedWindow, ModeSlidingWindow, ModeTokenBucket:
		return true
	}
	return false
}

type Scope string

const (
	ScopePerIP    Scope = "PER_IP"
	ScopePerUser  Scope = "PER_USER"
	ScopePerRoute Scope = "PER_ROUTE"
	ScopeGlobal   Scope = "GLOBAL"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopePerIP, ScopePerUser, ScopePerRoute, ScopeGlobal:
		return true
	}
	return false
}

type Action string

const (
	ActionReject             Action = "REJECT"
	ActionRejectAndBlacklist Action = "REJECT_AND_BLACKLIST"
)

func (a Action) Valid() bool {
	return a == ActionReject || a == ActionRejectAndBlacklist
}

type Status string

const (
	StatusEnabled  Status = "ENABLED"
	StatusDisabled Status = "DISABLED"
)

func (s Status) Valid() bool {
	return s == StatusEnabled || s == StatusDisabled
}

// Rule é a definição persistida de uma regra de rate limit.
//
// Code é a chave estável usada pelos contadores; ID é apenas a identidade no
// armazenamento (usada pela API de administração).
type Rule struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`
	Name             string    `json:"name"`
	Mode             Mode      `json:"mode"`
	Limit            int       `json:"limit"`
	WindowSeconds    int       `json:"windowSeconds"`
	Scope            Scope     `json:"scope"`
	Status           Status    `json:"status"`
	Action           Action    `json:"action"`
	BlacklistSeconds int       `json:"blacklistSeconds"`
	Remark           string    `json:"remark,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (r Rule) Enabled() bool { return r.Status == StatusEnabled }

func (r Rule) Window() time.Duration { return time.Duration(r.WindowSeconds) * time.Second }

// BlacklistDuration retorna 0 para bloqueio permanente.
func (r Rule) BlacklistDuration() time.Duration {
	return time.Duration(r.BlacklistSeconds) * time.Second
}

// Definition é a parte da regra que muda a semântica dos contadores.
// Dois Rule com a mesma Definition podem compartilhar contadores.
type Definition struct {
	Mode          Mode
	Limit         int
	WindowSeconds int
	Scope         Scope
}

func (r Rule) Definition() Definition {
	return Definition{Mode: r.Mode, Limit: r.Limit, WindowSeconds: r.WindowSeconds, Scope: r.Scope}
}

// Validate aplica os invariantes da regra (limit > 0, windowSeconds > 0, enums válidos).
func (r Rule) Validate() error {
	fail := func(field, reason string) error {
		return &ConfigurationError{Code: r.Code, Field: field, Reason: reason}
	}
	switch {
	case strings.TrimSpace(r.Code) == "":
		return fail("code", "is required")
	case strings.TrimSpace(r.Name) == "":
		return fail("name", "is required")
	case !r.Mode.Valid():
		return fail("mode", "unknown mode "+string(r.Mode))
	case r.Limit <= 0:
		return fail("limit", "must be > 0")
	case r.WindowSeconds <= 0:
		return fail("windowSeconds", "must be > 0")
	case !r.Scope.Valid():
		return fail("scope", "unknown scope "+string(r.Scope))
	case !r.Status.Valid():
		return fail("status", "unknown status "+string(r.Status))
	case !r.Action.Valid():
		return fail("action", "unknown action "+string(r.Action))
	case r.BlacklistSeconds < 0:
		return fail("blacklistSeconds", "must be >= 0")
	}
	return nil
}

// RequestKey identifica a requisição sendo avaliada.
// UserID e RouteCode são opcionais (string vazia = ausente).
type RequestKey struct {
	IP        string
	UserID    string
	RouteCode string
}

// GlobalScopeKey é a chave constante usada por regras GLOBAL.
const GlobalScopeKey = "*"

// ScopeKey deriva a chave do contador a partir do escopo da regra.
// ok=false quando a requisição não tem o campo exigido (a regra é ignorada).
func (k RequestKey) ScopeKey(scope Scope) (string, bool) {
	var v string
	switch scope {
	case ScopeGlobal:
		return GlobalScopeKey, true
	case ScopePerIP:
		v = k.IP
	case ScopePerUser:
		v = k.UserID
	case ScopePerRoute:
		v = k.RouteCode
	default:
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

type Outcome string

const (
	OutcomeAllow  Outcome = "ALLOW"
	OutcomeReject Outcome = "REJECT"
)

type Reason string

const (
	ReasonNone        Reason = ""
	ReasonBlacklisted Reason = "BLACKLISTED"
	ReasonRateLimited Reason = "RATE_LIMITED"
)

type Decision struct {
	Outcome Outcome
	Reason  Reason
	// Rule é a regra que rejeitou a requisição (nil quando permitida ou bloqueada pela blacklist).
	Rule *Rule
	// Remaining é a menor cota restante entre as regras avaliadas (-1 se nenhuma regra se aplicou).
	Remaining int
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// CheckResult é o retorno de um contador para uma única regra/chave.
type CheckResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Evaluator é o contrato consumido pelo pipeline HTTP: uma chamada síncrona por requisição.
type Evaluator interface {
	Evaluate(key RequestKey) Decision
}
