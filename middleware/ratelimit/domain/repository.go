package domain

import (
	"context"
	"time"
)

// RuleSource é o mínimo que o RuleStore precisa da persistência.
type RuleSource interface {
	LoadRules(ctx context.Context) ([]Rule, error)
}

// BlacklistSource é o mínimo que o BlacklistStore precisa da persistência.
type BlacklistSource interface {
	LoadActiveEntries(ctx context.Context) ([]Entry, error)
}

type PageRequest struct {
	Page int `json:"page"`
	Size int `json:"size"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 500
)

// Normalize aplica defaults: página 1, tamanho DefaultPageSize, teto MaxPageSize.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p PageRequest) Offset() int { return (p.Page - 1) * p.Size }

type Page[T any] struct {
	Total   int `json:"total"`
	Records []T `json:"records"`
}

type RuleFilter struct {
	Name   string
	Code   string
	Mode   Mode
	Status Status
}

type EntryFilter struct {
	IP     string
	Source Source
	Status EntryStatus
}

// RuleRepository é a persistência das regras usada pela fachada de administração.
type RuleRepository interface {
	RuleSource
	ListRules(ctx context.Context, f RuleFilter, p PageRequest) (Page[Rule], error)
	GetRule(ctx context.Context, id string) (Rule, error)
	CreateRule(ctx context.Context, r Rule) (Rule, error)
	UpdateRule(ctx context.Context, r Rule) (Rule, error)
	DeleteRule(ctx context.Context, id string) error
}

// BlacklistRepository é a persistência da blacklist.
type BlacklistRepository interface {
	BlacklistSource
	ListEntries(ctx context.Context, f EntryFilter, p PageRequest) (Page[Entry], error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	CreateEntry(ctx context.Context, e Entry) (Entry, error)
	UpdateEntry(ctx context.Context, e Entry) (Entry, error)
	DeleteEntry(ctx context.Context, id string) error
	// UpsertAuto grava (ou substitui) a entrada AUTO ativa do IP; uma MANUAL ativa não é alterada.
	UpsertAuto(ctx context.Context, e Entry) (Entry, error)
	// MarkUnblocked marca como UNBLOCKED as entradas ativas do IP; retorna quantas mudaram.
	MarkUnblocked(ctx context.Context, ip string) (int, error)
	// ExpireEntries marca como UNBLOCKED as entradas ativas com expiresAt <= now.
	ExpireEntries(ctx context.Context, now time.Time) (int, error)
}
