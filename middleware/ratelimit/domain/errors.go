package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound é o sentinela para ids/IPs desconhecidos nas operações de administração.
var ErrNotFound = errors.New("not found")

// NotFoundError detalha qual recurso não foi encontrado; errors.Is(err, ErrNotFound) é verdadeiro.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

// ConfigurationError indica atributo ausente ou malformado em uma regra/entrada.
// Na carga, a regra é rejeitada e as demais continuam carregando.
type ConfigurationError struct {
	Code   string `json:"code"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e *ConfigurationError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: invalid %s: %s", e.Code, e.Field, e.Reason)
}

// ReloadError indica que a fonte persistida não pôde ser lida durante um reload.
// O snapshot anterior continua valendo.
type ReloadError struct {
	Store string
	Err   error
}

func (e *ReloadError) Error() string { return fmt.Sprintf("reload %s: %v", e.Store, e.Err) }

func (e *ReloadError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

func IsReloadError(err error) bool {
	var re *ReloadError
	return errors.As(err, &re)
}
