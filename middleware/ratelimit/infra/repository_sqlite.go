package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"admission-gateway/middleware/ratelimit/domain"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

type migration struct {
	version     string
	description string
	sql         string
}

// migrations são aplicadas em ordem de versão e registradas em schema_migrations.
var migrations = []migration{
	{
		version:     "001",
		description: "rate_limit_rule",
		sql: `
			CREATE TABLE rate_limit_rule (
				id                TEXT PRIMARY KEY,
				code              TEXT NOT NULL UNIQUE,
				name              TEXT NOT NULL,
				mode              TEXT NOT NULL,
				limit_count       INTEGER NOT NULL,
				window_seconds    INTEGER NOT NULL,
				scope             TEXT NOT NULL,
				status            TEXT NOT NULL,
				action            TEXT NOT NULL,
				blacklist_seconds INTEGER NOT NULL DEFAULT 0,
				remark            TEXT NOT NULL DEFAULT '',
				created_at        INTEGER NOT NULL,
				updated_at        INTEGER NOT NULL
			);
			CREATE INDEX idx_rate_limit_rule_status ON rate_limit_rule(status);
		`,
	},
	{
		version:     "002",
		description: "ip_blacklist",
		sql: `
			CREATE TABLE ip_blacklist (
				id         TEXT PRIMARY KEY,
				ip         TEXT NOT NULL,
				source     TEXT NOT NULL,
				reason     TEXT NOT NULL DEFAULT '',
				status     TEXT NOT NULL,
				expires_at INTEGER,
				rule_code  TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);
			CREATE UNIQUE INDEX idx_ip_blacklist_active_ip ON ip_blacklist(ip) WHERE status = 'ACTIVE';
			CREATE INDEX idx_ip_blacklist_status_expires ON ip_blacklist(status, expires_at);
		`,
	},
}

// SQLiteRepository persiste regras e blacklist em SQLite (mattn/go-sqlite3).
//
// Leituras são concorrentes (WAL); escritas passam por writeMu para evitar
// SQLITE_BUSY entre conexões do pool.
type SQLiteRepository struct {
	db      *sql.DB
	writeMu sync.Mutex
	now     func() time.Time
}

type SQLiteOption func(*SQLiteRepository)

func WithSQLiteClock(now func() time.Time) SQLiteOption {
	return func(r *SQLiteRepository) { r.now = now }
}

// OpenSQLite abre (ou cria) o banco em path e aplica as migrações pendentes.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(10 * time.Minute)

	r := &SQLiteRepository{db: db, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

func (r *SQLiteRepository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return fmt.Errorf("apply migration %s_%s: %w", m.version, m.description, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.sql); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.version, m.description, r.now().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// where monta a cláusula WHERE a partir de pares (condição, argumento) não vazios.
type where struct {
	conds []string
	args  []any
}

func (w *where) eq(col, v string) {
	if v != "" {
		w.conds = append(w.conds, col+" = ?")
		w.args = append(w.args, v)
	}
}

func (w *where) like(col, v string) {
	if v = strings.TrimSpace(v); v != "" {
		w.conds = append(w.conds, col+" LIKE ?")
		w.args = append(w.args, "%"+v+"%")
	}
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

// ---- regras ----

const ruleColumns = `id, code, name, mode, limit_count, window_seconds, scope, status, action,
	blacklist_seconds, remark, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (domain.Rule, error) {
	var r domain.Rule
	var created, updated int64
	err := s.Scan(&r.ID, &r.Code, &r.Name, &r.Mode, &r.Limit, &r.WindowSeconds, &r.Scope, &r.Status,
		&r.Action, &r.BlacklistSeconds, &r.Remark, &created, &updated)
	if err != nil {
		return domain.Rule{}, err
	}
	r.CreatedAt, r.UpdatedAt = fromNanos(created), fromNanos(updated)
	return r, nil
}

func (r *SQLiteRepository) LoadRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM rate_limit_rule ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var out []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListRules(ctx context.Context, f domain.RuleFilter, p domain.PageRequest) (domain.Page[domain.Rule], error) {
	p = p.Normalize()
	w := &where{}
	w.like("name", f.Name)
	w.like("code", f.Code)
	w.eq("mode", string(f.Mode))
	w.eq("status", string(f.Status))

	var page domain.Page[domain.Rule]
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rate_limit_rule`+w.String(), w.args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count rules: %w", err)
	}

	args := append(w.args, p.Size, p.Offset())
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rate_limit_rule`+w.String()+` ORDER BY code LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return page, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	page.Records = make([]domain.Rule, 0, p.Size)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return page, fmt.Errorf("scan rule: %w", err)
		}
		page.Records = append(page.Records, rule)
	}
	return page, rows.Err()
}

func (r *SQLiteRepository) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	rule, err := scanRule(r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rate_limit_rule WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Rule{}, domain.NotFound("rule", id)
	}
	return rule, err
}

func (r *SQLiteRepository) CreateRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := r.now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err := r.db.ExecContext(ctx, `INSERT INTO rate_limit_rule (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Code, rule.Name, rule.Mode, rule.Limit, rule.WindowSeconds, rule.Scope, rule.Status,
		rule.Action, rule.BlacklistSeconds, rule.Remark, now.UnixNano(), now.UnixNano())
	if isUniqueViolation(err) {
		return domain.Rule{}, &domain.ConfigurationError{Code: rule.Code, Field: "code", Reason: "already exists"}
	}
	if err != nil {
		return domain.Rule{}, fmt.Errorf("insert rule: %w", err)
	}
	return rule, nil
}

func (r *SQLiteRepository) UpdateRule(ctx context.Context, rule domain.Rule) (domain.Rule, error) {
	now := r.now().UTC()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	res, err := r.db.ExecContext(ctx, `UPDATE rate_limit_rule SET code = ?, name = ?, mode = ?, limit_count = ?,
		window_seconds = ?, scope = ?, status = ?, action = ?, blacklist_seconds = ?, remark = ?, updated_at = ?
		WHERE id = ?`,
		rule.Code, rule.Name, rule.Mode, rule.Limit, rule.WindowSeconds, rule.Scope, rule.Status, rule.Action,
		rule.BlacklistSeconds, rule.Remark, now.UnixNano(), rule.ID)
	if isUniqueViolation(err) {
		return domain.Rule{}, &domain.ConfigurationError{Code: rule.Code, Field: "code", Reason: "already exists"}
	}
	if err != nil {
		return domain.Rule{}, fmt.Errorf("update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Rule{}, domain.NotFound("rule", rule.ID)
	}
	return scanRule(r.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM rate_limit_rule WHERE id = ?`, rule.ID))
}

func (r *SQLiteRepository) DeleteRule(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_rule WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("rule", id)
	}
	return nil
}

// ---- blacklist ----

const entryColumns = `id, ip, source, reason, status, expires_at, rule_code, created_at, updated_at`

func scanEntry(s scanner) (domain.Entry, error) {
	var e domain.Entry
	var expires sql.NullInt64
	var created, updated int64
	if err := s.Scan(&e.ID, &e.IP, &e.Source, &e.Reason, &e.Status, &expires, &e.RuleCode, &created, &updated); err != nil {
		return domain.Entry{}, err
	}
	if expires.Valid {
		t := fromNanos(expires.Int64)
		e.ExpiresAt = &t
	}
	e.CreatedAt, e.UpdatedAt = fromNanos(created), fromNanos(updated)
	return e, nil
}

func expiresArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func (r *SQLiteRepository) queryEntries(ctx context.Context, query string, args ...any) ([]domain.Entry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) LoadActiveEntries(ctx context.Context) ([]domain.Entry, error) {
	out, err := r.queryEntries(ctx, `SELECT `+entryColumns+` FROM ip_blacklist WHERE status = 'ACTIVE'`)
	if err != nil {
		return nil, fmt.Errorf("load active entries: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) ListEntries(ctx context.Context, f domain.EntryFilter, p domain.PageRequest) (domain.Page[domain.Entry], error) {
	p = p.Normalize()
	w := &where{}
	w.like("ip", f.IP)
	w.eq("source", string(f.Source))
	w.eq("status", string(f.Status))

	var page domain.Page[domain.Entry]
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ip_blacklist`+w.String(), w.args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count entries: %w", err)
	}
	args := append(w.args, p.Size, p.Offset())
	records, err := r.queryEntries(ctx,
		`SELECT `+entryColumns+` FROM ip_blacklist`+w.String()+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return page, fmt.Errorf("list entries: %w", err)
	}
	page.Records = records
	return page, nil
}

func (r *SQLiteRepository) GetEntry(ctx context.Context, id string) (domain.Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ip_blacklist WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Entry{}, domain.NotFound("blacklist entry", id)
	}
	return e, err
}

func activeConflict(e domain.Entry) error {
	return &domain.ConfigurationError{Code: e.IP, Field: "ip", Reason: "already has an active entry"}
}

func (r *SQLiteRepository) CreateEntry(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := r.now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_, err := r.db.ExecContext(ctx, `INSERT INTO ip_blacklist (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.IP, e.Source, e.Reason, e.Status, expiresArg(e.ExpiresAt), e.RuleCode, now.UnixNano(), now.UnixNano())
	if isUniqueViolation(err) {
		return domain.Entry{}, activeConflict(e)
	}
	if err != nil {
		return domain.Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) UpdateEntry(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	now := r.now().UTC()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	res, err := r.db.ExecContext(ctx, `UPDATE ip_blacklist SET ip = ?, source = ?, reason = ?, status = ?,
		expires_at = ?, rule_code = ?, updated_at = ? WHERE id = ?`,
		e.IP, e.Source, e.Reason, e.Status, expiresArg(e.ExpiresAt), e.RuleCode, now.UnixNano(), e.ID)
	if isUniqueViolation(err) {
		return domain.Entry{}, activeConflict(e)
	}
	if err != nil {
		return domain.Entry{}, fmt.Errorf("update entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Entry{}, domain.NotFound("blacklist entry", e.ID)
	}
	return scanEntry(r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM ip_blacklist WHERE id = ?`, e.ID))
}

func (r *SQLiteRepository) DeleteEntry(ctx context.Context, id string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	res, err := r.db.ExecContext(ctx, `DELETE FROM ip_blacklist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NotFound("blacklist entry", id)
	}
	return nil
}

// UpsertAuto substitui a entrada AUTO ativa do IP (se houver) pela nova.
// Uma entrada MANUAL ativa é mantida como está e devolvida.
func (r *SQLiteRepository) UpsertAuto(ctx context.Context, e domain.Entry) (domain.Entry, error) {
	now := r.now().UTC()
	e.Source, e.Status = domain.SourceAuto, domain.EntryActive
	e.UpdatedAt = now

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Entry{}, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanEntry(tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ip_blacklist WHERE ip = ? AND status = 'ACTIVE'`, e.IP))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.CreatedAt = now
		_, err = tx.ExecContext(ctx, `INSERT INTO ip_blacklist (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.IP, e.Source, e.Reason, e.Status, expiresArg(e.ExpiresAt), e.RuleCode, now.UnixNano(), now.UnixNano())
	case err == nil && existing.Source == domain.SourceManual:
		return existing, nil
	case err == nil:
		e.ID, e.CreatedAt = existing.ID, existing.CreatedAt
		_, err = tx.ExecContext(ctx, `UPDATE ip_blacklist SET source = ?, reason = ?, expires_at = ?, rule_code = ?,
			updated_at = ? WHERE id = ?`,
			e.Source, e.Reason, expiresArg(e.ExpiresAt), e.RuleCode, now.UnixNano(), e.ID)
	}
	if err != nil {
		return domain.Entry{}, fmt.Errorf("upsert auto entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Entry{}, err
	}
	return e, nil
}

func (r *SQLiteRepository) MarkUnblocked(ctx context.Context, ip string) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	res, err := r.db.ExecContext(ctx,
		`UPDATE ip_blacklist SET status = 'UNBLOCKED', updated_at = ? WHERE ip = ? AND status = 'ACTIVE'`,
		r.now().UTC().UnixNano(), ip)
	if err != nil {
		return 0, fmt.Errorf("mark unblocked: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *SQLiteRepository) ExpireEntries(ctx context.Context, now time.Time) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	res, err := r.db.ExecContext(ctx, `UPDATE ip_blacklist SET status = 'UNBLOCKED', updated_at = ?
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= ?`,
		r.now().UTC().UnixNano(), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
