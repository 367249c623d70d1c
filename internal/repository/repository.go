// Package repository provides the rule catalog store.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
)

// SQLRepository implements domain.RuleStore using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New opens the rule catalog described by cfg and applies the schema.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	driver, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s catalog: %w", driver, err)
	}

	maxOpen, maxIdle, lifetime := poolSettings(cfg)
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach %s catalog: %w", driver, err)
	}

	repo := &SQLRepository{
		db:     db,
		driver: driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const upsertRule = `
	INSERT INTO rule_configs (
		id, kind, group_name, name, expression, points, reason, position, enabled, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		kind = excluded.kind,
		group_name = excluded.group_name,
		name = excluded.name,
		expression = excluded.expression,
		points = excluded.points,
		reason = excluded.reason,
		position = excluded.position,
		enabled = excluded.enabled,
		updated_at = excluded.updated_at
`

const selectRule = `
	SELECT id, kind, group_name, name, expression, points, reason, position, enabled, created_at, updated_at
	FROM rule_configs
`

// SaveRule inserts or updates a rule by ID.
func (r *SQLRepository) SaveRule(ctx context.Context, rule *domain.RuleConfig) error {
	if err := checkRule(rule); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.rebind(upsertRule), ruleArgs(rule, now)...)
	return err
}

// SeedRules inserts rules only if the catalog is empty.
func (r *SQLRepository) SeedRules(ctx context.Context, rules []*domain.RuleConfig) (int, error) {
	for _, rule := range rules {
		if err := checkRule(rule); err != nil {
			return 0, err
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM rule_configs").Scan(&count); err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	query := r.rebind(upsertRule)
	for _, rule := range rules {
		if _, err := tx.ExecContext(ctx, query, ruleArgs(rule, now)...); err != nil {
			return 0, fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rules), nil
}

// GetRule retrieves a rule by ID, enabled or not.
func (r *SQLRepository) GetRule(ctx context.Context, id string) (*domain.RuleConfig, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(selectRule+" WHERE id = ?"), id)

	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules retrieves every rule ordered by kind and position.
// Disabled rules are included.
func (r *SQLRepository) ListRules(ctx context.Context) ([]*domain.RuleConfig, error) {
	rows, err := r.db.QueryContext(ctx, selectRule+" ORDER BY kind, position, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.RuleConfig
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (*domain.RuleConfig, error) {
	var rule domain.RuleConfig
	var kind string
	var enabled int

	if err := s.Scan(
		&rule.ID, &kind, &rule.Group, &rule.Name, &rule.Expression,
		&rule.Points, &rule.Reason, &rule.Position, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Kind = domain.RuleKind(kind)
	rule.Enabled = enabled == 1
	return &rule, nil
}

func ruleArgs(rule *domain.RuleConfig, now time.Time) []any {
	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	return []any{
		rule.ID, string(rule.Kind), rule.Group, rule.Name, rule.Expression,
		rule.Points, rule.Reason, rule.Position, enabled,
		now, now,
	}
}

func checkRule(rule *domain.RuleConfig) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", ErrInvalidInput)
	}
	if rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}
	if rule.Expression == "" {
		return fmt.Errorf("%w: rule %s has no expression", ErrInvalidInput, rule.ID)
	}
	return nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != driverPostgres {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = strconv.AppendInt(result, int64(n), 10)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
