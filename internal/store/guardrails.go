package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/shared"
)

const guardrailColumns = `id, tenant_id, name, description, rules, is_active, created_at, updated_at`

func scanGuardrail(row rowScanner) (*domain.GuardrailConfig, error) {
	var g domain.GuardrailConfig
	var tenant sql.NullString
	var rules string
	var createdAt, updatedAt int64
	if err := row.Scan(&g.ID, &tenant, &g.Name, &g.Description, &rules, &g.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rules), &g.Rules); err != nil {
		return nil, fmt.Errorf("decode rules of %q: %w", g.Name, err)
	}
	g.Tenant = tenantFromColumn(tenant)
	g.CreatedAt = fromNano(createdAt)
	g.UpdatedAt = fromNano(updatedAt)
	return &g, nil
}

func encodeRules(rules []domain.GuardrailRule) (string, error) {
	if rules == nil {
		rules = []domain.GuardrailRule{}
	}
	b, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("encode rules: %w", err)
	}
	return string(b), nil
}

// CreateGuardrail inserts a guardrail config.
func (s *SQLiteStore) CreateGuardrail(ctx context.Context, cfg *domain.GuardrailConfig) error {
	rules, err := encodeRules(cfg.Rules)
	if err != nil {
		return err
	}
	now := s.now()
	cfg.CreatedAt, cfg.UpdatedAt = now, now

	return s.withTx(ctx, "create guardrail", func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO guardrail_configs (tenant_id, name, description, rules, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			cfg.Tenant.Value(), cfg.Name, cfg.Description, rules, boolInt(cfg.IsActive), toNano(now), toNano(now),
		).Scan(&cfg.ID)
		if shared.IsSQLiteUniqueError(err) {
			return domain.Errorf(domain.ErrDuplicateName, "guardrail config %q already exists in scope %s", cfg.Name, cfg.Tenant)
		}
		if err != nil {
			return fmt.Errorf("insert guardrail: %w", err)
		}
		return nil
	})
}

func getGuardrail(ctx context.Context, q queryer, tenant domain.Tenant, name string) (*domain.GuardrailConfig, error) {
	clause, args := tenantClause("tenant_id", tenant)
	row := q.QueryRowContext(ctx,
		`SELECT `+guardrailColumns+` FROM guardrail_configs WHERE name = ? AND `+clause,
		append([]any{name}, args...)...)
	g, err := scanGuardrail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrGuardrailNotFound, "guardrail config %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("scan guardrail: %w", err)
	}
	return g, nil
}

// GetGuardrail retrieves a config by name within tenant's scope.
func (s *SQLiteStore) GetGuardrail(ctx context.Context, tenant domain.Tenant, name string) (*domain.GuardrailConfig, error) {
	return getGuardrail(ctx, s.db, tenant, name)
}

// ListGuardrails lists configs in tenant's scope.
func (s *SQLiteStore) ListGuardrails(ctx context.Context, tenant domain.Tenant) ([]*domain.GuardrailConfig, error) {
	clause, args := tenantClause("tenant_id", tenant)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+guardrailColumns+` FROM guardrail_configs WHERE `+clause+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("query guardrails: %w", err)
	}
	defer closeRows(rows, "guardrail_configs")

	var out []*domain.GuardrailConfig
	for rows.Next() {
		g, err := scanGuardrail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan guardrail row: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate guardrails: %w", err)
	}
	return out, nil
}

// UpdateGuardrail applies patch in a single conditional UPDATE.
func (s *SQLiteStore) UpdateGuardrail(ctx context.Context, tenant domain.Tenant, name string, patch GuardrailPatch) (*domain.GuardrailConfig, error) {
	set := "updated_at = ?"
	args := []any{toNano(s.now())}
	if patch.Rules != nil {
		rules, err := encodeRules(patch.Rules)
		if err != nil {
			return nil, err
		}
		set += ", rules = ?"
		args = append(args, rules)
	}
	if patch.Description != nil {
		set += ", description = ?"
		args = append(args, *patch.Description)
	}
	if patch.IsActive != nil {
		set += ", is_active = ?"
		args = append(args, boolInt(*patch.IsActive))
	}

	var out *domain.GuardrailConfig
	err := s.withTx(ctx, "update guardrail", func(tx *sql.Tx) error {
		clause, scopeArgs := tenantClause("tenant_id", tenant)
		res, err := tx.ExecContext(ctx,
			`UPDATE guardrail_configs SET `+set+` WHERE name = ? AND `+clause,
			append(append(args, name), scopeArgs...)...)
		if err != nil {
			return fmt.Errorf("update guardrail: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.Errorf(domain.ErrGuardrailNotFound, "guardrail config %q not found", name)
		}
		out, err = getGuardrail(ctx, tx, tenant, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteGuardrail removes a config.
func (s *SQLiteStore) DeleteGuardrail(ctx context.Context, tenant domain.Tenant, name string) error {
	clause, args := tenantClause("tenant_id", tenant)
	res, err := s.exec(ctx, "delete guardrail",
		`DELETE FROM guardrail_configs WHERE name = ? AND `+clause, append([]any{name}, args...)...)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errorf(domain.ErrGuardrailNotFound, "guardrail config %q not found", name)
	}
	return nil
}
