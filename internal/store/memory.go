package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashureev/promptdev/internal/domain"
)

// UpsertMemory writes a fact keyed by (tenant, user, key). The update and
// fallback insert share one write transaction.
func (s *SQLiteStore) UpsertMemory(ctx context.Context, fact *domain.MemoryFact) error {
	value, err := domain.EncodeMemoryValue(fact.Value)
	if err != nil {
		return domain.WithCause(domain.ErrInvalidInput, err)
	}
	fact.UpdatedAt = s.now()
	at := toNano(fact.UpdatedAt)

	return s.withTx(ctx, "upsert memory", func(tx *sql.Tx) error {
		clause, args := tenantClause("tenant_id", fact.Tenant)
		res, err := tx.ExecContext(ctx,
			`UPDATE memory_facts SET value = ?, updated_at = ? WHERE user_id = ? AND key = ? AND `+clause,
			append([]any{string(value), at, fact.UserID, fact.Key}, args...)...)
		if err != nil {
			return fmt.Errorf("update memory: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO memory_facts (tenant_id, user_id, key, value, updated_at) VALUES (?, ?, ?, ?, ?)`,
			fact.Tenant.Value(), fact.UserID, fact.Key, string(value), at,
		); err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		return nil
	})
}

func scanMemory(row rowScanner, tenant domain.Tenant) (*domain.MemoryFact, error) {
	var f domain.MemoryFact
	var value string
	var updatedAt int64
	if err := row.Scan(&f.UserID, &f.Key, &value, &updatedAt); err != nil {
		return nil, err
	}
	v, err := domain.DecodeMemoryValue([]byte(value))
	if err != nil {
		return nil, err
	}
	f.Tenant = tenant
	f.Value = v
	f.UpdatedAt = fromNano(updatedAt)
	return &f, nil
}

// GetMemory retrieves one fact.
func (s *SQLiteStore) GetMemory(ctx context.Context, tenant domain.Tenant, userID, key string) (*domain.MemoryFact, error) {
	clause, args := tenantClause("tenant_id", tenant)
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, key, value, updated_at FROM memory_facts WHERE user_id = ? AND key = ? AND `+clause,
		append([]any{userID, key}, args...)...)
	f, err := scanMemory(row, tenant)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrMemoryNotFound, "memory %q not found for user %s", key, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	return f, nil
}

// ListMemory lists a user's facts ordered by key.
func (s *SQLiteStore) ListMemory(ctx context.Context, tenant domain.Tenant, userID string) ([]domain.MemoryFact, error) {
	clause, args := tenantClause("tenant_id", tenant)
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, key, value, updated_at FROM memory_facts WHERE user_id = ? AND `+clause+` ORDER BY key`,
		append([]any{userID}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer closeRows(rows, "memory_facts")

	var out []domain.MemoryFact
	for rows.Next() {
		f, err := scanMemory(rows, tenant)
		if err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory: %w", err)
	}
	return out, nil
}

// DeleteMemory removes one fact.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, tenant domain.Tenant, userID, key string) error {
	clause, args := tenantClause("tenant_id", tenant)
	res, err := s.exec(ctx, "delete memory",
		`DELETE FROM memory_facts WHERE user_id = ? AND key = ? AND `+clause,
		append([]any{userID, key}, args...)...)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errorf(domain.ErrMemoryNotFound, "memory %q not found for user %s", key, userID)
	}
	return nil
}

// ClearMemory removes all of a user's facts.
func (s *SQLiteStore) ClearMemory(ctx context.Context, tenant domain.Tenant, userID string) (int64, error) {
	clause, args := tenantClause("tenant_id", tenant)
	res, err := s.exec(ctx, "clear memory",
		`DELETE FROM memory_facts WHERE user_id = ? AND `+clause, append([]any{userID}, args...)...)
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
