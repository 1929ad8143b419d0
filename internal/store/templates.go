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

const templateColumns = `id, tenant_id, name, content, current_version, is_active, is_shareable,
	cloned_from_id, cloned_from_tenant, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*domain.Template, error) {
	var t domain.Template
	var tenant, clonedTenant sql.NullString
	var clonedID sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&t.ID, &tenant, &t.Name, &t.Content, &t.CurrentVersion, &t.IsActive, &t.IsShareable,
		&clonedID, &clonedTenant, &t.CreatedBy, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Tenant = tenantFromColumn(tenant)
	if clonedID.Valid {
		t.ClonedFrom = &domain.Lineage{TemplateID: clonedID.Int64, Tenant: tenantFromColumn(clonedTenant)}
	}
	t.CreatedAt = fromNano(createdAt)
	t.UpdatedAt = fromNano(updatedAt)
	return &t, nil
}

func insertTemplate(ctx context.Context, tx *sql.Tx, t *domain.Template) error {
	var clonedID, clonedTenant any
	if t.ClonedFrom != nil {
		clonedID = t.ClonedFrom.TemplateID
		clonedTenant = t.ClonedFrom.Tenant.Value()
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO templates (tenant_id, name, content, current_version, is_active, is_shareable,
			cloned_from_id, cloned_from_tenant, created_by, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		t.Tenant.Value(), t.Name, t.Content, boolInt(t.IsActive), boolInt(t.IsShareable),
		clonedID, clonedTenant, t.CreatedBy, toNano(t.CreatedAt), toNano(t.UpdatedAt),
	).Scan(&t.ID)
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return domain.Errorf(domain.ErrDuplicateName, "template %q already exists in scope %s", t.Name, t.Tenant)
		}
		return fmt.Errorf("insert template: %w", err)
	}
	t.CurrentVersion = 1

	note := "Initial version"
	if t.ClonedFrom != nil {
		note = fmt.Sprintf("Cloned from template %d (%s)", t.ClonedFrom.TemplateID, t.ClonedFrom.Tenant)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO template_versions (template_id, version, content, created_by, note, created_at)
		VALUES (?, 1, ?, ?, ?, ?)`,
		t.ID, t.Content, t.CreatedBy, note, toNano(t.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert initial version: %w", err)
	}
	return nil
}

// CreateTemplate inserts a template and its first version.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, t *domain.Template) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	return s.withTx(ctx, "create template", func(tx *sql.Tx) error {
		return insertTemplate(ctx, tx, t)
	})
}

func (s *SQLiteStore) getTemplate(ctx context.Context, q queryer, tenant domain.Tenant, id int64) (*domain.Template, error) {
	clause, args := tenantClause("tenant_id", tenant)
	row := q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = ? AND `+clause,
		append([]any{id}, args...)...)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrTemplateNotFound, "template %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// GetTemplate retrieves a template by id within tenant's scope.
func (s *SQLiteStore) GetTemplate(ctx context.Context, tenant domain.Tenant, id int64) (*domain.Template, error) {
	return s.getTemplate(ctx, s.db, tenant, id)
}

// GetTemplateByName retrieves a template by name within tenant's scope.
func (s *SQLiteStore) GetTemplateByName(ctx context.Context, tenant domain.Tenant, name string) (*domain.Template, error) {
	clause, args := tenantClause("tenant_id", tenant)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE name = ? AND `+clause,
		append([]any{name}, args...)...)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrTemplateNotFound, "template %q not found", name)
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}

// GetShareableTemplate retrieves a shareable template from any tenant.
func (s *SQLiteStore) GetShareableTemplate(ctx context.Context, id int64) (*domain.Template, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE id = ? AND is_shareable = 1`, id)
	t, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrTemplateNotFound, "shareable template %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) listTemplates(ctx context.Context, query string, args ...any) ([]*domain.Template, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer closeRows(rows, "templates")

	var out []*domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return out, nil
}

// ListTemplates lists templates in tenant's scope.
func (s *SQLiteStore) ListTemplates(ctx context.Context, tenant domain.Tenant, includeInactive bool) ([]*domain.Template, error) {
	clause, args := tenantClause("tenant_id", tenant)
	query := `SELECT ` + templateColumns + ` FROM templates WHERE ` + clause
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY name`
	return s.listTemplates(ctx, query, args...)
}

// ListShareableTemplates lists active shareable templates across tenants.
func (s *SQLiteStore) ListShareableTemplates(ctx context.Context) ([]*domain.Template, error) {
	return s.listTemplates(ctx,
		`SELECT `+templateColumns+` FROM templates WHERE is_shareable = 1 AND is_active = 1 ORDER BY name, id`)
}

// AppendVersion allocates the next version inside one IMMEDIATE transaction.
// The increment-and-return on templates serializes concurrent writers; the
// (template_id, version) primary key rejects any duplicate that slips past.
func (s *SQLiteStore) AppendVersion(ctx context.Context, tenant domain.Tenant, id int64, content, author, note string) (*domain.TemplateVersion, error) {
	now := s.now()
	v := &domain.TemplateVersion{
		TemplateID: id,
		Content:    content,
		CreatedBy:  author,
		Note:       note,
		CreatedAt:  now,
	}

	err := s.withTx(ctx, "append version", func(tx *sql.Tx) error {
		clause, args := tenantClause("tenant_id", tenant)
		err := tx.QueryRowContext(ctx, `
			UPDATE templates
			SET current_version = current_version + 1, content = ?, updated_at = ?
			WHERE id = ? AND `+clause+`
			RETURNING current_version`,
			append([]any{content, toNano(now), id}, args...)...,
		).Scan(&v.Version)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Errorf(domain.ErrTemplateNotFound, "template %d not found", id)
		}
		if err != nil {
			return fmt.Errorf("bump version: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO template_versions (template_id, version, content, created_by, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, v.Version, content, author, note, toNano(now),
		); err != nil {
			if shared.IsSQLiteUniqueError(err) {
				return domain.WithCause(domain.ErrVersionConflict, err)
			}
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func scanVersion(row rowScanner) (*domain.TemplateVersion, error) {
	var v domain.TemplateVersion
	var createdAt int64
	if err := row.Scan(&v.TemplateID, &v.Version, &v.Content, &v.CreatedBy, &v.Note, &createdAt); err != nil {
		return nil, err
	}
	v.CreatedAt = fromNano(createdAt)
	return &v, nil
}

// GetVersion retrieves one stored version within tenant's scope.
func (s *SQLiteStore) GetVersion(ctx context.Context, tenant domain.Tenant, id int64, version int) (*domain.TemplateVersion, error) {
	if _, err := s.GetTemplate(ctx, tenant, id); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT template_id, version, content, created_by, note, created_at
		FROM template_versions WHERE template_id = ? AND version = ?`, id, version)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrVersionNotFound, "version %d of template %d not found", version, id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan version: %w", err)
	}
	return v, nil
}

// ListVersions lists versions newest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, tenant domain.Tenant, id int64) ([]*domain.TemplateVersion, error) {
	if _, err := s.GetTemplate(ctx, tenant, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT template_id, version, content, created_by, note, created_at
		FROM template_versions WHERE template_id = ? ORDER BY version DESC`, id)
	if err != nil {
		return nil, fmt.Errorf("query versions: %w", err)
	}
	defer closeRows(rows, "template_versions")

	var out []*domain.TemplateVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) setTemplateFlag(ctx context.Context, tenant domain.Tenant, id int64, column string, value bool) error {
	clause, args := tenantClause("tenant_id", tenant)
	res, err := s.exec(ctx, "set template "+column,
		`UPDATE templates SET `+column+` = ?, updated_at = ? WHERE id = ? AND `+clause,
		append([]any{boolInt(value), toNano(s.now()), id}, args...)...)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errorf(domain.ErrTemplateNotFound, "template %d not found", id)
	}
	return nil
}

// SetTemplateActive toggles is_active.
func (s *SQLiteStore) SetTemplateActive(ctx context.Context, tenant domain.Tenant, id int64, active bool) error {
	return s.setTemplateFlag(ctx, tenant, id, "is_active", active)
}

// SetTemplateShareable toggles is_shareable.
func (s *SQLiteStore) SetTemplateShareable(ctx context.Context, tenant domain.Tenant, id int64, shareable bool) error {
	return s.setTemplateFlag(ctx, tenant, id, "is_shareable", shareable)
}

// DeleteTemplate removes a template; versions cascade.
func (s *SQLiteStore) DeleteTemplate(ctx context.Context, tenant domain.Tenant, id int64) error {
	clause, args := tenantClause("tenant_id", tenant)
	res, err := s.exec(ctx, "delete template",
		`DELETE FROM templates WHERE id = ? AND `+clause, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.Errorf(domain.ErrTemplateNotFound, "template %d not found", id)
	}
	return nil
}

// GetTenantDefaults returns the tenant's default pointers.
func (s *SQLiteStore) GetTenantDefaults(ctx context.Context, tenant domain.Tenant) (*domain.TenantDefaults, error) {
	return getTenantDefaults(ctx, s.db, tenant)
}

func getTenantDefaults(ctx context.Context, q queryer, tenant domain.Tenant) (*domain.TenantDefaults, error) {
	clause, args := tenantClause("tenant_id", tenant)
	var templateID sql.NullInt64
	var guardrails string
	var updatedAt int64
	err := q.QueryRowContext(ctx,
		`SELECT template_id, guardrails, updated_at FROM tenant_defaults WHERE `+clause, args...,
	).Scan(&templateID, &guardrails, &updatedAt)

	d := &domain.TenantDefaults{Tenant: tenant, Guardrails: []string{}}
	if errors.Is(err, sql.ErrNoRows) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant defaults: %w", err)
	}
	if templateID.Valid {
		id := templateID.Int64
		d.TemplateID = &id
	}
	if err := json.Unmarshal([]byte(guardrails), &d.Guardrails); err != nil {
		return nil, fmt.Errorf("decode default guardrails: %w", err)
	}
	d.UpdatedAt = fromNano(updatedAt)
	return d, nil
}

// upsertTenantDefaults updates the defaults row or inserts it. Callers run it
// inside a write transaction, which makes the pair atomic.
func upsertTenantDefaults(ctx context.Context, tx *sql.Tx, tenant domain.Tenant, column string, value any, now int64) error {
	clause, args := tenantClause("tenant_id", tenant)
	res, err := tx.ExecContext(ctx,
		`UPDATE tenant_defaults SET `+column+` = ?, updated_at = ? WHERE `+clause,
		append([]any{value, now}, args...)...)
	if err != nil {
		return fmt.Errorf("update tenant defaults: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_defaults (tenant_id, `+column+`, updated_at) VALUES (?, ?, ?)`,
		tenant.Value(), value, now,
	); err != nil {
		return fmt.Errorf("insert tenant defaults: %w", err)
	}
	return nil
}

// SetDefaultTemplate sets or clears the tenant's default template pointer.
func (s *SQLiteStore) SetDefaultTemplate(ctx context.Context, tenant domain.Tenant, id *int64) error {
	return s.withTx(ctx, "set default template", func(tx *sql.Tx) error {
		var value any
		if id != nil {
			if _, err := s.getTemplate(ctx, tx, tenant, *id); err != nil {
				return err
			}
			value = *id
		}
		return upsertTenantDefaults(ctx, tx, tenant, "template_id", value, toNano(s.now()))
	})
}

// SetDefaultGuardrails replaces the tenant's default guardrail list.
func (s *SQLiteStore) SetDefaultGuardrails(ctx context.Context, tenant domain.Tenant, names []string) error {
	if names == nil {
		names = []string{}
	}
	b, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("encode default guardrails: %w", err)
	}
	return s.withTx(ctx, "set default guardrails", func(tx *sql.Tx) error {
		return upsertTenantDefaults(ctx, tx, tenant, "guardrails", string(b), toNano(s.now()))
	})
}

// ClaimDefaultTemplate resolves the tenant default, cloning src on first use.
// The pointer check, clone and pointer write share one transaction so
// concurrent first uses produce exactly one clone.
func (s *SQLiteStore) ClaimDefaultTemplate(ctx context.Context, tenant domain.Tenant, src *domain.Template, author string) (*domain.Template, bool, error) {
	var out *domain.Template
	var cloned bool
	err := s.withTx(ctx, "claim default template", func(tx *sql.Tx) error {
		cloned = false
		d, err := getTenantDefaults(ctx, tx, tenant)
		if err != nil {
			return err
		}
		if d.TemplateID != nil {
			out, err = s.getTemplate(ctx, tx, tenant, *d.TemplateID)
			return err
		}

		now := s.now()
		clone := &domain.Template{
			Tenant:     tenant,
			Name:       src.Name,
			Content:    src.Content,
			IsActive:   true,
			ClonedFrom: &domain.Lineage{TemplateID: src.ID, Tenant: src.Tenant},
			CreatedBy:  author,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := insertTemplate(ctx, tx, clone); err != nil {
			return err
		}
		if err := upsertTenantDefaults(ctx, tx, tenant, "template_id", clone.ID, toNano(now)); err != nil {
			return err
		}
		out, cloned = clone, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, cloned, nil
}
