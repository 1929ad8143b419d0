package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/google/uuid"
)

const sessionColumns = `id, tenant_id, user_id, title, state, halt_reason, halted_by, sentiment_enabled,
	template_id, guardrails, is_current, created_at, updated_at, last_message_at`

func scanSession(row rowScanner) (*domain.ConversationSession, error) {
	var sess domain.ConversationSession
	var tenant, guardrails sql.NullString
	var templateID, lastMessage sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(
		&sess.ID, &tenant, &sess.UserID, &sess.Title, &sess.State, &sess.HaltReason, &sess.HaltedBy,
		&sess.SentimentEnabled, &templateID, &guardrails, &sess.IsCurrent, &createdAt, &updatedAt, &lastMessage,
	); err != nil {
		return nil, err
	}

	sess.Tenant = tenantFromColumn(tenant)
	if templateID.Valid {
		id := templateID.Int64
		sess.TemplateID = &id
	}
	if guardrails.Valid {
		sess.Guardrails = []string{}
		if err := json.Unmarshal([]byte(guardrails.String), &sess.Guardrails); err != nil {
			return nil, fmt.Errorf("decode session guardrails: %w", err)
		}
	}
	sess.CreatedAt = fromNano(createdAt)
	sess.UpdatedAt = fromNano(updatedAt)
	sess.LastMessageAt = nullableNano(lastMessage)
	return &sess, nil
}

func getSession(ctx context.Context, q queryer, tenant domain.Tenant, id string) (*domain.ConversationSession, error) {
	clause, args := tenantClause("tenant_id", tenant)
	row := q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND `+clause,
		append([]any{id}, args...)...)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return sess, nil
}

func currentSession(ctx context.Context, q queryer, tenant domain.Tenant, userID string) (*domain.ConversationSession, error) {
	clause, args := tenantClause("tenant_id", tenant)
	row := q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? AND is_current = 1 AND `+clause,
		append([]any{userID}, args...)...)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan current session: %w", err)
	}
	return sess, nil
}

func insertSession(ctx context.Context, tx *sql.Tx, sess *domain.ConversationSession) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, user_id, title, state, sentiment_enabled, is_current, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		sess.ID, sess.Tenant.Value(), sess.UserID, sess.Title, string(sess.State),
		boolInt(sess.SentimentEnabled), toNano(sess.CreatedAt), toNano(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) newSession(tenant domain.Tenant, userID, title string, sentimentEnabled bool) *domain.ConversationSession {
	now := s.now()
	return &domain.ConversationSession{
		ID:               uuid.NewString(),
		Tenant:           tenant,
		UserID:           userID,
		Title:            title,
		State:            domain.StateActive,
		SentimentEnabled: sentimentEnabled,
		IsCurrent:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// ensureCurrent must run inside a write transaction.
func (s *SQLiteStore) ensureCurrent(ctx context.Context, tx *sql.Tx, tenant domain.Tenant, userID string, sentimentEnabled bool) (*domain.ConversationSession, bool, error) {
	sess, err := currentSession(ctx, tx, tenant, userID)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		return sess, false, nil
	}
	sess = s.newSession(tenant, userID, "", sentimentEnabled)
	if err := insertSession(ctx, tx, sess); err != nil {
		return nil, false, err
	}
	return sess, true, nil
}

// EnsureCurrentSession returns or creates the current session for (tenant, user).
func (s *SQLiteStore) EnsureCurrentSession(ctx context.Context, tenant domain.Tenant, userID string, sentimentEnabled bool) (*domain.ConversationSession, bool, error) {
	var out *domain.ConversationSession
	var created bool
	err := s.withTx(ctx, "ensure current session", func(tx *sql.Tx) error {
		var err error
		out, created, err = s.ensureCurrent(ctx, tx, tenant, userID, sentimentEnabled)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// StartSession retires the current session and makes a new one current.
func (s *SQLiteStore) StartSession(ctx context.Context, tenant domain.Tenant, userID, title string, sentimentEnabled bool) (*domain.ConversationSession, error) {
	sess := s.newSession(tenant, userID, title, sentimentEnabled)
	err := s.withTx(ctx, "start session", func(tx *sql.Tx) error {
		clause, args := tenantClause("tenant_id", tenant)
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET is_current = 0, updated_at = ? WHERE user_id = ? AND is_current = 1 AND `+clause,
			append([]any{toNano(sess.CreatedAt), userID}, args...)...,
		); err != nil {
			return fmt.Errorf("retire current session: %w", err)
		}
		return insertSession(ctx, tx, sess)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession retrieves a session by id within tenant's scope.
func (s *SQLiteStore) GetSession(ctx context.Context, tenant domain.Tenant, id string) (*domain.ConversationSession, error) {
	return getSession(ctx, s.db, tenant, id)
}

// ListSessions lists sessions in tenant's scope.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenant domain.Tenant, filter SessionFilter) ([]*domain.ConversationSession, error) {
	clause, args := tenantClause("tenant_id", tenant)
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE ` + clause
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	} else if !filter.IncludeArchived {
		query += ` AND state != 'archived'`
	}
	query += ` ORDER BY updated_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var out []*domain.ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func unknownSessionState(id string) error {
	return &domain.Error{
		Kind:    domain.KindState,
		Code:    domain.CodeSessionNotFound,
		Message: fmt.Sprintf("cannot archive unknown session %s", id),
	}
}

// applyTransition runs the conditional write for tr. Halt and resume only
// match non-archived rows; archive matches any row and clears is_current.
func (s *SQLiteStore) applyTransition(ctx context.Context, tx *sql.Tx, tenant domain.Tenant, id string, tr Transition) error {
	clause, scopeArgs := tenantClause("tenant_id", tenant)
	now := toNano(s.now())

	var query string
	var args []any
	switch tr.To {
	case domain.StateHalted:
		query = `UPDATE sessions SET state = 'halted', halt_reason = ?, halted_by = ?, updated_at = ?
			WHERE id = ? AND state != 'archived' AND ` + clause
		args = []any{tr.Reason, tr.Operator, now, id}
	case domain.StateActive:
		query = `UPDATE sessions SET state = 'active', halt_reason = '', halted_by = '', updated_at = ?
			WHERE id = ? AND state != 'archived' AND ` + clause
		args = []any{now, id}
	case domain.StateArchived:
		query = `UPDATE sessions SET state = 'archived', is_current = 0, updated_at = ?
			WHERE id = ? AND ` + clause
		args = []any{now, id}
	default:
		return domain.Errorf(domain.ErrInvalidInput, "unknown session state %q", tr.To)
	}

	res, err := tx.ExecContext(ctx, query, append(args, scopeArgs...)...)
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	if tr.To == domain.StateArchived {
		return unknownSessionState(id)
	}
	if _, err := getSession(ctx, tx, tenant, id); err != nil {
		return err
	}
	return domain.Errorf(domain.ErrSessionArchived, "session %s is archived", id)
}

// TransitionSession applies tr to a session by id.
func (s *SQLiteStore) TransitionSession(ctx context.Context, tenant domain.Tenant, id string, tr Transition) (*domain.ConversationSession, error) {
	var out *domain.ConversationSession
	err := s.withTx(ctx, "transition session", func(tx *sql.Tx) error {
		if err := s.applyTransition(ctx, tx, tenant, id, tr); err != nil {
			return err
		}
		var err error
		out, err = getSession(ctx, tx, tenant, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// TransitionCurrentSession upserts the current session and applies tr. A
// session created here starts with sentimentEnabled. Archiving requires an
// existing current session.
func (s *SQLiteStore) TransitionCurrentSession(ctx context.Context, tenant domain.Tenant, userID string, tr Transition, sentimentEnabled bool) (*domain.ConversationSession, error) {
	var out *domain.ConversationSession
	err := s.withTx(ctx, "transition current session", func(tx *sql.Tx) error {
		var sess *domain.ConversationSession
		var err error
		if tr.To == domain.StateArchived {
			sess, err = currentSession(ctx, tx, tenant, userID)
			if err != nil {
				return err
			}
			if sess == nil {
				return unknownSessionState("for user " + userID)
			}
		} else {
			sess, _, err = s.ensureCurrent(ctx, tx, tenant, userID, sentimentEnabled)
			if err != nil {
				return err
			}
		}
		if err := s.applyTransition(ctx, tx, tenant, sess.ID, tr); err != nil {
			return err
		}
		out, err = getSession(ctx, tx, tenant, sess.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AssignSession sets the template and guardrail assignment.
func (s *SQLiteStore) AssignSession(ctx context.Context, tenant domain.Tenant, id string, templateID *int64, guardrails []string) (*domain.ConversationSession, error) {
	var tmpl, rails any
	if templateID != nil {
		tmpl = *templateID
	}
	if guardrails != nil {
		b, err := json.Marshal(guardrails)
		if err != nil {
			return nil, fmt.Errorf("encode session guardrails: %w", err)
		}
		rails = string(b)
	}
	return s.updateSession(ctx, "assign session", tenant, id,
		`template_id = ?, guardrails = ?`, tmpl, rails)
}

// SetSessionSentiment toggles sentiment analysis for a session.
func (s *SQLiteStore) SetSessionSentiment(ctx context.Context, tenant domain.Tenant, id string, enabled bool) (*domain.ConversationSession, error) {
	return s.updateSession(ctx, "set session sentiment", tenant, id, `sentiment_enabled = ?`, boolInt(enabled))
}

func (s *SQLiteStore) updateSession(ctx context.Context, op string, tenant domain.Tenant, id, set string, values ...any) (*domain.ConversationSession, error) {
	var out *domain.ConversationSession
	err := s.withTx(ctx, op, func(tx *sql.Tx) error {
		clause, scopeArgs := tenantClause("tenant_id", tenant)
		args := append(append([]any{}, values...), toNano(s.now()), id)
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET `+set+`, updated_at = ? WHERE id = ? AND `+clause,
			append(args, scopeArgs...)...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.Errorf(domain.ErrSessionNotFound, "session %s not found", id)
		}
		out, err = getSession(ctx, tx, tenant, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ArchiveIdleSessions archives active sessions whose last activity precedes
// before. Halted sessions stay halted until an operator resumes them.
func (s *SQLiteStore) ArchiveIdleSessions(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, "archive idle sessions", `
		UPDATE sessions SET state = 'archived', is_current = 0, updated_at = ?
		WHERE state = 'active' AND COALESCE(last_message_at, created_at) < ?`,
		toNano(s.now()), toNano(before))
	if err != nil {
		return 0, err
	}
	return rowsAffected(res)
}
