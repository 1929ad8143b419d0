package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashureev/promptdev/internal/domain"
)

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	var createdAt int64
	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Operator, &createdAt); err != nil {
		return nil, err
	}
	m.CreatedAt = fromNano(createdAt)
	return &m, nil
}

// AppendMessage inserts msg and bumps the session's activity timestamps.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	at := toNano(msg.CreatedAt)

	return s.withTx(ctx, "append message", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_message_at = ?, updated_at = ? WHERE id = ?`, at, at, msg.SessionID)
		if err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		n, err := rowsAffected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.Errorf(domain.ErrSessionNotFound, "session %s not found", msg.SessionID)
		}

		err = tx.QueryRowContext(ctx, `
			INSERT INTO messages (session_id, role, content, operator, created_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING id`,
			msg.SessionID, string(msg.Role), msg.Content, msg.Operator, at,
		).Scan(&msg.ID)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// GetMessage retrieves one message.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, role, content, operator, created_at FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.Errorf(domain.ErrMessageNotFound, "message %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	return m, nil
}

// RecentMessages returns the last n messages ordered by (created_at, id).
func (s *SQLiteStore) RecentMessages(ctx context.Context, sessionID string, n int) ([]*domain.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, operator, created_at FROM (
			SELECT id, session_id, role, content, operator, created_at
			FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var out []*domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CountMessages counts a session's messages.
func (s *SQLiteStore) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// ClearMessages deletes a session's messages; sentiment records cascade.
func (s *SQLiteStore) ClearMessages(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.withTx(ctx, "clear messages", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sentiment_aggregates WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete aggregates: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		n, err = rowsAffected(res)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
