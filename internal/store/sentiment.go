package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ashureev/promptdev/internal/domain"
)

const sentimentColumns = `message_id, session_id, valence, arousal, dominance, trust, engagement,
	overall, confidence, model, created_at`

func scanSentiment(row rowScanner) (domain.SentimentRecord, error) {
	var r domain.SentimentRecord
	var createdAt int64
	err := row.Scan(&r.MessageID, &r.SessionID, &r.Valence, &r.Arousal, &r.Dominance, &r.Trust,
		&r.Engagement, &r.Overall, &r.Confidence, &r.Model, &createdAt)
	r.CreatedAt = fromNano(createdAt)
	return r, err
}

func querySentiment(ctx context.Context, q queryer, query string, args ...any) ([]domain.SentimentRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sentiment records: %w", err)
	}
	defer closeRows(rows, "sentiment_records")

	var out []domain.SentimentRecord
	for rows.Next() {
		r, err := scanSentiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sentiment row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sentiment records: %w", err)
	}
	return out, nil
}

// SaveSentiment upserts rec and recomputes the given windows in one transaction.
func (s *SQLiteStore) SaveSentiment(ctx context.Context, rec *domain.SentimentRecord, windows []WindowSpan, agg AggregateFunc) ([]domain.SentimentAggregate, error) {
	var out []domain.SentimentAggregate
	err := s.withTx(ctx, "save sentiment", func(tx *sql.Tx) error {
		out = out[:0]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sentiment_records (`+sentimentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(message_id) DO UPDATE SET
				valence = excluded.valence,
				arousal = excluded.arousal,
				dominance = excluded.dominance,
				trust = excluded.trust,
				engagement = excluded.engagement,
				overall = excluded.overall,
				confidence = excluded.confidence,
				model = excluded.model`,
			rec.MessageID, rec.SessionID, rec.Valence, rec.Arousal, rec.Dominance, rec.Trust,
			rec.Engagement, rec.Overall, rec.Confidence, rec.Model, toNano(rec.CreatedAt),
		); err != nil {
			return fmt.Errorf("upsert sentiment record: %w", err)
		}

		now := s.now()
		for _, w := range windows {
			query := `SELECT ` + sentimentColumns + ` FROM sentiment_records
				WHERE session_id = ? AND created_at >= ?`
			args := []any{rec.SessionID, toNano(w.Start)}
			if !w.End.IsZero() {
				query += ` AND created_at < ?`
				args = append(args, toNano(w.End))
			}
			query += ` ORDER BY created_at, message_id`

			records, err := querySentiment(ctx, tx, query, args...)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				continue
			}

			a := agg(records)
			a.SessionID = rec.SessionID
			a.WindowType = w.Type
			a.WindowStart = w.Start
			a.UpdatedAt = now
			if err := upsertAggregate(ctx, tx, &a); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func upsertAggregate(ctx context.Context, tx *sql.Tx, a *domain.SentimentAggregate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sentiment_aggregates (session_id, window_type, window_start,
			avg_valence, avg_arousal, avg_dominance, avg_trust, avg_engagement, avg_overall,
			valence_trend, engagement_trend, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, window_type, window_start) DO UPDATE SET
			avg_valence = excluded.avg_valence,
			avg_arousal = excluded.avg_arousal,
			avg_dominance = excluded.avg_dominance,
			avg_trust = excluded.avg_trust,
			avg_engagement = excluded.avg_engagement,
			avg_overall = excluded.avg_overall,
			valence_trend = excluded.valence_trend,
			engagement_trend = excluded.engagement_trend,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		a.SessionID, string(a.WindowType), toNano(a.WindowStart),
		a.AvgValence, a.AvgArousal, a.AvgDominance, a.AvgTrust, a.AvgEngagement, a.AvgOverall,
		nullableFloat(a.ValenceTrend), nullableFloat(a.EngagementTrend), a.MessageCount, toNano(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert sentiment aggregate: %w", err)
	}
	return nil
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// ListSentimentRecords returns a session's records oldest first.
// With a positive limit only the newest limit records are returned.
func (s *SQLiteStore) ListSentimentRecords(ctx context.Context, sessionID string, limit int) ([]domain.SentimentRecord, error) {
	if limit <= 0 {
		return querySentiment(ctx, s.db, `SELECT `+sentimentColumns+` FROM sentiment_records
			WHERE session_id = ? ORDER BY created_at, message_id`, sessionID)
	}
	return querySentiment(ctx, s.db, `SELECT `+sentimentColumns+` FROM (
			SELECT `+sentimentColumns+` FROM sentiment_records WHERE session_id = ?
			ORDER BY created_at DESC, message_id DESC LIMIT ?
		) ORDER BY created_at, message_id`, sessionID, limit)
}

// LatestAggregate returns the most recently updated aggregate of a window type.
func (s *SQLiteStore) LatestAggregate(ctx context.Context, sessionID string, window domain.WindowType) (*domain.SentimentAggregate, error) {
	var a domain.SentimentAggregate
	var windowStart, updatedAt int64
	var valenceTrend, engagementTrend sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, window_type, window_start,
			avg_valence, avg_arousal, avg_dominance, avg_trust, avg_engagement, avg_overall,
			valence_trend, engagement_trend, message_count, updated_at
		FROM sentiment_aggregates
		WHERE session_id = ? AND window_type = ?
		ORDER BY updated_at DESC, window_start DESC
		LIMIT 1`, sessionID, string(window),
	).Scan(&a.SessionID, &a.WindowType, &windowStart,
		&a.AvgValence, &a.AvgArousal, &a.AvgDominance, &a.AvgTrust, &a.AvgEngagement, &a.AvgOverall,
		&valenceTrend, &engagementTrend, &a.MessageCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan sentiment aggregate: %w", err)
	}
	a.WindowStart = fromNano(windowStart)
	a.UpdatedAt = fromNano(updatedAt)
	if valenceTrend.Valid {
		v := valenceTrend.Float64
		a.ValenceTrend = &v
	}
	if engagementTrend.Valid {
		v := engagementTrend.Float64
		a.EngagementTrend = &v
	}
	return &a, nil
}
