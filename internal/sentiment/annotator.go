// Package sentiment annotates user messages with affect vectors and keeps
// rolling aggregates per session.
package sentiment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/store"
)

// Repository is the persistence the annotator needs.
type Repository interface {
	store.SentimentRepository
	RecentMessages(ctx context.Context, sessionID string, n int) ([]*domain.Message, error)
}

// Annotator turns one user message into a stored SentimentRecord and
// recomputes the session's aggregates.
type Annotator struct {
	repo      Repository
	extractor Extractor
	windows   []domain.WindowType
	contextN  int
	log       *slog.Logger
}

// NewAnnotator creates an annotator. windows lists the hourly/daily windows
// to maintain besides the session window.
func NewAnnotator(repo Repository, extractor Extractor, windows []domain.WindowType, contextN int, log *slog.Logger) *Annotator {
	if log == nil {
		log = slog.Default()
	}
	return &Annotator{repo: repo, extractor: extractor, windows: windows, contextN: contextN, log: log}
}

// Analyze extracts, validates and persists the affect of msg. Re-analysing a
// message replaces its record.
func (a *Annotator) Analyze(ctx context.Context, sess *domain.ConversationSession, msg *domain.Message) (*domain.SentimentRecord, []domain.SentimentAggregate, error) {
	if msg.Role != domain.RoleUser {
		return nil, nil, domain.Errorf(domain.ErrInvalidInput, "only user messages are annotated")
	}

	history, err := a.priorMessages(ctx, msg)
	if err != nil {
		return nil, nil, err
	}

	vec, err := a.extractor.Extract(ctx, msg.Content, history)
	if err != nil {
		return nil, nil, fmt.Errorf("extract affect: %w", err)
	}
	if err := vec.Validate(); err != nil {
		return nil, nil, err
	}

	at := msg.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	rec := domain.NewSentimentRecord(msg.ID, msg.SessionID, vec, a.extractor.Model(), at)
	aggs, err := a.repo.SaveSentiment(ctx, &rec, Windows(sess.CreatedAt, at, a.windows), Aggregate)
	if err != nil {
		return nil, nil, fmt.Errorf("save sentiment: %w", err)
	}

	a.log.Debug("Message annotated",
		"session_id", msg.SessionID,
		"message_id", msg.ID,
		"overall", rec.Overall,
		"confidence", rec.Confidence)
	return &rec, aggs, nil
}

// priorMessages returns the messages preceding msg, oldest first.
func (a *Annotator) priorMessages(ctx context.Context, msg *domain.Message) ([]*domain.Message, error) {
	if a.contextN <= 0 {
		return nil, nil
	}
	recent, err := a.repo.RecentMessages(ctx, msg.SessionID, a.contextN+1)
	if err != nil {
		return nil, fmt.Errorf("load sentiment context: %w", err)
	}
	out := make([]*domain.Message, 0, len(recent))
	for _, m := range recent {
		if m.ID != msg.ID {
			out = append(out, m)
		}
	}
	if len(out) > a.contextN {
		out = out[len(out)-a.contextN:]
	}
	return out, nil
}
