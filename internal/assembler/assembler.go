// Package assembler builds the final model prompt for a conversation turn.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/conversation"
	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/guardrail"
	"github.com/ashureev/promptdev/internal/render"
	"github.com/ashureev/promptdev/internal/sentiment"
)

// Sessions resolves and checks conversation sessions.
type Sessions interface {
	Check(ctx context.Context, tenant domain.Tenant, id string) (domain.Verdict, *domain.ConversationSession, error)
	Get(ctx context.Context, tenant domain.Tenant, id string) (*domain.ConversationSession, error)
	EnsureCurrent(ctx context.Context, tenant domain.Tenant, userID string) (*domain.ConversationSession, error)
}

// Templates resolves the template a session renders with.
type Templates interface {
	ForSession(ctx context.Context, sess *domain.ConversationSession) (*domain.Template, error)
}

// Guardrails resolves and composes guardrail configs.
type Guardrails interface {
	ForSession(ctx context.Context, sess *domain.ConversationSession) ([]string, error)
	Compose(ctx context.Context, tenant domain.Tenant, names []string) (string, error)
}

// Store is the message, memory and sentiment state read during assembly.
type Store interface {
	AppendMessage(ctx context.Context, msg *domain.Message) error
	RecentMessages(ctx context.Context, sessionID string, n int) ([]*domain.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	ListMemory(ctx context.Context, tenant domain.Tenant, userID string) ([]domain.MemoryFact, error)
	LatestAggregate(ctx context.Context, sessionID string, window domain.WindowType) (*domain.SentimentAggregate, error)
}

// Options tunes assembly.
type Options struct {
	HistoryLimit      int
	PauseNotice       string
	RequireGuardrails bool
	Phrases           config.AffectPhrases
}

// Deps are the collaborators of an Assembler.
type Deps struct {
	Sessions   Sessions
	Templates  Templates
	Guardrails Guardrails
	Store      Store
	Renderer   render.Renderer
}

// Request is one incoming user turn. SessionID addresses a session
// explicitly; otherwise the user's current session is used.
type Request struct {
	Tenant    domain.Tenant
	SessionID string
	UserID    string
	Message   string
	Extra     map[string]any
}

// Result is the outcome of Build or Preview.
type Result struct {
	Blocked     bool                        `json:"blocked"`
	Reason      string                      `json:"reason,omitempty"`
	Notice      string                      `json:"notice,omitempty"`
	Prompt      string                      `json:"prompt,omitempty"`
	Session     *domain.ConversationSession `json:"session"`
	UserMessage *domain.Message             `json:"user_message,omitempty"`
	Template    *domain.Template            `json:"template,omitempty"`
	Guardrails  []string                    `json:"guardrails"`
	Variables   map[string]any              `json:"variables,omitempty"`
}

// Assembler merges template, guardrails, history, memory and sentiment into a prompt.
type Assembler struct {
	deps Deps
	opts Options
	now  func() time.Time
	log  *slog.Logger
}

// New creates an Assembler.
func New(deps Deps, opts Options, log *slog.Logger) *Assembler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 10
	}
	if opts.PauseNotice == "" {
		opts.PauseNotice = config.DefaultPauseNotice
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assembler{deps: deps, opts: opts, now: time.Now, log: log}
}

// PauseNotice returns the fixed message shown while a session is halted.
func (a *Assembler) PauseNotice() string { return a.opts.PauseNotice }

func (a *Assembler) resolve(ctx context.Context, req Request) (domain.Verdict, *domain.ConversationSession, error) {
	if req.SessionID != "" {
		return a.deps.Sessions.Check(ctx, req.Tenant, req.SessionID)
	}
	if strings.TrimSpace(req.UserID) == "" {
		return domain.Verdict{}, nil, domain.Errorf(domain.ErrInvalidInput, "session id or user id is required")
	}
	sess, err := a.deps.Sessions.EnsureCurrent(ctx, req.Tenant, req.UserID)
	if err != nil {
		return domain.Verdict{}, nil, err
	}
	return conversation.Evaluate(sess), sess, nil
}

// Build checks the session, renders the prompt with the incoming message as
// the newest turn, then records the message. A halted session yields a
// blocked result, and any failure before the append records nothing.
func (a *Assembler) Build(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, domain.Errorf(domain.ErrInvalidInput, "message cannot be empty")
	}

	verdict, sess, err := a.resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if !verdict.Allowed {
		a.log.Info("Generation blocked",
			"tenant", req.Tenant.String(),
			"session_id", sess.ID,
			"reason", verdict.Reason)
		return &Result{Blocked: true, Reason: verdict.Reason, Notice: a.opts.PauseNotice, Session: sess}, nil
	}

	msg := &domain.Message{SessionID: sess.ID, Role: domain.RoleUser, Content: req.Message}
	res, err := a.assemble(ctx, req, sess, msg)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	res.UserMessage = msg
	return res, nil
}

// Preview renders the prompt the next turn would produce without checking
// state or recording anything.
func (a *Assembler) Preview(ctx context.Context, req Request) (*Result, error) {
	var sess *domain.ConversationSession
	var err error
	if req.SessionID != "" {
		sess, err = a.deps.Sessions.Get(ctx, req.Tenant, req.SessionID)
	} else {
		_, sess, err = a.resolve(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	return a.assemble(ctx, req, sess, nil)
}

// assemble renders the prompt for sess. A non-nil pending message is treated
// as already appended to the history.
func (a *Assembler) assemble(ctx context.Context, req Request, sess *domain.ConversationSession, pending *domain.Message) (*Result, error) {
	tmpl, err := a.deps.Templates.ForSession(ctx, sess)
	if err != nil {
		return nil, err
	}

	names, err := a.deps.Guardrails.ForSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	prefix, err := a.deps.Guardrails.Compose(ctx, sess.Tenant, names)
	if err != nil {
		return nil, err
	}
	if prefix == "" && a.opts.RequireGuardrails {
		return nil, domain.Errorf(domain.ErrGuardrailRequired, "session %s has no effective guardrails", sess.ID)
	}

	vars, err := a.variables(ctx, sess, req, pending)
	if err != nil {
		return nil, err
	}

	body, err := a.deps.Renderer.Render(tmpl.Content, vars)
	if err != nil {
		return nil, err
	}

	a.log.Debug("Prompt assembled",
		"tenant", sess.Tenant.String(),
		"session_id", sess.ID,
		"template_id", tmpl.ID,
		"template_version", tmpl.CurrentVersion,
		"guardrails", len(names),
		"history", vars["message_count"])

	return &Result{
		Prompt:     guardrail.Apply(prefix, body),
		Session:    sess,
		Template:   tmpl,
		Guardrails: names,
		Variables:  vars,
	}, nil
}

func (a *Assembler) variables(ctx context.Context, sess *domain.ConversationSession, req Request, pending *domain.Message) (map[string]any, error) {
	history, err := a.deps.Store.RecentMessages(ctx, sess.ID, a.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	total, err := a.deps.Store.CountMessages(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if pending != nil {
		history = append(history, pending)
		if len(history) > a.opts.HistoryLimit {
			history = history[len(history)-a.opts.HistoryLimit:]
		}
		total++
	}
	facts, err := a.deps.Store.ListMemory(ctx, sess.Tenant, sess.UserID)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}

	var summary string
	if sess.SentimentEnabled {
		agg, err := a.deps.Store.LatestAggregate(ctx, sess.ID, domain.WindowSession)
		if err != nil {
			// Sentiment is best effort; assembly continues without it.
			a.log.Warn("Failed to load sentiment aggregate", "session_id", sess.ID, "error", err)
		} else {
			summary = sentiment.Summarize(agg, a.opts.Phrases)
		}
	}

	turns := make([]map[string]any, 0, len(history))
	for _, m := range history {
		turns = append(turns, map[string]any{"role": string(m.Role), "content": m.Content})
	}

	vars := map[string]any{
		"history":           turns,
		"history_text":      HistoryText(history),
		"memory":            domain.MemoryMap(facts),
		"sentiment_summary": summary,
		"current_message":   req.Message,
		"user_id":           sess.UserID,
		"tenant":            sess.Tenant.String(),
		"session_title":     sess.Title,
		"timestamp":         a.now().UTC().Format(time.RFC3339),
		"has_history":       len(history) > 0,
		"message_count":     total,
	}
	maps.Copy(vars, req.Extra)
	return vars, nil
}

// HistoryText formats messages as "User: ..." and "Assistant: ..." lines.
func HistoryText(msgs []*domain.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		label := "Assistant"
		if m.Role == domain.RoleUser {
			label = "User"
		}
		lines = append(lines, label+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}
