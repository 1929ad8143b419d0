// Package conversation tracks the supervision state of user sessions and
// applies operator interventions.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/store"
)

// DefaultHaltReason is recorded when an operator halts without a reason.
const DefaultHaltReason = "paused by operator"

// Repository is the persistence the state machine needs. Guardrail and
// template reads validate session assignments.
type Repository interface {
	store.SessionRepository
	store.MessageRepository
	GetGuardrail(ctx context.Context, tenant domain.Tenant, name string) (*domain.GuardrailConfig, error)
	GetTemplate(ctx context.Context, tenant domain.Tenant, id int64) (*domain.Template, error)
}

// Machine applies state transitions as single conditional writes. It holds
// no session state of its own.
type Machine struct {
	repo             Repository
	feed             feed.Publisher
	sentimentDefault bool
	log              *slog.Logger
}

// NewMachine creates a state machine. A nil publisher discards events.
func NewMachine(repo Repository, pub feed.Publisher, sentimentDefault bool, log *slog.Logger) *Machine {
	if pub == nil {
		pub = feed.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Machine{repo: repo, feed: pub, sentimentDefault: sentimentDefault, log: log}
}

func validUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return domain.Errorf(domain.ErrInvalidInput, "user id cannot be empty")
	}
	return nil
}

// Evaluate derives the verdict for a session snapshot.
func Evaluate(sess *domain.ConversationSession) domain.Verdict {
	if sess.Halted() {
		reason := sess.HaltReason
		if reason == "" {
			reason = DefaultHaltReason
		}
		return domain.Blocked(reason)
	}
	return domain.Allowed()
}

// EnsureCurrent returns the current session for the user, creating it on first contact.
func (m *Machine) EnsureCurrent(ctx context.Context, tenant domain.Tenant, userID string) (*domain.ConversationSession, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	sess, created, err := m.repo.EnsureCurrentSession(ctx, tenant, userID, m.sentimentDefault)
	if err != nil {
		return nil, err
	}
	if created {
		m.log.Info("Session created", "tenant", tenant.String(), "user_id", userID, "session_id", sess.ID)
	}
	return sess, nil
}

// Start opens a new current session, leaving the previous one addressable by id.
func (m *Machine) Start(ctx context.Context, tenant domain.Tenant, userID, title string) (*domain.ConversationSession, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	sess, err := m.repo.StartSession(ctx, tenant, userID, strings.TrimSpace(title), m.sentimentDefault)
	if err != nil {
		return nil, err
	}
	m.log.Info("Session started", "tenant", tenant.String(), "user_id", userID, "session_id", sess.ID)
	return sess, nil
}

// Get returns a session by id.
func (m *Machine) Get(ctx context.Context, tenant domain.Tenant, id string) (*domain.ConversationSession, error) {
	return m.repo.GetSession(ctx, tenant, id)
}

// List returns the tenant's sessions.
func (m *Machine) List(ctx context.Context, tenant domain.Tenant, filter store.SessionFilter) ([]*domain.ConversationSession, error) {
	return m.repo.ListSessions(ctx, tenant, filter)
}

// ListHalted returns the tenant's halted sessions.
func (m *Machine) ListHalted(ctx context.Context, tenant domain.Tenant) ([]*domain.ConversationSession, error) {
	return m.repo.ListSessions(ctx, tenant, store.SessionFilter{State: domain.StateHalted})
}

// Check reads the session and reports whether generation may proceed.
func (m *Machine) Check(ctx context.Context, tenant domain.Tenant, id string) (domain.Verdict, *domain.ConversationSession, error) {
	sess, err := m.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return domain.Verdict{}, nil, err
	}
	return Evaluate(sess), sess, nil
}

func haltTransition(reason, operator string) store.Transition {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultHaltReason
	}
	return store.Transition{To: domain.StateHalted, Reason: reason, Operator: operator}
}

// Halt blocks generation on a session. Halting a halted session overwrites
// the reason and operator.
func (m *Machine) Halt(ctx context.Context, tenant domain.Tenant, id, reason, operator string) (*domain.ConversationSession, error) {
	sess, err := m.repo.TransitionSession(ctx, tenant, id, haltTransition(reason, operator))
	if err != nil {
		return nil, err
	}
	m.transitioned(tenant, sess, feed.EventHalt, operator)
	return sess, nil
}

// HaltUser halts the user's current session, creating it if needed.
func (m *Machine) HaltUser(ctx context.Context, tenant domain.Tenant, userID, reason, operator string) (*domain.ConversationSession, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	sess, err := m.repo.TransitionCurrentSession(ctx, tenant, userID, haltTransition(reason, operator), m.sentimentDefault)
	if err != nil {
		return nil, err
	}
	m.transitioned(tenant, sess, feed.EventHalt, operator)
	return sess, nil
}

// Resume re-enables generation on a session.
func (m *Machine) Resume(ctx context.Context, tenant domain.Tenant, id, operator string) (*domain.ConversationSession, error) {
	sess, err := m.repo.TransitionSession(ctx, tenant, id, store.Transition{To: domain.StateActive, Operator: operator})
	if err != nil {
		return nil, err
	}
	m.transitioned(tenant, sess, feed.EventResume, operator)
	return sess, nil
}

// ResumeUser resumes the user's current session, creating it if needed.
func (m *Machine) ResumeUser(ctx context.Context, tenant domain.Tenant, userID, operator string) (*domain.ConversationSession, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	sess, err := m.repo.TransitionCurrentSession(ctx, tenant, userID, store.Transition{To: domain.StateActive, Operator: operator}, m.sentimentDefault)
	if err != nil {
		return nil, err
	}
	m.transitioned(tenant, sess, feed.EventResume, operator)
	return sess, nil
}

// Archive hides a session from default listings. Archiving twice is allowed;
// archiving an unknown session is a state error.
func (m *Machine) Archive(ctx context.Context, tenant domain.Tenant, id, operator string) (*domain.ConversationSession, error) {
	sess, err := m.repo.TransitionSession(ctx, tenant, id, store.Transition{To: domain.StateArchived, Operator: operator})
	if err != nil {
		return nil, err
	}
	m.transitioned(tenant, sess, feed.EventArchive, operator)
	return sess, nil
}

// ArchiveUser archives the user's current session.
func (m *Machine) ArchiveUser(ctx context.Context, tenant domain.Tenant, userID, operator string) (*domain.ConversationSession, error) {
	if err := validUser(userID); err != nil {
		return nil, err
	}
	sess, err := m.repo.TransitionCurrentSession(ctx, tenant, userID, store.Transition{To: domain.StateArchived, Operator: operator}, m.sentimentDefault)
	if err != nil {
		return nil, err
	}
	m.transitioned(tenant, sess, feed.EventArchive, operator)
	return sess, nil
}

func (m *Machine) transitioned(tenant domain.Tenant, sess *domain.ConversationSession, event, operator string) {
	m.log.Info("Session transitioned",
		"tenant", tenant.String(),
		"session_id", sess.ID,
		"user_id", sess.UserID,
		"state", sess.State,
		"operator", operator)
	e := feed.Event{Type: event, SessionID: sess.ID, UserID: sess.UserID, Operator: operator}
	if event == feed.EventHalt {
		e.Content = sess.HaltReason
	}
	m.feed.Publish(tenant, e)
}

// Inject appends an operator-authored assistant message without calling the
// model. It is allowed in every state.
func (m *Machine) Inject(ctx context.Context, tenant domain.Tenant, id, content, operator string) (*domain.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, domain.Errorf(domain.ErrInvalidInput, "injected content cannot be empty")
	}
	sess, err := m.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	msg := &domain.Message{SessionID: sess.ID, Role: domain.RoleAssistant, Content: content, Operator: operator}
	if err := m.repo.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}
	m.log.Info("Operator message injected",
		"tenant", tenant.String(),
		"session_id", sess.ID,
		"message_id", msg.ID,
		"operator", operator,
		"state", sess.State)
	m.feed.Publish(tenant, feed.Event{
		Type:      feed.EventInject,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Operator:  operator,
		Content:   content,
	})
	return msg, nil
}

// Assign sets the session's template and guardrail assignment. A nil
// guardrails slice falls back to tenant defaults. Every named config and the
// template must resolve in the tenant's scope.
func (m *Machine) Assign(ctx context.Context, tenant domain.Tenant, id string, templateID *int64, guardrails []string) (*domain.ConversationSession, error) {
	if templateID != nil {
		if _, err := m.repo.GetTemplate(ctx, tenant, *templateID); err != nil {
			return nil, err
		}
	}
	for _, name := range guardrails {
		if err := m.guardrailExists(ctx, tenant, name); err != nil {
			return nil, err
		}
	}
	return m.repo.AssignSession(ctx, tenant, id, templateID, guardrails)
}

// guardrailExists resolves name in tenant's scope, then the system scope.
func (m *Machine) guardrailExists(ctx context.Context, tenant domain.Tenant, name string) error {
	_, err := m.repo.GetGuardrail(ctx, tenant, name)
	if err != nil && !tenant.IsSystem() && errors.Is(err, domain.ErrGuardrailNotFound) {
		_, err = m.repo.GetGuardrail(ctx, domain.System(), name)
	}
	return err
}

// SetSentiment toggles affect annotation for a session.
func (m *Machine) SetSentiment(ctx context.Context, tenant domain.Tenant, id string, enabled bool) (*domain.ConversationSession, error) {
	return m.repo.SetSessionSentiment(ctx, tenant, id, enabled)
}

// History returns the last n messages of a session, oldest first.
func (m *Machine) History(ctx context.Context, tenant domain.Tenant, id string, n int) ([]*domain.Message, error) {
	sess, err := m.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	return m.repo.RecentMessages(ctx, sess.ID, n)
}

// ClearHistory removes a session's messages.
func (m *Machine) ClearHistory(ctx context.Context, tenant domain.Tenant, id string) (int64, error) {
	sess, err := m.repo.GetSession(ctx, tenant, id)
	if err != nil {
		return 0, err
	}
	n, err := m.repo.ClearMessages(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	m.log.Info("Session history cleared", "tenant", tenant.String(), "session_id", sess.ID, "count", n)
	return n, nil
}
