// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
)

// Repository is the full persistence surface of the workbench.
type Repository interface {
	TemplateRepository
	GuardrailRepository
	SessionRepository
	MessageRepository
	MemoryRepository
	SentimentRepository

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// TemplateRepository persists templates, their versions and tenant defaults.
type TemplateRepository interface {
	// CreateTemplate inserts a template and its version 1 row atomically.
	// Returns domain.ErrDuplicateName if (tenant, name) is taken.
	CreateTemplate(ctx context.Context, t *domain.Template) error

	// GetTemplate retrieves a template by id within tenant's scope.
	GetTemplate(ctx context.Context, tenant domain.Tenant, id int64) (*domain.Template, error)

	// GetTemplateByName retrieves a template by name within tenant's scope.
	GetTemplateByName(ctx context.Context, tenant domain.Tenant, name string) (*domain.Template, error)

	// GetShareableTemplate retrieves a template from any tenant, provided it is shareable.
	GetShareableTemplate(ctx context.Context, id int64) (*domain.Template, error)

	// ListTemplates lists templates in tenant's scope ordered by name.
	ListTemplates(ctx context.Context, tenant domain.Tenant, includeInactive bool) ([]*domain.Template, error)

	// ListShareableTemplates lists every active shareable template across tenants.
	ListShareableTemplates(ctx context.Context) ([]*domain.Template, error)

	// AppendVersion allocates the next version number and stores content under it.
	// Allocation and insert happen in one write transaction.
	AppendVersion(ctx context.Context, tenant domain.Tenant, id int64, content, author, note string) (*domain.TemplateVersion, error)

	// GetVersion retrieves one stored version.
	GetVersion(ctx context.Context, tenant domain.Tenant, id int64, version int) (*domain.TemplateVersion, error)

	// ListVersions lists all versions of a template, newest first.
	ListVersions(ctx context.Context, tenant domain.Tenant, id int64) ([]*domain.TemplateVersion, error)

	// SetTemplateActive toggles is_active.
	SetTemplateActive(ctx context.Context, tenant domain.Tenant, id int64, active bool) error

	// SetTemplateShareable toggles is_shareable.
	SetTemplateShareable(ctx context.Context, tenant domain.Tenant, id int64, shareable bool) error

	// DeleteTemplate removes a template and all of its versions.
	DeleteTemplate(ctx context.Context, tenant domain.Tenant, id int64) error

	// GetTenantDefaults returns the tenant's default pointers. Missing rows yield empty defaults.
	GetTenantDefaults(ctx context.Context, tenant domain.Tenant) (*domain.TenantDefaults, error)

	// SetDefaultTemplate points the tenant default at a template in the same scope, or clears it when id is nil.
	SetDefaultTemplate(ctx context.Context, tenant domain.Tenant, id *int64) error

	// SetDefaultGuardrails replaces the tenant's default guardrail list.
	SetDefaultGuardrails(ctx context.Context, tenant domain.Tenant, names []string) error

	// ClaimDefaultTemplate returns the tenant's default template, cloning src into
	// the tenant and pointing the default at the clone if none is set yet.
	ClaimDefaultTemplate(ctx context.Context, tenant domain.Tenant, src *domain.Template, author string) (*domain.Template, bool, error)
}

// GuardrailPatch holds optional guardrail config changes.
type GuardrailPatch struct {
	Rules       []domain.GuardrailRule
	Description *string
	IsActive    *bool
}

// GuardrailRepository persists guardrail configs.
type GuardrailRepository interface {
	// CreateGuardrail inserts a config. Returns domain.ErrDuplicateName if (tenant, name) is taken.
	CreateGuardrail(ctx context.Context, cfg *domain.GuardrailConfig) error

	// GetGuardrail retrieves a config by name within tenant's scope.
	GetGuardrail(ctx context.Context, tenant domain.Tenant, name string) (*domain.GuardrailConfig, error)

	// ListGuardrails lists configs in tenant's scope ordered by name.
	ListGuardrails(ctx context.Context, tenant domain.Tenant) ([]*domain.GuardrailConfig, error)

	// UpdateGuardrail applies patch and returns the updated config.
	UpdateGuardrail(ctx context.Context, tenant domain.Tenant, name string, patch GuardrailPatch) (*domain.GuardrailConfig, error)

	// DeleteGuardrail removes a config.
	DeleteGuardrail(ctx context.Context, tenant domain.Tenant, name string) error
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	UserID          string
	State           domain.SessionState
	IncludeArchived bool
	Limit           int
}

// Transition is a requested session state change.
type Transition struct {
	To       domain.SessionState
	Reason   string
	Operator string
}

// SessionRepository persists conversation sessions and their state.
type SessionRepository interface {
	// EnsureCurrentSession returns the current session for (tenant, user),
	// creating one if none exists. The bool reports creation.
	EnsureCurrentSession(ctx context.Context, tenant domain.Tenant, userID string, sentimentEnabled bool) (*domain.ConversationSession, bool, error)

	// StartSession makes a new session current for (tenant, user).
	StartSession(ctx context.Context, tenant domain.Tenant, userID, title string, sentimentEnabled bool) (*domain.ConversationSession, error)

	// GetSession retrieves a session by id within tenant's scope.
	GetSession(ctx context.Context, tenant domain.Tenant, id string) (*domain.ConversationSession, error)

	// ListSessions lists sessions in tenant's scope, most recently updated first.
	ListSessions(ctx context.Context, tenant domain.Tenant, filter SessionFilter) ([]*domain.ConversationSession, error)

	// TransitionSession applies tr to a session by id in one conditional write.
	TransitionSession(ctx context.Context, tenant domain.Tenant, id string, tr Transition) (*domain.ConversationSession, error)

	// TransitionCurrentSession upserts the current session for (tenant, user) and applies tr to it.
	// A session created by the upsert starts with sentimentEnabled.
	TransitionCurrentSession(ctx context.Context, tenant domain.Tenant, userID string, tr Transition, sentimentEnabled bool) (*domain.ConversationSession, error)

	// AssignSession sets the template and guardrail assignment. A nil guardrails
	// slice clears the assignment so tenant defaults apply.
	AssignSession(ctx context.Context, tenant domain.Tenant, id string, templateID *int64, guardrails []string) (*domain.ConversationSession, error)

	// SetSessionSentiment toggles sentiment analysis.
	SetSessionSentiment(ctx context.Context, tenant domain.Tenant, id string, enabled bool) (*domain.ConversationSession, error)

	// ArchiveIdleSessions archives active sessions with no activity since before.
	// Halted sessions are never archived by the sweep.
	ArchiveIdleSessions(ctx context.Context, before time.Time) (int64, error)
}

// MessageRepository persists the append-only message log.
type MessageRepository interface {
	// AppendMessage inserts msg and bumps the session's activity timestamp.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// GetMessage retrieves one message.
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)

	// RecentMessages returns the last n messages of a session, oldest first.
	RecentMessages(ctx context.Context, sessionID string, n int) ([]*domain.Message, error)

	// CountMessages counts the messages of a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// ClearMessages removes a session's messages and their sentiment records.
	ClearMessages(ctx context.Context, sessionID string) (int64, error)
}

// MemoryRepository persists user memory facts.
type MemoryRepository interface {
	// UpsertMemory writes a fact keyed by (tenant, user, key).
	UpsertMemory(ctx context.Context, fact *domain.MemoryFact) error

	// GetMemory retrieves one fact.
	GetMemory(ctx context.Context, tenant domain.Tenant, userID, key string) (*domain.MemoryFact, error)

	// ListMemory lists all facts for a user ordered by key.
	ListMemory(ctx context.Context, tenant domain.Tenant, userID string) ([]domain.MemoryFact, error)

	// DeleteMemory removes one fact.
	DeleteMemory(ctx context.Context, tenant domain.Tenant, userID, key string) error

	// ClearMemory removes all facts for a user.
	ClearMemory(ctx context.Context, tenant domain.Tenant, userID string) (int64, error)
}

// WindowSpan is an aggregation window. A zero End is unbounded.
type WindowSpan struct {
	Type  domain.WindowType
	Start time.Time
	End   time.Time
}

// AggregateFunc summarises the ordered records of one window.
type AggregateFunc func(records []domain.SentimentRecord) domain.SentimentAggregate

// SentimentRepository persists sentiment records and aggregates.
type SentimentRepository interface {
	// SaveSentiment upserts rec by message id and recomputes each window with
	// agg, all in one write transaction.
	SaveSentiment(ctx context.Context, rec *domain.SentimentRecord, windows []WindowSpan, agg AggregateFunc) ([]domain.SentimentAggregate, error)

	// ListSentimentRecords returns a session's records, oldest first. limit <= 0 means all.
	ListSentimentRecords(ctx context.Context, sessionID string, limit int) ([]domain.SentimentRecord, error)

	// LatestAggregate returns the most recently updated aggregate of the given window type.
	LatestAggregate(ctx context.Context, sessionID string, window domain.WindowType) (*domain.SentimentAggregate, error)
}
