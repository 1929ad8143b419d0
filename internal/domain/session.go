package domain

import "time"

// SessionState is the supervision state of a conversation.
type SessionState string

const (
	StateActive   SessionState = "active"
	StateHalted   SessionState = "halted"
	StateArchived SessionState = "archived"
)

// Valid reports whether s is a known state.
func (s SessionState) Valid() bool {
	switch s {
	case StateActive, StateHalted, StateArchived:
		return true
	}
	return false
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ConversationSession is the addressable conversation unit per (tenant, user).
type ConversationSession struct {
	ID               string       `json:"id"`
	Tenant           Tenant       `json:"-"`
	UserID           string       `json:"user_id"`
	Title            string       `json:"title"`
	State            SessionState `json:"state"`
	HaltReason       string       `json:"halt_reason,omitempty"`
	HaltedBy         string       `json:"halted_by,omitempty"`
	SentimentEnabled bool         `json:"sentiment_enabled"`
	TemplateID       *int64       `json:"template_id,omitempty"`
	Guardrails       []string     `json:"guardrails,omitempty"`
	IsCurrent        bool         `json:"is_current"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	LastMessageAt    *time.Time   `json:"last_message_at,omitempty"`
}

// Halted reports whether generation is blocked.
func (s *ConversationSession) Halted() bool { return s.State == StateHalted }

// Message is one entry in a session's append-only log.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Operator  string    `json:"operator,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Verdict is the outcome of a state check.
type Verdict struct {
	Allowed bool
	Reason  string
}

// Allowed is the verdict for a session that may generate.
func Allowed() Verdict { return Verdict{Allowed: true} }

// Blocked is the verdict for a halted session.
func Blocked(reason string) Verdict { return Verdict{Reason: reason} }
