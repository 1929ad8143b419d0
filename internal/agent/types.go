// Package agent runs chat turns end to end: state check, prompt assembly,
// generation, reply logging and sentiment hand-off.
package agent

import (
	"time"

	"github.com/ashureev/promptdev/internal/domain"
)

// Audit log channels, directions and event types.
const (
	channelChat     = "chat_http"
	channelOperator = "operator"

	directionOutbound = "outbound"
	directionInbound  = "inbound"
	directionControl  = "control"

	eventUserMessage      = "chat_user_message"
	eventAssistantMessage = "chat_assistant_message"
	eventBlocked          = "chat_blocked"
	eventError            = "chat_error"
)

// ChatRequest is one end-user turn.
type ChatRequest struct {
	Tenant    domain.Tenant  `json:"-"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id"`
	Message   string         `json:"message"`
	Variables map[string]any `json:"variables,omitempty"`
	RequestID string         `json:"-"`
}

// ChatResponse is the reply to a turn. A blocked turn carries the pause
// notice as Reply and no message id.
type ChatResponse struct {
	SessionID       string   `json:"session_id"`
	Reply           string   `json:"reply"`
	Blocked         bool     `json:"blocked"`
	MessageID       int64    `json:"message_id,omitempty"`
	TemplateID      int64    `json:"template_id,omitempty"`
	TemplateVersion int      `json:"template_version,omitempty"`
	Guardrails      []string `json:"guardrails,omitempty"`
	SentimentQueued bool     `json:"sentiment_queued"`
}

// Config tunes generation. A nil Temperature leaves it to the provider.
type Config struct {
	Provider    string
	MaxTokens   int
	Temperature *float64
	Timeout     time.Duration
}
