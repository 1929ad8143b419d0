package agent

import (
	"context"

	"github.com/ashureev/promptdev/internal/assembler"
	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/sentiment"
)

// PromptBuilder checks session state and assembles the prompt for a turn.
type PromptBuilder interface {
	Build(ctx context.Context, req assembler.Request) (*assembler.Result, error)
}

// MessageAppender records generated replies.
type MessageAppender interface {
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

// SentimentQueue accepts asynchronous analyses without blocking.
type SentimentQueue interface {
	Submit(job sentiment.Job) bool
}

// Ensure the concrete collaborators satisfy the ports.
var (
	_ PromptBuilder  = (*assembler.Assembler)(nil)
	_ SentimentQueue = (*sentiment.Dispatcher)(nil)
)
