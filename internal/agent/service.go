package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/promptdev/internal/assembler"
	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/llm"
	"github.com/ashureev/promptdev/internal/metrics"
	"github.com/ashureev/promptdev/internal/sentiment"
)

// Deps are the collaborators of a Service. Sentiment, Feed, Audit and
// Metrics are optional.
type Deps struct {
	Builder   PromptBuilder
	LLM       llm.Completer
	Messages  MessageAppender
	Sentiment SentimentQueue
	Feed      feed.Publisher
	Audit     ConversationLogger
	Metrics   *metrics.Metrics
}

// Service runs chat turns.
type Service struct {
	builder   PromptBuilder
	llm       llm.Completer
	messages  MessageAppender
	sentiment SentimentQueue
	feed      feed.Publisher
	audit     ConversationLogger
	metrics   *metrics.Metrics
	cfg       Config
	log       *slog.Logger
}

// NewService creates a chat service.
func NewService(deps Deps, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if deps.Feed == nil {
		deps.Feed = feed.Nop{}
	}
	if deps.Audit == nil {
		deps.Audit = noopConversationLogger{}
	}
	return &Service{
		builder:   deps.Builder,
		llm:       deps.LLM,
		messages:  deps.Messages,
		sentiment: deps.Sentiment,
		feed:      deps.Feed,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		cfg:       cfg,
		log:       log,
	}
}

// Chat handles one user turn. A halted session returns the pause notice
// without calling the model. Generation failures are returned as retryable
// External errors; the user message stays recorded.
func (s *Service) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	res, err := s.builder.Build(ctx, assembler.Request{
		Tenant:    req.Tenant,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Message:   req.Message,
		Extra:     req.Variables,
	})
	if err != nil {
		s.metrics.RecordChat(metrics.OutcomeFailed)
		return nil, err
	}
	sess := res.Session

	if res.Blocked {
		s.metrics.RecordChat(metrics.OutcomeBlocked)
		s.feed.Publish(req.Tenant, feed.Event{
			Type:      feed.EventBlocked,
			SessionID: sess.ID,
			UserID:    sess.UserID,
			Content:   req.Message,
			Data:      map[string]any{"reason": res.Reason},
		})
		s.record(req, sess, directionOutbound, eventBlocked, req.Message, map[string]any{"reason": res.Reason})
		return &ChatResponse{SessionID: sess.ID, Reply: res.Notice, Blocked: true}, nil
	}

	s.record(req, sess, directionOutbound, eventUserMessage, req.Message, nil)
	s.feed.Publish(req.Tenant, feed.Event{
		Type:      feed.EventUserMessage,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Content:   req.Message,
	})

	reply, err := s.complete(ctx, res.Prompt)
	if err != nil {
		s.metrics.RecordChat(metrics.OutcomeFailed)
		s.annotate(req.Tenant, sess, res.UserMessage)
		s.log.Error("Generation failed",
			"tenant", req.Tenant.String(),
			"session_id", sess.ID,
			"retryable", domain.IsRetryable(err),
			"error", err)
		s.record(req, sess, directionInbound, eventError, "", map[string]any{"error": err.Error()})
		return nil, err
	}

	msg := &domain.Message{SessionID: sess.ID, Role: domain.RoleAssistant, Content: reply}
	if err := s.messages.AppendMessage(ctx, msg); err != nil {
		s.metrics.RecordChat(metrics.OutcomeFailed)
		return nil, fmt.Errorf("append assistant reply: %w", err)
	}

	queued := s.annotate(req.Tenant, sess, res.UserMessage)
	s.metrics.RecordChat(metrics.OutcomeReplied)
	s.record(req, sess, directionInbound, eventAssistantMessage, reply, map[string]any{"message_id": msg.ID})
	s.feed.Publish(req.Tenant, feed.Event{
		Type:      feed.EventReply,
		SessionID: sess.ID,
		UserID:    sess.UserID,
		Content:   reply,
	})

	out := &ChatResponse{
		SessionID:       sess.ID,
		Reply:           reply,
		MessageID:       msg.ID,
		Guardrails:      res.Guardrails,
		SentimentQueued: queued,
	}
	if res.Template != nil {
		out.TemplateID = res.Template.ID
		out.TemplateVersion = res.Template.CurrentVersion
	}
	return out, nil
}

// complete calls the model under the configured timeout. Failures that are
// not already classified become LLMTimeout or LLMUnreachable.
func (s *Service) complete(ctx context.Context, prompt string) (string, error) {
	callCtx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := s.llm.Complete(callCtx, prompt, llm.Options{
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
	})
	s.metrics.RecordLLMCall(s.cfg.Provider, time.Since(start), err)
	if err == nil {
		return text, nil
	}

	var de *domain.Error
	if errors.As(err, &de) {
		return "", err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return "", domain.WithCause(domain.ErrLLMTimeout, err)
	}
	return "", domain.WithCause(domain.ErrLLMUnreachable, err)
}

func (s *Service) annotate(tenant domain.Tenant, sess *domain.ConversationSession, msg *domain.Message) bool {
	if s.sentiment == nil || msg == nil || !sess.SentimentEnabled {
		return false
	}
	ok := s.sentiment.Submit(sentiment.Job{Tenant: tenant, Session: sess, Message: msg})
	if !ok {
		s.metrics.RecordSentimentDropped()
	}
	return ok
}

func (s *Service) record(req ChatRequest, sess *domain.ConversationSession, direction, eventType, content string, meta map[string]any) {
	if req.RequestID != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["request_id"] = req.RequestID
	}
	s.audit.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Tenant:     req.Tenant.String(),
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		Channel:    channelChat,
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta:       meta,
	})
}

// Close flushes the audit log.
func (s *Service) Close() error {
	if err := s.audit.Close(); err != nil {
		return fmt.Errorf("close conversation logger: %w", err)
	}
	return nil
}
