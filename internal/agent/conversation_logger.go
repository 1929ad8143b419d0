package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/feed"
)

// ConversationLogConfig controls NDJSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// ConversationLogEvent is one line of the conversation audit trail.
type ConversationLogEvent struct {
	Timestamp  string         `json:"timestamp"`
	Tenant     string         `json:"tenant,omitempty"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	Operator   string         `json:"operator,omitempty"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// ConversationLogger records conversation events. Log must not block.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) Close() error             { return nil }

// NewConversationLogger returns a logger that appends events to
// Dir/<tenant>/<user>/<session>.ndjson and, optionally, to one global file.
// A disabled config yields a logger that discards everything.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled && !cfg.GlobalEnabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}

	l := &fileConversationLogger{
		cfg:    cfg,
		events: make(chan ConversationLogEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	if cfg.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create conversation log dir: %w", err)
		}
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("open global conversation log: %w", err)
		}
		l.global = f
	}

	go l.run()
	return l, nil
}

type fileConversationLogger struct {
	cfg    ConversationLogConfig
	events chan ConversationLogEvent
	done   chan struct{}
	global *os.File
	logger *slog.Logger

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.events <- event:
	default:
		if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
			l.logger.Warn("Conversation log queue full, dropping events", "dropped", n)
		}
	}
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.events {
		line, err := json.Marshal(event)
		if err != nil {
			l.logger.Warn("Failed to encode conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if l.cfg.Enabled {
			if err := appendLine(l.sessionPath(event), line); err != nil {
				l.logger.Warn("Failed to write conversation log", "session_id", event.SessionID, "error", err)
			}
		}
		if l.global != nil {
			if _, err := l.global.Write(line); err != nil {
				l.logger.Warn("Failed to write global conversation log", "error", err)
			}
		}
	}
}

func (l *fileConversationLogger) sessionPath(event ConversationLogEvent) string {
	parts := []string{l.cfg.Dir}
	if event.Tenant != "" {
		parts = append(parts, safeSegment(event.Tenant))
	}
	parts = append(parts, safeSegment(event.UserID), safeSegment(event.SessionID)+".ndjson")
	return filepath.Join(parts...)
}

// Close stops intake, flushes queued events and closes the global file.
func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.events)
	l.mu.Unlock()

	<-l.done
	if l.global != nil {
		return l.global.Close()
	}
	return nil
}

func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._:-]`)

func safeSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(strings.TrimSpace(s), "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}

var (
	ansiSequence = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)`)
	spaceRun     = regexp.MustCompile(`[ \t]{2,}`)
)

// cleanForReadability strips terminal escapes and control characters.
func cleanForReadability(s string) string {
	s = ansiSequence.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = spaceRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// AuditingPublisher forwards feed events and writes operator interventions
// to the conversation log.
type AuditingPublisher struct {
	next feed.Publisher
	log  ConversationLogger
}

// NewAuditingPublisher wraps next. A nil next discards events after logging.
func NewAuditingPublisher(next feed.Publisher, log ConversationLogger) *AuditingPublisher {
	if next == nil {
		next = feed.Nop{}
	}
	if log == nil {
		log = noopConversationLogger{}
	}
	return &AuditingPublisher{next: next, log: log}
}

// Publish implements feed.Publisher.
func (p *AuditingPublisher) Publish(tenant domain.Tenant, e feed.Event) {
	switch e.Type {
	case feed.EventHalt, feed.EventResume, feed.EventArchive, feed.EventInject:
		p.log.Log(ConversationLogEvent{
			Tenant:     tenant.String(),
			UserID:     e.UserID,
			SessionID:  e.SessionID,
			Channel:    channelOperator,
			Direction:  directionFor(e.Type),
			EventType:  e.Type,
			Operator:   e.Operator,
			ContentRaw: e.Content,
			Meta:       e.Data,
		})
	}
	p.next.Publish(tenant, e)
}

func directionFor(eventType string) string {
	if eventType == feed.EventInject {
		return directionInbound
	}
	return directionControl
}
