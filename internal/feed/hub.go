// Package feed fans out supervision events to live operator subscribers.
package feed

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
)

// Event types.
const (
	EventHalt        = "session_halted"
	EventResume      = "session_resumed"
	EventArchive     = "session_archived"
	EventInject      = "operator_injected"
	EventUserMessage = "user_message"
	EventReply       = "assistant_reply"
	EventBlocked     = "generation_blocked"
	EventSentiment   = "sentiment_updated"
)

// Event is one supervision notification.
type Event struct {
	Type      string         `json:"type"`
	Tenant    string         `json:"tenant"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id,omitempty"`
	Operator  string         `json:"operator,omitempty"`
	Content   string         `json:"content,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(tenant domain.Tenant, e Event)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(domain.Tenant, Event) {}

type subscriber struct {
	ch chan Event
}

// Hub delivers events to subscribers of the same tenant. Slow subscribers
// lose events rather than stall publishers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[domain.Tenant]map[*subscriber]struct{}
	buffer  int
	log     *slog.Logger
	dropped atomic.Uint64
}

// NewHub creates a Hub with a per-subscriber buffer.
func NewHub(buffer int, log *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &Hub{subs: make(map[domain.Tenant]map[*subscriber]struct{}), buffer: buffer, log: log}
}

// Subscribe registers for tenant's events. Call cancel to unsubscribe; the
// channel is closed afterwards.
func (h *Hub) Subscribe(tenant domain.Tenant) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[tenant] == nil {
		h.subs[tenant] = make(map[*subscriber]struct{})
	}
	h.subs[tenant][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[tenant], sub)
			if len(h.subs[tenant]) == 0 {
				delete(h.subs, tenant)
			}
			close(sub.ch)
			h.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers e to every subscriber of tenant without blocking.
func (h *Hub) Publish(tenant domain.Tenant, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Tenant = tenant.String()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[tenant] {
		select {
		case sub.ch <- e:
		default:
			h.dropped.Add(1)
			h.log.Debug("Feed subscriber full, dropping event", "tenant", e.Tenant, "type", e.Type)
		}
	}
}

// Dropped reports how many events were discarded for full subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Subscribers returns the number of live subscribers for tenant.
func (h *Hub) Subscribers(tenant domain.Tenant) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenant])
}
