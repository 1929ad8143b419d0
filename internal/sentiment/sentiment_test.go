package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/store"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	vec   domain.AffectVector
	err   error
	calls int
	seen  []*domain.Message
}

func (f *fakeExtractor) Extract(_ context.Context, _ string, history []*domain.Message) (domain.AffectVector, error) {
	f.calls++
	f.seen = history
	return f.vec, f.err
}

func (f *fakeExtractor) Model() string { return "fake" }

func TestParseAffect(t *testing.T) {
	t.Parallel()

	valid := `{"valence":0.6,"arousal":0.4,"dominance":0.5,"trust":0.7,"engagement":0.8,"confidence":0.9}`
	for name, input := range map[string]string{
		"plain":  valid,
		"fenced": "```json\n" + valid + "\n```",
		"prose":  "Here you go: " + valid + " hope that helps",
	} {
		a, err := ParseAffect(input)
		require.NoError(t, err, name)
		require.InDelta(t, 0.66, a.Overall(), 1e-9, name)
	}

	_, err := ParseAffect(`{"valence":0.6,"arousal":0.4,"dominance":0.5,"trust":0.7,"confidence":0.9}`)
	require.ErrorIs(t, err, domain.ErrMalformedAffectOutput)

	_, err = ParseAffect(`{"valence":1.6,"arousal":0.4,"dominance":0.5,"trust":0.7,"engagement":0.8,"confidence":0.9}`)
	require.ErrorIs(t, err, domain.ErrMalformedAffectOutput)
	require.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = ParseAffect("no json here")
	require.ErrorIs(t, err, domain.ErrMalformedAffectOutput)
}

func TestAffectSchemaIsStrict(t *testing.T) {
	t.Parallel()

	require.Equal(t, false, affectSchema["additionalProperties"])
	props, ok := affectSchema["properties"].(map[string]any)
	require.True(t, ok)
	require.Len(t, props, 6)
	required, ok := affectSchema["required"].([]any)
	require.True(t, ok)
	require.Len(t, required, 6)
}

func TestBuildInputTruncatesContext(t *testing.T) {
	t.Parallel()

	long := make([]rune, 300)
	for i := range long {
		long[i] = 'x'
	}
	history := []*domain.Message{
		{Role: domain.RoleUser, Content: "first"},
		{Role: domain.RoleAssistant, Content: string(long)},
	}
	in := BuildInput("how are you", history, 1)
	require.NotContains(t, in, "first")
	require.Contains(t, in, "assistant: "+string(long[:contextChars])+"\n")
	require.Contains(t, in, `Message to analyze: "how are you"`)
}

func TestAggregate(t *testing.T) {
	t.Parallel()

	records := []domain.SentimentRecord{
		{Valence: 0, Arousal: 0.2, Dominance: 0.5, Trust: 0.4, Engagement: 0.9, Overall: 0.1},
		{Valence: 0.5, Arousal: 0.4, Dominance: 0.5, Trust: 0.6, Engagement: 0.6, Overall: 0.2},
		{Valence: 1, Arousal: 0.6, Dominance: 0.5, Trust: 0.8, Engagement: 0.3, Overall: 0.3},
	}
	agg := Aggregate(records)
	require.Equal(t, 3, agg.MessageCount)
	require.InDelta(t, 0.5, agg.AvgValence, 1e-9)
	require.InDelta(t, 0.4, agg.AvgArousal, 1e-9)
	require.InDelta(t, 0.6, agg.AvgTrust, 1e-9)
	require.InDelta(t, 0.2, agg.AvgOverall, 1e-9)
	require.NotNil(t, agg.ValenceTrend)
	require.InDelta(t, 0.5, *agg.ValenceTrend, 1e-9)
	require.InDelta(t, -0.3, *agg.EngagementTrend, 1e-9)

	single := Aggregate(records[:1])
	require.Nil(t, single.ValenceTrend)
	require.Nil(t, single.EngagementTrend)

	flat := Slope([]float64{0.4, 0.4, 0.4})
	require.False(t, math.IsNaN(*flat))
	require.Zero(t, *flat)
}

func TestWindows(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	at := time.Date(2026, 3, 2, 14, 35, 10, 0, time.UTC)
	spans := Windows(start, at, []domain.WindowType{domain.WindowHourly, domain.WindowDaily})
	require.Len(t, spans, 3)
	require.Equal(t, domain.WindowSession, spans[0].Type)
	require.Equal(t, start, spans[0].Start)
	require.True(t, spans[0].End.IsZero())
	require.Equal(t, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), spans[1].Start)
	require.Equal(t, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC), spans[1].End)
	require.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), spans[2].Start)
	require.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), spans[2].End)
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	phrases := config.DefaultProfile().Affect

	require.Empty(t, Summarize(nil, phrases))
	require.Equal(t, Neutral, Summarize(&domain.SentimentAggregate{
		MessageCount: 2, AvgValence: 0, AvgArousal: 0.5, AvgDominance: 0.5, AvgTrust: 0.5, AvgEngagement: 0.5,
	}, phrases))

	got := Summarize(&domain.SentimentAggregate{
		MessageCount: 2, AvgValence: -0.8, AvgArousal: 0.5, AvgDominance: 0.5, AvgTrust: 0.9, AvgEngagement: 0.1,
	}, phrases)
	require.Equal(t, "[User sentiment: frustrated or upset, open and trusting, disengaged]", got)
}

func newSession(t *testing.T) (*store.SQLiteStore, *domain.ConversationSession) {
	t.Helper()
	s, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "sentiment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	sess, _, err := s.EnsureCurrentSession(context.Background(), domain.TenantID("acme"), "u1", true)
	require.NoError(t, err)
	return s, sess
}

func appendMessage(t *testing.T, s *store.SQLiteStore, sessionID string, role domain.Role, content string) *domain.Message {
	t.Helper()
	msg := &domain.Message{SessionID: sessionID, Role: role, Content: content}
	require.NoError(t, s.AppendMessage(context.Background(), msg))
	return msg
}

func TestAnnotatorIsIdempotentPerMessage(t *testing.T) {
	t.Parallel()
	s, sess := newSession(t)
	ctx := context.Background()

	appendMessage(t, s, sess.ID, domain.RoleUser, "earlier")
	msg := appendMessage(t, s, sess.ID, domain.RoleUser, "I feel great today")

	ext := &fakeExtractor{vec: domain.AffectVector{Valence: 0.6, Arousal: 0.4, Dominance: 0.5, Trust: 0.7, Engagement: 0.8, Confidence: 0.9}}
	a := NewAnnotator(s, ext, []domain.WindowType{domain.WindowHourly}, 5, nil)

	rec, aggs, err := a.Analyze(ctx, sess, msg)
	require.NoError(t, err)
	require.InDelta(t, 0.66, rec.Overall, 1e-9)
	require.Len(t, aggs, 2)
	require.Len(t, ext.seen, 1)
	require.Equal(t, "earlier", ext.seen[0].Content)

	_, _, err = a.Analyze(ctx, sess, msg)
	require.NoError(t, err)

	records, err := s.ListSentimentRecords(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)

	latest, err := s.LatestAggregate(ctx, sess.ID, domain.WindowSession)
	require.NoError(t, err)
	require.Equal(t, 1, latest.MessageCount)
}

func TestAnnotatorSkipsMalformedOutput(t *testing.T) {
	t.Parallel()
	s, sess := newSession(t)
	ctx := context.Background()
	msg := appendMessage(t, s, sess.ID, domain.RoleUser, "hmm")

	a := NewAnnotator(s, &fakeExtractor{vec: domain.AffectVector{Valence: 2}}, nil, 0, nil)
	_, _, err := a.Analyze(ctx, sess, msg)
	require.ErrorIs(t, err, domain.ErrMalformedAffectOutput)

	a = NewAnnotator(s, &fakeExtractor{err: domain.ErrLLMTimeout}, nil, 0, nil)
	_, _, err = a.Analyze(ctx, sess, msg)
	require.ErrorIs(t, err, domain.ErrLLMTimeout)

	records, err := s.ListSentimentRecords(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Empty(t, records)

	reply := appendMessage(t, s, sess.ID, domain.RoleAssistant, "ok")
	_, _, err = a.Analyze(ctx, sess, reply)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

type blockingAnalyzer struct {
	release chan struct{}
	mu      sync.Mutex
	done    int
}

func (b *blockingAnalyzer) Analyze(ctx context.Context, _ *domain.ConversationSession, _ *domain.Message) (*domain.SentimentRecord, []domain.SentimentAggregate, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	b.mu.Lock()
	b.done++
	b.mu.Unlock()
	return &domain.SentimentRecord{}, nil, nil
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	an := &blockingAnalyzer{release: make(chan struct{})}
	results := make(chan Result, 4)
	d := NewDispatcher(an, 1, 1, time.Second, func(r Result) { results <- r }, nil)
	d.Start(context.Background())

	enabled := &domain.ConversationSession{ID: "s", SentimentEnabled: true}
	disabled := &domain.ConversationSession{ID: "s"}
	msg := &domain.Message{ID: 1, SessionID: "s", Role: domain.RoleUser}

	require.False(t, d.Submit(Job{Session: disabled, Message: msg}))
	require.True(t, d.Submit(Job{Session: enabled, Message: msg}))

	// Wait until the worker holds the first job so the queue slot is free.
	require.Eventually(t, func() bool { return len(d.jobs) == 0 }, time.Second, 5*time.Millisecond)
	require.True(t, d.Submit(Job{Session: enabled, Message: msg}))
	require.False(t, d.Submit(Job{Session: enabled, Message: msg}))

	close(an.release)
	d.Close()
	require.False(t, d.Submit(Job{Session: enabled, Message: msg}))

	require.Len(t, results, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, (<-results).Err)
	}
}

func TestDispatcherDrainsAfterStartContextEnds(t *testing.T) {
	t.Parallel()

	an := &blockingAnalyzer{release: make(chan struct{})}
	results := make(chan Result, 2)
	d := NewDispatcher(an, 1, 2, time.Second, func(r Result) { results <- r }, nil)
	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)

	enabled := &domain.ConversationSession{ID: "s", SentimentEnabled: true}
	msg := &domain.Message{ID: 1, SessionID: "s", Role: domain.RoleUser}
	require.True(t, d.Submit(Job{Session: enabled, Message: msg}))
	require.True(t, d.Submit(Job{Session: enabled, Message: msg}))

	// Shutdown cancels the serving context before the queue is drained.
	cancel()
	close(an.release)
	d.Close()

	require.Len(t, results, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, (<-results).Err)
	}
	require.Equal(t, 2, an.done)
}

func TestDispatcherTimeoutIsSkipped(t *testing.T) {
	t.Parallel()

	an := &blockingAnalyzer{release: make(chan struct{})}
	results := make(chan Result, 1)
	d := NewDispatcher(an, 1, 1, 20*time.Millisecond, func(r Result) { results <- r }, nil)
	d.Start(context.Background())

	require.True(t, d.Submit(Job{
		Session: &domain.ConversationSession{SentimentEnabled: true},
		Message: &domain.Message{SessionID: "s"},
	}))
	res := <-results
	require.True(t, errors.Is(res.Err, context.DeadlineExceeded))
	d.Close()
}

func TestOpenAIExtractor(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/responses", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":         "resp_1",
			"object":     "response",
			"created_at": 0,
			"model":      "affect-model",
			"status":     "completed",
			"output": []map[string]any{{
				"type":   "message",
				"id":     "msg_1",
				"role":   "assistant",
				"status": "completed",
				"content": []map[string]any{{
					"type":        "output_text",
					"text":        `{"valence":-0.5,"arousal":0.9,"dominance":0.2,"trust":0.1,"engagement":0.7,"confidence":0.8}`,
					"annotations": []any{},
				}},
			}},
		})
	}))
	defer srv.Close()

	e := NewOpenAIExtractor("key", srv.URL+"/", "affect-model", 5)
	vec, err := e.Extract(context.Background(), "this is awful", nil)
	require.NoError(t, err)
	require.InDelta(t, -0.5, vec.Valence, 1e-9)
	require.InDelta(t, 0.8, vec.Confidence, 1e-9)
	require.Equal(t, "affect-model", body["model"])
	require.Equal(t, "affect-model", e.Model())
}
