//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/promptdev/internal/agent"
	"github.com/ashureev/promptdev/internal/assembler"
	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/conversation"
	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/guardrail"
	"github.com/ashureev/promptdev/internal/identity"
	"github.com/ashureev/promptdev/internal/llm"
	"github.com/ashureev/promptdev/internal/metrics"
	"github.com/ashureev/promptdev/internal/render"
	"github.com/ashureev/promptdev/internal/store"
	"github.com/ashureev/promptdev/internal/templates"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.Errorf(domain.ErrInvalidInput, "bad"), http.StatusBadRequest},
		{domain.ErrTemplateNotFound, http.StatusNotFound},
		{domain.ErrDuplicateName, http.StatusConflict},
		{domain.ErrSessionArchived, http.StatusConflict},
		{domain.WithCause(domain.ErrLLMTimeout, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{domain.WithCause(domain.ErrLLMUnreachable, errors.New("dial")), http.StatusServiceUnavailable},
		{domain.ErrMalformedResponse, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}

type stubCompleter struct {
	calls int
	reply string
}

func (s *stubCompleter) Complete(context.Context, string, llm.Options) (string, error) {
	s.calls++
	return s.reply, nil
}

type apiFixture struct {
	router  http.Handler
	llm     *stubCompleter
	metrics *metrics.Metrics
}

func newAPIFixture(t *testing.T, limit int) *apiFixture {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	engine, err := render.NewEngine()
	require.NoError(t, err)
	tmplSvc := templates.NewService(s, engine, nil)
	base, err := tmplSvc.Create(ctx, domain.System(), "base", "You said: {{ current_message }}", "op")
	require.NoError(t, err)
	require.NoError(t, tmplSvc.SetDefault(ctx, domain.System(), &base.ID))

	hub := feed.NewHub(16, nil)
	m := metrics.New()
	machine := conversation.NewMachine(s, hub, false, nil)
	composer := guardrail.NewComposer(s, nil, nil)
	phrases := config.DefaultProfile().Affect
	asm := assembler.New(assembler.Deps{
		Sessions:   machine,
		Templates:  tmplSvc,
		Guardrails: composer,
		Store:      s,
		Renderer:   engine,
	}, assembler.Options{Phrases: phrases}, nil)

	completer := &stubCompleter{reply: "ok"}
	chat := agent.NewService(agent.Deps{
		Builder:  asm,
		LLM:      completer,
		Messages: s,
		Feed:     hub,
		Metrics:  m,
	}, agent.Config{Provider: "stub", Timeout: time.Second}, nil)

	limiter := agent.NewRateLimiter(limit, time.Minute)
	t.Cleanup(limiter.Stop)

	h := NewHandler(Deps{
		Templates:  tmplSvc,
		Guardrails: composer,
		Sessions:   machine,
		Assembler:  asm,
		Chat:       chat,
		Memory:     s,
		Sentiment:  s,
		Feed:       hub,
		Limiter:    limiter,
		Metrics:    m,
		Phrases:    phrases,
	}, "*", true, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware())
	h.RegisterRoutes(r)
	return &apiFixture{router: r, llm: completer, metrics: m}
}

func (f *apiFixture) do(t *testing.T, tenant, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set(identity.TenantHeaderName, tenant)
	}
	req.Header.Set(identity.OperatorHeaderName, "alice")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestTemplateVersionFlow(t *testing.T) {
	f := newAPIFixture(t, 100)

	rec, created := f.do(t, "acme", http.MethodPost, "/v1/templates", map[string]string{"name": "greeter", "content": "Hello {{ user_id }}"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "acme", created["tenant"])
	id := int64(created["id"].(float64))

	rec, _ = f.do(t, "acme", http.MethodPut, fmt.Sprintf("/v1/templates/%d", id), map[string]string{"content": "Hi {{ user_id }}", "note": "shorter"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = f.do(t, "acme", http.MethodPost, fmt.Sprintf("/v1/templates/%d/rollback", id), map[string]int{"version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, _ = f.do(t, "acme", http.MethodGet, fmt.Sprintf("/v1/templates/%d/versions", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var versions []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &versions))
	assert.Len(t, versions, 3)

	rec, body := f.do(t, "acme", http.MethodPost, "/v1/templates", map[string]string{"name": "greeter", "content": "dup"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", body["kind"])
}

func TestTemplatesAreTenantScoped(t *testing.T) {
	f := newAPIFixture(t, 100)

	rec, created := f.do(t, "acme", http.MethodPost, "/v1/templates", map[string]string{"name": "private", "content": "x"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := int64(created["id"].(float64))

	rec, body := f.do(t, "globex", http.MethodGet, fmt.Sprintf("/v1/templates/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", body["kind"])
}

func TestMissingTenantRejected(t *testing.T) {
	f := newAPIFixture(t, 100)
	rec, _ := f.do(t, "", http.MethodGet, "/v1/templates", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHaltBlocksChat(t *testing.T) {
	f := newAPIFixture(t, 100)

	rec, sess := f.do(t, "acme", http.MethodGet, "/v1/users/u1/session", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sid := sess["id"].(string)

	rec, halted := f.do(t, "acme", http.MethodPost, "/v1/sessions/"+sid+"/halt", map[string]string{"reason": "review"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "halted", halted["state"])

	rec, reply := f.do(t, "acme", http.MethodPost, "/v1/chat", map[string]string{"user_id": "u1", "message": "hello?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, reply["blocked"])
	assert.Equal(t, 0, f.llm.calls)

	rec, _ = f.do(t, "acme", http.MethodPost, "/v1/sessions/"+sid+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, reply = f.do(t, "acme", http.MethodPost, "/v1/chat", map[string]string{"user_id": "u1", "message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "ok", reply["reply"])
	assert.Equal(t, 1, f.llm.calls)

	rec, _ = f.do(t, "acme", http.MethodGet, "/v1/sessions/"+sid+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	assert.Len(t, msgs, 2)
}

func TestInjectAndArchive(t *testing.T) {
	f := newAPIFixture(t, 100)

	_, sess := f.do(t, "acme", http.MethodGet, "/v1/users/u2/session", nil)
	sid := sess["id"].(string)

	rec, msg := f.do(t, "acme", http.MethodPost, "/v1/sessions/"+sid+"/inject", map[string]string{"content": "A human is here."})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "A human is here.", msg["content"])

	rec, _ = f.do(t, "acme", http.MethodPost, "/v1/sessions/"+sid+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := f.do(t, "acme", http.MethodPost, "/v1/sessions/"+sid+"/halt", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "state", body["kind"])
}

func TestMemoryRoutes(t *testing.T) {
	f := newAPIFixture(t, 100)

	rec, fact := f.do(t, "acme", http.MethodPut, "/v1/users/u3/memory/pets", map[string]any{"value": []any{"cat", "dog"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{"cat", "dog"}, fact["value"])

	rec, _ = f.do(t, "globex", http.MethodGet, "/v1/users/u3/memory/pets", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, "acme", http.MethodDelete, "/v1/users/u3/memory/pets", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, _ = f.do(t, "acme", http.MethodGet, "/v1/users/u3/memory/pets", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatRateLimited(t *testing.T) {
	f := newAPIFixture(t, 1)

	rec, _ := f.do(t, "acme", http.MethodPost, "/v1/chat", map[string]string{"user_id": "u4", "message": "one"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, body := f.do(t, "acme", http.MethodPost, "/v1/chat", map[string]string{"user_id": "u4", "message": "two"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, true, body["retryable"])

	rec, _ = f.do(t, "globex", http.MethodPost, "/v1/chat", map[string]string{"user_id": "u4", "message": "three"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestSentimentAggregateEmpty(t *testing.T) {
	f := newAPIFixture(t, 100)
	_, sess := f.do(t, "acme", http.MethodGet, "/v1/users/u5/session", nil)
	sid := sess["id"].(string)

	rec, body := f.do(t, "acme", http.MethodGet, "/v1/sessions/"+sid+"/sentiment/aggregate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Nil(t, body["aggregate"])

	rec, _ = f.do(t, "acme", http.MethodGet, "/v1/sessions/"+sid+"/sentiment/aggregate?window=weekly", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, "globex", http.MethodGet, "/v1/sessions/"+sid+"/sentiment/records", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
