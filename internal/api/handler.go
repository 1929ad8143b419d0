// Package api provides the HTTP operator API over the workbench core.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/promptdev/internal/agent"
	"github.com/ashureev/promptdev/internal/assembler"
	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/conversation"
	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/guardrail"
	"github.com/ashureev/promptdev/internal/identity"
	"github.com/ashureev/promptdev/internal/metrics"
	"github.com/ashureev/promptdev/internal/store"
	"github.com/ashureev/promptdev/internal/templates"
)

const maxRequestBodySize = 1 << 20

// Deps are the services behind the API. Feed, Limiter and Metrics are optional.
type Deps struct {
	Templates  *templates.Service
	Guardrails *guardrail.Composer
	Sessions   *conversation.Machine
	Assembler  *assembler.Assembler
	Chat       *agent.Service
	Memory     store.MemoryRepository
	Sentiment  store.SentimentRepository
	Feed       *feed.Hub
	Limiter    *agent.RateLimiter
	Metrics    *metrics.Metrics
	Phrases    config.AffectPhrases
}

// Handler serves the operator API.
type Handler struct {
	deps          Deps
	allowedOrigin string
	isDev         bool
	log           *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(deps Deps, frontendURL string, isDev bool, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{deps: deps, allowedOrigin: frontendURL, isDev: isDev, log: log}
}

// RegisterRoutes mounts every /v1 route. Callers install identity.Middleware
// on r beforehand.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Route("/templates", h.templateRoutes)
		r.Route("/guardrails", h.guardrailRoutes)
		r.Route("/sessions", h.sessionRoutes)
		r.Route("/users/{userID}", h.userRoutes)
		r.Post("/chat", h.Chat)
		r.Post("/preview", h.Preview)
		r.Get("/feed", h.Feed)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Retryable bool   `json:"retryable"`
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindState:
		return http.StatusConflict
	case domain.KindExternal:
		if errors.Is(err, domain.ErrLLMTimeout) {
			return http.StatusGatewayTimeout
		}
		if errors.Is(err, domain.ErrLLMUnreachable) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError writes err using the domain taxonomy. Internal errors are
// logged and reported without detail.
func (h *Handler) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	var de *domain.Error
	if status == http.StatusInternalServerError || !errors.As(err, &de) {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		JSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Kind: domain.KindInternal.String()})
		return
	}
	if status >= http.StatusInternalServerError {
		h.log.Warn("Upstream failure", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	msg := de.Message
	if msg == "" {
		msg = string(de.Code)
	}
	JSON(w, status, errorBody{
		Error:     msg,
		Code:      string(de.Code),
		Kind:      de.Kind.String(),
		Retryable: de.Retryable,
	})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.Errorf(domain.ErrInvalidInput, "request body too large")
		}
		return domain.Errorf(domain.ErrInvalidInput, "invalid request body: %v", err)
	}
	return nil
}

func pathInt64(r *http.Request, name string) (int64, error) {
	v, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || v <= 0 {
		return 0, domain.Errorf(domain.ErrInvalidInput, "invalid %s %q", name, chi.URLParam(r, name))
	}
	return v, nil
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryBool(r *http.Request, name string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return b
}

func tenantOf(r *http.Request) domain.Tenant {
	return identity.TenantFromContext(r.Context())
}

func operatorOf(r *http.Request) string {
	return identity.OperatorFromContext(r.Context())
}
