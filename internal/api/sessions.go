package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/sentiment"
	"github.com/ashureev/promptdev/internal/store"
)

type sessionView struct {
	*domain.ConversationSession
	Tenant string `json:"tenant"`
}

func viewSession(s *domain.ConversationSession) sessionView {
	return sessionView{ConversationSession: s, Tenant: s.Tenant.String()}
}

func (h *Handler) sessionRoutes(r chi.Router) {
	r.Get("/", h.ListSessions)
	r.Post("/", h.StartSession)
	r.Get("/halted", h.ListHaltedSessions)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/halt", h.HaltSession)
		r.Post("/resume", h.ResumeSession)
		r.Post("/archive", h.ArchiveSession)
		r.Post("/inject", h.InjectMessage)
		r.Put("/assignment", h.AssignSession)
		r.Put("/sentiment", h.SetSessionSentiment)
		r.Get("/messages", h.ListMessages)
		r.Delete("/messages", h.ClearMessages)
		r.Get("/sentiment/records", h.ListSentimentRecords)
		r.Get("/sentiment/aggregate", h.GetSentimentAggregate)
	})
}

// ListSessions handles GET /v1/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		UserID:          q.Get("user_id"),
		State:           domain.SessionState(q.Get("state")),
		IncludeArchived: queryBool(r, "include_archived"),
		Limit:           queryInt(r, "limit", 100),
	}
	if filter.State != "" && !filter.State.Valid() {
		h.WriteError(w, r, domain.Errorf(domain.ErrInvalidInput, "unknown state %q", filter.State))
		return
	}
	sessions, err := h.deps.Sessions.List(r.Context(), tenantOf(r), filter)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.writeSessions(w, sessions)
}

// ListHaltedSessions handles GET /v1/sessions/halted.
func (h *Handler) ListHaltedSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.deps.Sessions.ListHalted(r.Context(), tenantOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.writeSessions(w, sessions)
}

func (h *Handler) writeSessions(w http.ResponseWriter, sessions []*domain.ConversationSession) {
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, viewSession(s))
	}
	JSON(w, http.StatusOK, out)
}

// StartSession handles POST /v1/sessions, making a new session current for the user.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
		Title  string `json:"title"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	sess, err := h.deps.Sessions.Start(r.Context(), tenantOf(r), body.UserID, body.Title)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, viewSession(sess))
}

// GetSession handles GET /v1/sessions/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Get(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewSession(sess))
}

// HaltSession handles POST /v1/sessions/{id}/halt.
func (h *Handler) HaltSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	sess, err := h.deps.Sessions.Halt(r.Context(), tenantOf(r), chi.URLParam(r, "id"), body.Reason, operatorOf(r))
	h.intervention(w, r, "halt", sess, err)
}

// ResumeSession handles POST /v1/sessions/{id}/resume.
func (h *Handler) ResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Resume(r.Context(), tenantOf(r), chi.URLParam(r, "id"), operatorOf(r))
	h.intervention(w, r, "resume", sess, err)
}

// ArchiveSession handles POST /v1/sessions/{id}/archive.
func (h *Handler) ArchiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Archive(r.Context(), tenantOf(r), chi.URLParam(r, "id"), operatorOf(r))
	h.intervention(w, r, "archive", sess, err)
}

func (h *Handler) intervention(w http.ResponseWriter, r *http.Request, kind string, sess *domain.ConversationSession, err error) {
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.deps.Metrics.RecordIntervention(kind)
	JSON(w, http.StatusOK, viewSession(sess))
}

// InjectMessage handles POST /v1/sessions/{id}/inject. The message is
// recorded as an assistant turn without calling the model.
func (h *Handler) InjectMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	msg, err := h.deps.Sessions.Inject(r.Context(), tenantOf(r), chi.URLParam(r, "id"), body.Content, operatorOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	h.deps.Metrics.RecordIntervention("inject")
	JSON(w, http.StatusCreated, msg)
}

// AssignSession handles PUT /v1/sessions/{id}/assignment. A null guardrails
// list falls back to the tenant defaults.
func (h *Handler) AssignSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID *int64   `json:"template_id"`
		Guardrails []string `json:"guardrails"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	sess, err := h.deps.Sessions.Assign(r.Context(), tenantOf(r), chi.URLParam(r, "id"), body.TemplateID, body.Guardrails)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewSession(sess))
}

// SetSessionSentiment handles PUT /v1/sessions/{id}/sentiment.
func (h *Handler) SetSessionSentiment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	sess, err := h.deps.Sessions.SetSentiment(r.Context(), tenantOf(r), chi.URLParam(r, "id"), body.Enabled)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewSession(sess))
}

// ListMessages handles GET /v1/sessions/{id}/messages?limit=n, oldest first.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.deps.Sessions.History(r.Context(), tenantOf(r), chi.URLParam(r, "id"), queryInt(r, "limit", 50))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, msgs)
}

// ClearMessages handles DELETE /v1/sessions/{id}/messages.
func (h *Handler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Sessions.ClearHistory(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// ListSentimentRecords handles GET /v1/sessions/{id}/sentiment/records.
func (h *Handler) ListSentimentRecords(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Get(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	recs, err := h.deps.Sentiment.ListSentimentRecords(r.Context(), sess.ID, queryInt(r, "limit", 0))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if recs == nil {
		recs = []domain.SentimentRecord{}
	}
	JSON(w, http.StatusOK, recs)
}

// GetSentimentAggregate handles GET /v1/sessions/{id}/sentiment/aggregate?window=session.
func (h *Handler) GetSentimentAggregate(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.Get(r.Context(), tenantOf(r), chi.URLParam(r, "id"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	window := domain.WindowType(r.URL.Query().Get("window"))
	switch window {
	case "":
		window = domain.WindowSession
	case domain.WindowSession, domain.WindowHourly, domain.WindowDaily:
	default:
		h.WriteError(w, r, domain.Errorf(domain.ErrInvalidInput, "unknown window %q", window))
		return
	}
	agg, err := h.deps.Sentiment.LatestAggregate(r.Context(), sess.ID, window)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"aggregate": agg,
		"summary":   sentiment.Summarize(agg, h.deps.Phrases),
	})
}
