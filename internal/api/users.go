package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/promptdev/internal/domain"
)

type memoryView struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewMemory(f *domain.MemoryFact) memoryView {
	v := memoryView{Key: f.Key, UpdatedAt: f.UpdatedAt}
	if f.Value != nil {
		v.Value = f.Value.AsInterface()
	}
	return v
}

func (h *Handler) userRoutes(r chi.Router) {
	r.Get("/session", h.CurrentSession)
	r.Post("/halt", h.HaltUser)
	r.Post("/resume", h.ResumeUser)
	r.Post("/archive", h.ArchiveUser)
	r.Get("/memory", h.ListMemory)
	r.Delete("/memory", h.ClearMemory)
	r.Get("/memory/{key}", h.GetMemory)
	r.Put("/memory/{key}", h.PutMemory)
	r.Delete("/memory/{key}", h.DeleteMemory)
}

func userOf(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "userID"))
}

// CurrentSession handles GET /v1/users/{userID}/session, creating one when
// the user has no current session.
func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.EnsureCurrent(r.Context(), tenantOf(r), userOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewSession(sess))
}

// HaltUser handles POST /v1/users/{userID}/halt against the current session.
func (h *Handler) HaltUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	sess, err := h.deps.Sessions.HaltUser(r.Context(), tenantOf(r), userOf(r), body.Reason, operatorOf(r))
	h.intervention(w, r, "halt", sess, err)
}

// ResumeUser handles POST /v1/users/{userID}/resume.
func (h *Handler) ResumeUser(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.ResumeUser(r.Context(), tenantOf(r), userOf(r), operatorOf(r))
	h.intervention(w, r, "resume", sess, err)
}

// ArchiveUser handles POST /v1/users/{userID}/archive.
func (h *Handler) ArchiveUser(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deps.Sessions.ArchiveUser(r.Context(), tenantOf(r), userOf(r), operatorOf(r))
	h.intervention(w, r, "archive", sess, err)
}

// ListMemory handles GET /v1/users/{userID}/memory.
func (h *Handler) ListMemory(w http.ResponseWriter, r *http.Request) {
	facts, err := h.deps.Memory.ListMemory(r.Context(), tenantOf(r), userOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	out := make([]memoryView, 0, len(facts))
	for i := range facts {
		out = append(out, viewMemory(&facts[i]))
	}
	JSON(w, http.StatusOK, out)
}

// ClearMemory handles DELETE /v1/users/{userID}/memory.
func (h *Handler) ClearMemory(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Memory.ClearMemory(r.Context(), tenantOf(r), userOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"deleted": n})
}

// GetMemory handles GET /v1/users/{userID}/memory/{key}.
func (h *Handler) GetMemory(w http.ResponseWriter, r *http.Request) {
	f, err := h.deps.Memory.GetMemory(r.Context(), tenantOf(r), userOf(r), chi.URLParam(r, "key"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewMemory(f))
}

// PutMemory handles PUT /v1/users/{userID}/memory/{key} with body {"value": ...}.
func (h *Handler) PutMemory(w http.ResponseWriter, r *http.Request) {
	user, key := userOf(r), strings.TrimSpace(chi.URLParam(r, "key"))
	if user == "" || key == "" {
		h.WriteError(w, r, domain.Errorf(domain.ErrInvalidInput, "user id and key are required"))
		return
	}
	var body struct {
		Value any `json:"value"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	value, err := domain.NewMemoryValue(body.Value)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	fact := &domain.MemoryFact{Tenant: tenantOf(r), UserID: user, Key: key, Value: value}
	if err := h.deps.Memory.UpsertMemory(r.Context(), fact); err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewMemory(fact))
}

// DeleteMemory handles DELETE /v1/users/{userID}/memory/{key}.
func (h *Handler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Memory.DeleteMemory(r.Context(), tenantOf(r), userOf(r), chi.URLParam(r, "key")); err != nil {
		h.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
