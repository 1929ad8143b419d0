package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/promptdev/internal/domain"
)

type templateView struct {
	*domain.Template
	Tenant           string `json:"tenant"`
	ClonedFromTenant string `json:"cloned_from_tenant,omitempty"`
}

func viewTemplate(t *domain.Template) templateView {
	v := templateView{Template: t, Tenant: t.Tenant.String()}
	if t.ClonedFrom != nil {
		v.ClonedFromTenant = t.ClonedFrom.Tenant.String()
	}
	return v
}

func viewTemplates(ts []*domain.Template) []templateView {
	out := make([]templateView, 0, len(ts))
	for _, t := range ts {
		out = append(out, viewTemplate(t))
	}
	return out
}

func (h *Handler) templateRoutes(r chi.Router) {
	r.Get("/", h.ListTemplates)
	r.Post("/", h.CreateTemplate)
	r.Get("/shared", h.ListSharedTemplates)
	r.Get("/default", h.GetDefaultTemplate)
	r.Put("/default", h.SetDefaultTemplate)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetTemplate)
		r.Put("/", h.UpdateTemplate)
		r.Delete("/", h.DeleteTemplate)
		r.Post("/rollback", h.RollbackTemplate)
		r.Post("/activate", h.setTemplateActive(true))
		r.Post("/deactivate", h.setTemplateActive(false))
		r.Put("/shareable", h.SetTemplateShareable)
		r.Post("/clone", h.CloneTemplate)
		r.Get("/versions", h.ListTemplateVersions)
		r.Get("/versions/{version}", h.GetTemplateVersion)
	})
}

// ListTemplates handles GET /v1/templates.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := h.deps.Templates.List(r.Context(), tenantOf(r), queryBool(r, "include_inactive"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewTemplates(ts))
}

// ListSharedTemplates handles GET /v1/templates/shared.
func (h *Handler) ListSharedTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := h.deps.Templates.ListShared(r.Context())
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewTemplates(ts))
}

// CreateTemplate handles POST /v1/templates.
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	t, err := h.deps.Templates.Create(r.Context(), tenantOf(r), body.Name, body.Content, operatorOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, viewTemplate(t))
}

// GetTemplate handles GET /v1/templates/{id}.
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	t, err := h.deps.Templates.Get(r.Context(), tenantOf(r), id)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewTemplate(t))
}

// UpdateTemplate handles PUT /v1/templates/{id}, appending a new version.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	var body struct {
		Content string `json:"content"`
		Note    string `json:"note"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	v, err := h.deps.Templates.Update(r.Context(), tenantOf(r), id, body.Content, operatorOf(r), body.Note)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// RollbackTemplate handles POST /v1/templates/{id}/rollback.
func (h *Handler) RollbackTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	var body struct {
		Version int `json:"version"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	if body.Version <= 0 {
		h.WriteError(w, r, domain.Errorf(domain.ErrInvalidInput, "version must be > 0"))
		return
	}
	v, err := h.deps.Templates.Rollback(r.Context(), tenantOf(r), id, body.Version, operatorOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

func (h *Handler) setTemplateActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathInt64(r, "id")
		if err != nil {
			h.WriteError(w, r, err)
			return
		}
		if active {
			err = h.deps.Templates.Activate(r.Context(), tenantOf(r), id)
		} else {
			err = h.deps.Templates.Deactivate(r.Context(), tenantOf(r), id)
		}
		if err != nil {
			h.WriteError(w, r, err)
			return
		}
		JSON(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
	}
}

// SetTemplateShareable handles PUT /v1/templates/{id}/shareable.
func (h *Handler) SetTemplateShareable(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	var body struct {
		Shareable bool `json:"shareable"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	if err := h.deps.Templates.SetShareable(r.Context(), tenantOf(r), id, body.Shareable); err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"id": id, "is_shareable": body.Shareable})
}

// CloneTemplate handles POST /v1/templates/{id}/clone into the caller's tenant.
func (h *Handler) CloneTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	var body struct {
		Name string `json:"name"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	t, err := h.deps.Templates.Clone(r.Context(), id, tenantOf(r), body.Name, operatorOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, viewTemplate(t))
}

// DeleteTemplate handles DELETE /v1/templates/{id}.
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if err := h.deps.Templates.Delete(r.Context(), tenantOf(r), id); err != nil {
		h.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListTemplateVersions handles GET /v1/templates/{id}/versions, newest first.
func (h *Handler) ListTemplateVersions(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	vs, err := h.deps.Templates.History(r.Context(), tenantOf(r), id)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, vs)
}

// GetTemplateVersion handles GET /v1/templates/{id}/versions/{version}.
func (h *Handler) GetTemplateVersion(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	version, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil || version <= 0 {
		h.WriteError(w, r, domain.Errorf(domain.ErrInvalidInput, "invalid version %q", chi.URLParam(r, "version")))
		return
	}
	v, err := h.deps.Templates.Version(r.Context(), tenantOf(r), id, version)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, v)
}

// GetDefaultTemplate handles GET /v1/templates/default. A tenant without its
// own default receives its clone of the system default.
func (h *Handler) GetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Templates.Default(r.Context(), tenantOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, viewTemplate(t))
}

// SetDefaultTemplate handles PUT /v1/templates/default. A null template_id clears it.
func (h *Handler) SetDefaultTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TemplateID *int64 `json:"template_id"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	if err := h.deps.Templates.SetDefault(r.Context(), tenantOf(r), body.TemplateID); err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"template_id": body.TemplateID})
}
