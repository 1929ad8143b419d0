package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/store"
)

type guardrailView struct {
	*domain.GuardrailConfig
	Tenant string `json:"tenant"`
}

func (h *Handler) guardrailRoutes(r chi.Router) {
	r.Get("/", h.ListGuardrails)
	r.Post("/", h.CreateGuardrail)
	r.Post("/compose", h.ComposeGuardrails)
	r.Get("/presets", h.ListGuardrailPresets)
	r.Post("/presets/install", h.InstallGuardrailPresets)
	r.Get("/defaults", h.GetDefaultGuardrails)
	r.Put("/defaults", h.SetDefaultGuardrails)
	r.Get("/{name}", h.GetGuardrail)
	r.Patch("/{name}", h.UpdateGuardrail)
	r.Delete("/{name}", h.DeleteGuardrail)
}

// ListGuardrails handles GET /v1/guardrails.
func (h *Handler) ListGuardrails(w http.ResponseWriter, r *http.Request) {
	cfgs, err := h.deps.Guardrails.List(r.Context(), tenantOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	out := make([]guardrailView, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, guardrailView{GuardrailConfig: c, Tenant: c.Tenant.String()})
	}
	JSON(w, http.StatusOK, out)
}

// CreateGuardrail handles POST /v1/guardrails.
func (h *Handler) CreateGuardrail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Rules       []domain.GuardrailRule `json:"rules"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	cfg, err := h.deps.Guardrails.Create(r.Context(), tenantOf(r), body.Name, body.Description, body.Rules)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, guardrailView{GuardrailConfig: cfg, Tenant: cfg.Tenant.String()})
}

// GetGuardrail handles GET /v1/guardrails/{name}.
func (h *Handler) GetGuardrail(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.deps.Guardrails.Get(r.Context(), tenantOf(r), chi.URLParam(r, "name"))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, guardrailView{GuardrailConfig: cfg, Tenant: cfg.Tenant.String()})
}

// UpdateGuardrail handles PATCH /v1/guardrails/{name}. Absent fields are left unchanged.
func (h *Handler) UpdateGuardrail(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rules       []domain.GuardrailRule `json:"rules"`
		Description *string                `json:"description"`
		IsActive    *bool                  `json:"is_active"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	cfg, err := h.deps.Guardrails.Update(r.Context(), tenantOf(r), chi.URLParam(r, "name"), store.GuardrailPatch{
		Rules:       body.Rules,
		Description: body.Description,
		IsActive:    body.IsActive,
	})
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, guardrailView{GuardrailConfig: cfg, Tenant: cfg.Tenant.String()})
}

// DeleteGuardrail handles DELETE /v1/guardrails/{name}. It deactivates the
// config unless ?hard=true.
func (h *Handler) DeleteGuardrail(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Guardrails.Delete(r.Context(), tenantOf(r), chi.URLParam(r, "name"), queryBool(r, "hard")); err != nil {
		h.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ComposeGuardrails handles POST /v1/guardrails/compose and returns the prefix.
func (h *Handler) ComposeGuardrails(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Names []string `json:"names"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	prefix, err := h.deps.Guardrails.Compose(r.Context(), tenantOf(r), body.Names)
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"names": body.Names, "prefix": prefix})
}

// ListGuardrailPresets handles GET /v1/guardrails/presets.
func (h *Handler) ListGuardrailPresets(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]any{"presets": h.deps.Guardrails.PresetNames()})
}

// InstallGuardrailPresets handles POST /v1/guardrails/presets/install.
func (h *Handler) InstallGuardrailPresets(w http.ResponseWriter, r *http.Request) {
	created, err := h.deps.Guardrails.InstallPresets(r.Context(), tenantOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	if created == nil {
		created = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"created": created})
}

// GetDefaultGuardrails handles GET /v1/guardrails/defaults.
func (h *Handler) GetDefaultGuardrails(w http.ResponseWriter, r *http.Request) {
	d, err := h.deps.Templates.Defaults(r.Context(), tenantOf(r))
	if err != nil {
		h.WriteError(w, r, err)
		return
	}
	names := d.Guardrails
	if names == nil {
		names = []string{}
	}
	JSON(w, http.StatusOK, map[string]any{"names": names})
}

// SetDefaultGuardrails handles PUT /v1/guardrails/defaults.
func (h *Handler) SetDefaultGuardrails(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Names []string `json:"names"`
	}
	if err := decode(w, r, &body); err != nil {
		h.WriteError(w, r, err)
		return
	}
	if err := h.deps.Guardrails.SetDefaults(r.Context(), tenantOf(r), body.Names); err != nil {
		h.WriteError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{"names": body.Names})
}
