package domain

import "time"

// Template is a named prompt body owned by a tenant.
type Template struct {
	ID             int64     `json:"id"`
	Tenant         Tenant    `json:"-"`
	Name           string    `json:"name"`
	Content        string    `json:"content"`
	CurrentVersion int       `json:"current_version"`
	IsActive       bool      `json:"is_active"`
	IsShareable    bool      `json:"is_shareable"`
	ClonedFrom     *Lineage  `json:"cloned_from,omitempty"`
	CreatedBy      string    `json:"created_by"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Lineage records where a cloned template came from.
type Lineage struct {
	TemplateID int64  `json:"template_id"`
	Tenant     Tenant `json:"-"`
}

// TemplateVersion is one immutable revision of a template.
type TemplateVersion struct {
	TemplateID int64     `json:"template_id"`
	Version    int       `json:"version"`
	Content    string    `json:"content"`
	CreatedBy  string    `json:"created_by"`
	Note       string    `json:"note"`
	CreatedAt  time.Time `json:"created_at"`
}

// TenantDefaults is the per-tenant default template pointer and guardrail list.
type TenantDefaults struct {
	Tenant     Tenant    `json:"-"`
	TemplateID *int64    `json:"template_id,omitempty"`
	Guardrails []string  `json:"guardrails"`
	UpdatedAt  time.Time `json:"updated_at"`
}
