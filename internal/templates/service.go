// Package templates manages versioned prompt templates per tenant.
package templates

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/render"
	"github.com/ashureev/promptdev/internal/store"
)

// SystemAuthor is recorded on system-initiated writes.
const SystemAuthor = "system"

// Service is the template store. It reads through to the repository on
// every call and never caches template content.
type Service struct {
	repo     store.TemplateRepository
	renderer render.Renderer
	log      *slog.Logger
}

// NewService creates a template service.
func NewService(repo store.TemplateRepository, renderer render.Renderer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, renderer: renderer, log: log}
}

func validName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", domain.Errorf(domain.ErrInvalidInput, "template name cannot be empty")
	}
	return name, nil
}

// Create validates content and stores a new template at version 1.
func (s *Service) Create(ctx context.Context, tenant domain.Tenant, name, content, author string) (*domain.Template, error) {
	name, err := validName(name)
	if err != nil {
		return nil, err
	}
	if err := s.renderer.Validate(content); err != nil {
		return nil, err
	}

	t := &domain.Template{
		Tenant:    tenant,
		Name:      name,
		Content:   content,
		IsActive:  true,
		CreatedBy: author,
	}
	if err := s.repo.CreateTemplate(ctx, t); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	s.log.Info("Template created", "tenant", tenant.String(), "template_id", t.ID, "name", name, "author", author)
	return t, nil
}

// Update validates content and appends it as the next version.
func (s *Service) Update(ctx context.Context, tenant domain.Tenant, id int64, content, author, note string) (*domain.TemplateVersion, error) {
	if err := s.renderer.Validate(content); err != nil {
		return nil, err
	}
	v, err := s.repo.AppendVersion(ctx, tenant, id, content, author, note)
	if err != nil {
		return nil, fmt.Errorf("update template: %w", err)
	}
	s.log.Info("Template updated", "tenant", tenant.String(), "template_id", id, "version", v.Version, "author", author)
	return v, nil
}

// Rollback appends a new version carrying target's content. History is
// never rewritten.
func (s *Service) Rollback(ctx context.Context, tenant domain.Tenant, id int64, target int, author string) (*domain.TemplateVersion, error) {
	old, err := s.repo.GetVersion(ctx, tenant, id, target)
	if err != nil {
		return nil, fmt.Errorf("rollback template: %w", err)
	}
	v, err := s.repo.AppendVersion(ctx, tenant, id, old.Content, author, fmt.Sprintf("Rollback to version %d", target))
	if err != nil {
		return nil, fmt.Errorf("rollback template: %w", err)
	}
	s.log.Info("Template rolled back", "tenant", tenant.String(), "template_id", id, "target", target, "version", v.Version)
	return v, nil
}

// Activate marks a template usable for rendering.
func (s *Service) Activate(ctx context.Context, tenant domain.Tenant, id int64) error {
	return s.repo.SetTemplateActive(ctx, tenant, id, true)
}

// Deactivate marks a template unusable for rendering.
func (s *Service) Deactivate(ctx context.Context, tenant domain.Tenant, id int64) error {
	return s.repo.SetTemplateActive(ctx, tenant, id, false)
}

// SetShareable controls whether other tenants may clone the template.
func (s *Service) SetShareable(ctx context.Context, tenant domain.Tenant, id int64, shareable bool) error {
	return s.repo.SetTemplateShareable(ctx, tenant, id, shareable)
}

// Clone copies a shareable template into dest as an independent template.
// An empty newName keeps the source name. A non-shareable template owned by
// another tenant is reported as not found.
func (s *Service) Clone(ctx context.Context, sourceID int64, dest domain.Tenant, newName, author string) (*domain.Template, error) {
	src, err := s.repo.GetTemplate(ctx, dest, sourceID)
	switch {
	case err == nil:
		if !src.IsShareable {
			return nil, domain.Errorf(domain.ErrNotShareable, "template %d is not shareable", sourceID)
		}
	case errors.Is(err, domain.ErrTemplateNotFound):
		src, err = s.repo.GetShareableTemplate(ctx, sourceID)
		if err != nil {
			return nil, fmt.Errorf("clone template: %w", err)
		}
	default:
		return nil, fmt.Errorf("clone template: %w", err)
	}

	name := strings.TrimSpace(newName)
	if name == "" {
		name = src.Name
	}
	clone := &domain.Template{
		Tenant:     dest,
		Name:       name,
		Content:    src.Content,
		IsActive:   true,
		ClonedFrom: &domain.Lineage{TemplateID: src.ID, Tenant: src.Tenant},
		CreatedBy:  author,
	}
	if err := s.repo.CreateTemplate(ctx, clone); err != nil {
		return nil, fmt.Errorf("clone template: %w", err)
	}
	s.log.Info("Template cloned", "source_id", src.ID, "source_tenant", src.Tenant.String(),
		"tenant", dest.String(), "template_id", clone.ID, "name", name)
	return clone, nil
}

// Delete removes a template and all of its versions.
func (s *Service) Delete(ctx context.Context, tenant domain.Tenant, id int64) error {
	if err := s.repo.DeleteTemplate(ctx, tenant, id); err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	s.log.Info("Template deleted", "tenant", tenant.String(), "template_id", id)
	return nil
}

// Get returns a template by id.
func (s *Service) Get(ctx context.Context, tenant domain.Tenant, id int64) (*domain.Template, error) {
	return s.repo.GetTemplate(ctx, tenant, id)
}

// GetByName returns a template by name.
func (s *Service) GetByName(ctx context.Context, tenant domain.Tenant, name string) (*domain.Template, error) {
	return s.repo.GetTemplateByName(ctx, tenant, name)
}

// List returns the tenant's templates.
func (s *Service) List(ctx context.Context, tenant domain.Tenant, includeInactive bool) ([]*domain.Template, error) {
	return s.repo.ListTemplates(ctx, tenant, includeInactive)
}

// ListShared returns active shareable templates from every tenant.
func (s *Service) ListShared(ctx context.Context) ([]*domain.Template, error) {
	return s.repo.ListShareableTemplates(ctx)
}

// History returns every version, newest first.
func (s *Service) History(ctx context.Context, tenant domain.Tenant, id int64) ([]*domain.TemplateVersion, error) {
	return s.repo.ListVersions(ctx, tenant, id)
}

// Version returns one stored version.
func (s *Service) Version(ctx context.Context, tenant domain.Tenant, id int64, version int) (*domain.TemplateVersion, error) {
	return s.repo.GetVersion(ctx, tenant, id, version)
}

// SetDefault points the tenant's default at id, or clears it when id is nil.
func (s *Service) SetDefault(ctx context.Context, tenant domain.Tenant, id *int64) error {
	if err := s.repo.SetDefaultTemplate(ctx, tenant, id); err != nil {
		return fmt.Errorf("set default template: %w", err)
	}
	return nil
}

// Defaults returns the tenant's default pointers.
func (s *Service) Defaults(ctx context.Context, tenant domain.Tenant) (*domain.TenantDefaults, error) {
	return s.repo.GetTenantDefaults(ctx, tenant)
}

// Default resolves the tenant's default template. A tenant without its own
// default gets a private clone of the system default on first use.
func (s *Service) Default(ctx context.Context, tenant domain.Tenant) (*domain.Template, error) {
	d, err := s.repo.GetTenantDefaults(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("load tenant defaults: %w", err)
	}
	if d.TemplateID != nil {
		return s.repo.GetTemplate(ctx, tenant, *d.TemplateID)
	}
	if tenant.IsSystem() {
		return nil, domain.Errorf(domain.ErrNoActiveTemplate, "no system default template")
	}

	sys, err := s.repo.GetTenantDefaults(ctx, domain.System())
	if err != nil {
		return nil, fmt.Errorf("load system defaults: %w", err)
	}
	if sys.TemplateID == nil {
		return nil, domain.Errorf(domain.ErrNoActiveTemplate, "no default template for tenant %s", tenant)
	}
	src, err := s.repo.GetTemplate(ctx, domain.System(), *sys.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load system default template: %w", err)
	}
	if !src.IsActive {
		return nil, domain.Errorf(domain.ErrNoActiveTemplate, "system default template %d is inactive", src.ID)
	}

	t, cloned, err := s.repo.ClaimDefaultTemplate(ctx, tenant, src, SystemAuthor)
	if err != nil {
		return nil, fmt.Errorf("claim default template: %w", err)
	}
	if cloned {
		s.log.Info("Cloned system default for tenant", "tenant", tenant.String(), "template_id", t.ID, "source_id", src.ID)
	}
	return t, nil
}

// ForSession returns the template a session renders with: its assignment,
// else the tenant default. Inactive templates are rejected.
func (s *Service) ForSession(ctx context.Context, sess *domain.ConversationSession) (*domain.Template, error) {
	var t *domain.Template
	var err error
	if sess.TemplateID != nil {
		t, err = s.repo.GetTemplate(ctx, sess.Tenant, *sess.TemplateID)
	} else {
		t, err = s.Default(ctx, sess.Tenant)
	}
	if err != nil {
		return nil, err
	}
	if !t.IsActive {
		return nil, domain.Errorf(domain.ErrTemplateInactive, "template %d (%s) is inactive", t.ID, t.Name)
	}
	return t, nil
}
