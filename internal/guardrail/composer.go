// Package guardrail stores guardrail configs and composes them into a prompt prefix.
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/store"
)

// Delimiter separates composed instructions, and the prefix from the body.
const Delimiter = "\n\n"

// Repository is the storage the composer needs.
type Repository interface {
	store.GuardrailRepository
	GetTenantDefaults(ctx context.Context, tenant domain.Tenant) (*domain.TenantDefaults, error)
	SetDefaultGuardrails(ctx context.Context, tenant domain.Tenant, names []string) error
}

// Composer manages guardrail configs and renders them into a prefix.
type Composer struct {
	repo    Repository
	presets []config.GuardrailPreset
	log     *slog.Logger
}

// NewComposer creates a Composer. presets may be nil.
func NewComposer(repo Repository, presets []config.GuardrailPreset, log *slog.Logger) *Composer {
	if log == nil {
		log = slog.Default()
	}
	return &Composer{repo: repo, presets: presets, log: log}
}

// ValidateRule rejects any rule type the composer cannot render.
func ValidateRule(rule domain.GuardrailRule) error {
	if rule.Type != domain.RuleTypeSystemInstruction {
		return domain.Errorf(domain.ErrUnsupportedRuleType, "unsupported rule type %q", rule.Type)
	}
	return nil
}

func validateRules(rules []domain.GuardrailRule) error {
	for _, r := range rules {
		if err := ValidateRule(r); err != nil {
			return err
		}
	}
	return nil
}

// ComposeRules orders rules by priority, highest first, keeping insertion
// order among equal priorities, and joins the system instructions.
// Unknown rule types are skipped.
func ComposeRules(rules []domain.GuardrailRule) string {
	sorted := slices.Clone(rules)
	slices.SortStableFunc(sorted, func(a, b domain.GuardrailRule) int {
		return b.Priority - a.Priority
	})

	parts := make([]string, 0, len(sorted))
	for _, r := range sorted {
		if r.Type != domain.RuleTypeSystemInstruction || r.Content == "" {
			continue
		}
		parts = append(parts, r.Content)
	}
	return strings.Join(parts, Delimiter)
}

// Apply prepends prefix to body.
func Apply(prefix, body string) string {
	if prefix == "" {
		return body
	}
	return prefix + Delimiter + body
}

// lookup finds name in tenant's scope, falling back to the system scope.
func (c *Composer) lookup(ctx context.Context, tenant domain.Tenant, name string) (*domain.GuardrailConfig, error) {
	cfg, err := c.repo.GetGuardrail(ctx, tenant, name)
	if err == nil || tenant.IsSystem() || !errors.Is(err, domain.ErrGuardrailNotFound) {
		return cfg, err
	}
	return c.repo.GetGuardrail(ctx, domain.System(), name)
}

// Compose loads the named configs in order, merges the rules of the active
// ones and returns the composed prefix. Unknown names fail with
// domain.ErrGuardrailNotFound; inactive configs contribute nothing.
func (c *Composer) Compose(ctx context.Context, tenant domain.Tenant, names []string) (string, error) {
	var rules []domain.GuardrailRule
	for _, name := range names {
		cfg, err := c.lookup(ctx, tenant, name)
		if err != nil {
			return "", fmt.Errorf("compose guardrails: %w", err)
		}
		if !cfg.IsActive {
			c.log.Debug("Skipping inactive guardrail config", "tenant", tenant.String(), "name", name)
			continue
		}
		rules = append(rules, cfg.Rules...)
	}
	return ComposeRules(rules), nil
}

// ForSession returns the config names that apply to a session: its own
// assignment if set, else the tenant's defaults.
func (c *Composer) ForSession(ctx context.Context, sess *domain.ConversationSession) ([]string, error) {
	if sess.Guardrails != nil {
		return sess.Guardrails, nil
	}
	d, err := c.repo.GetTenantDefaults(ctx, sess.Tenant)
	if err != nil {
		return nil, fmt.Errorf("load default guardrails: %w", err)
	}
	return d.Guardrails, nil
}

// Create stores a new config after validating every rule.
func (c *Composer) Create(ctx context.Context, tenant domain.Tenant, name, description string, rules []domain.GuardrailRule) (*domain.GuardrailConfig, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Errorf(domain.ErrInvalidInput, "guardrail name cannot be empty")
	}
	if err := validateRules(rules); err != nil {
		return nil, err
	}
	cfg := &domain.GuardrailConfig{
		Tenant:      tenant,
		Name:        name,
		Description: description,
		Rules:       rules,
		IsActive:    true,
	}
	if err := c.repo.CreateGuardrail(ctx, cfg); err != nil {
		return nil, fmt.Errorf("create guardrail: %w", err)
	}
	c.log.Info("Guardrail config created", "tenant", tenant.String(), "name", name, "rules", len(rules))
	return cfg, nil
}

// Update changes rules, description or activation of a config.
func (c *Composer) Update(ctx context.Context, tenant domain.Tenant, name string, patch store.GuardrailPatch) (*domain.GuardrailConfig, error) {
	if err := validateRules(patch.Rules); err != nil {
		return nil, err
	}
	cfg, err := c.repo.UpdateGuardrail(ctx, tenant, name, patch)
	if err != nil {
		return nil, fmt.Errorf("update guardrail: %w", err)
	}
	c.log.Info("Guardrail config updated", "tenant", tenant.String(), "name", name)
	return cfg, nil
}

// Delete deactivates a config, or removes it when hard is set.
func (c *Composer) Delete(ctx context.Context, tenant domain.Tenant, name string, hard bool) error {
	if hard {
		if err := c.repo.DeleteGuardrail(ctx, tenant, name); err != nil {
			return fmt.Errorf("delete guardrail: %w", err)
		}
		return nil
	}
	off := false
	_, err := c.Update(ctx, tenant, name, store.GuardrailPatch{IsActive: &off})
	return err
}

// Get returns a config in tenant's scope.
func (c *Composer) Get(ctx context.Context, tenant domain.Tenant, name string) (*domain.GuardrailConfig, error) {
	return c.repo.GetGuardrail(ctx, tenant, name)
}

// List returns configs in tenant's scope.
func (c *Composer) List(ctx context.Context, tenant domain.Tenant) ([]*domain.GuardrailConfig, error) {
	return c.repo.ListGuardrails(ctx, tenant)
}

// SetDefaults replaces the tenant's default config list. Every name must resolve.
func (c *Composer) SetDefaults(ctx context.Context, tenant domain.Tenant, names []string) error {
	for _, name := range names {
		if _, err := c.lookup(ctx, tenant, name); err != nil {
			return err
		}
	}
	if err := c.repo.SetDefaultGuardrails(ctx, tenant, names); err != nil {
		return fmt.Errorf("set default guardrails: %w", err)
	}
	return nil
}

// PresetNames lists the configured presets.
func (c *Composer) PresetNames() []string {
	names := make([]string, 0, len(c.presets))
	for _, p := range c.presets {
		names = append(names, p.Name)
	}
	return names
}

// InstallPresets creates every preset missing from tenant's scope and
// returns the names it created.
func (c *Composer) InstallPresets(ctx context.Context, tenant domain.Tenant) ([]string, error) {
	var created []string
	for _, p := range c.presets {
		_, err := c.Create(ctx, tenant, p.Name, p.Description, p.Rules)
		switch {
		case err == nil:
			created = append(created, p.Name)
		case errors.Is(err, domain.ErrDuplicateName):
		default:
			return created, fmt.Errorf("install preset %s: %w", p.Name, err)
		}
	}
	return created, nil
}
