package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/promptdev/internal/assembler"
	"github.com/ashureev/promptdev/internal/config"
	"github.com/ashureev/promptdev/internal/conversation"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/guardrail"
	"github.com/ashureev/promptdev/internal/render"
	"github.com/ashureev/promptdev/internal/store"
	"github.com/ashureev/promptdev/internal/templates"
)

// core holds the services shared by serve and preview.
type core struct {
	store      *store.SQLiteStore
	profile    *config.Profile
	templates  *templates.Service
	guardrails *guardrail.Composer
	sessions   *conversation.Machine
	assembler  *assembler.Assembler
}

// buildCore opens the store and wires the domain services. pub receives
// session transitions.
func buildCore(ctx context.Context, cfg *config.Config, pub feed.Publisher, log *slog.Logger) (*core, error) {
	repo, err := store.NewSQLite(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	profile, err := config.LoadProfile(cfg.ProfilePath)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	engine, err := render.NewEngine()
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("initialize template engine: %w", err)
	}

	tmplSvc := templates.NewService(repo, engine, log)
	composer := guardrail.NewComposer(repo, profile.GuardrailPresets, log)
	machine := conversation.NewMachine(repo, pub, cfg.Sessions.SentimentDefault, log)
	asm := assembler.New(assembler.Deps{
		Sessions:   machine,
		Templates:  tmplSvc,
		Guardrails: composer,
		Store:      repo,
		Renderer:   engine,
	}, assembler.Options{
		HistoryLimit:      cfg.HistoryLimit,
		PauseNotice:       cfg.PauseNotice,
		RequireGuardrails: cfg.RequireGuardrails,
		Phrases:           profile.Affect,
	}, log)

	return &core{
		store:      repo,
		profile:    profile,
		templates:  tmplSvc,
		guardrails: composer,
		sessions:   machine,
		assembler:  asm,
	}, nil
}

func (c *core) Close() {
	if err := c.store.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}
