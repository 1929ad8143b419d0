package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	os.Unsetenv("LLM_PROVIDER")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HistoryLimit != 10 {
		t.Fatalf("expected history limit 10, got %d", cfg.HistoryLimit)
	}
	if cfg.LLM.Timeout != 30*time.Second {
		t.Fatalf("expected 30s LLM timeout, got %v", cfg.LLM.Timeout)
	}
	if cfg.RequireGuardrails {
		t.Fatal("guardrails must not be required by default")
	}
	if len(cfg.Sentiment.Windows) != 2 {
		t.Fatalf("expected hourly and daily windows, got %v", cfg.Sentiment.Windows)
	}
}

func TestLoadRejectsUnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestLoadRejectsUnknownWindow(t *testing.T) {
	t.Setenv("SENTIMENT_WINDOWS", "hourly,weekly")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown window")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HISTORY_LIMIT", "4")
	t.Setenv("REQUIRE_GUARDRAILS", "yes")
	t.Setenv("LLM_TIMEOUT", "5s")
	t.Setenv("SENTIMENT_WINDOWS", "daily")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HistoryLimit != 4 || !cfg.RequireGuardrails || cfg.LLM.Timeout != 5*time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Sentiment.Windows) != 1 || cfg.Sentiment.Windows[0] != domain.WindowDaily {
		t.Fatalf("unexpected windows: %v", cfg.Sentiment.Windows)
	}
}

func TestLoadProfileMergesOverDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profile.yaml")
	data := []byte(`
affect_phrases:
  trust:
    low: wary
    high: trusting
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if p.Affect.Trust.Low != "wary" {
		t.Fatalf("expected override, got %q", p.Affect.Trust.Low)
	}
	if p.Affect.Engagement.High != "highly engaged" {
		t.Fatalf("expected default to survive, got %q", p.Affect.Engagement.High)
	}
	if _, ok := p.Preset("clinical"); !ok {
		t.Fatal("expected built-in presets to survive")
	}
}

func TestLoadProfileEmptyPath(t *testing.T) {
	t.Parallel()

	p, err := LoadProfile("")
	if err != nil {
		t.Fatalf("LoadProfile failed: %v", err)
	}
	if len(p.GuardrailPresets) != 3 {
		t.Fatalf("expected 3 presets, got %d", len(p.GuardrailPresets))
	}
}
