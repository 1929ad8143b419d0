package config

import (
	"fmt"
	"os"

	"github.com/ashureev/promptdev/internal/domain"
	"gopkg.in/yaml.v3"
)

// PhrasePair holds the descriptors for one affect dimension.
type PhrasePair struct {
	Low  string `yaml:"low"`
	High string `yaml:"high"`
}

// AffectPhrases maps each dimension to its descriptors.
type AffectPhrases struct {
	Valence    PhrasePair `yaml:"valence"`
	Arousal    PhrasePair `yaml:"arousal"`
	Dominance  PhrasePair `yaml:"dominance"`
	Trust      PhrasePair `yaml:"trust"`
	Engagement PhrasePair `yaml:"engagement"`
}

// GuardrailPreset is a guardrail config installed on demand.
type GuardrailPreset struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Rules       []domain.GuardrailRule `yaml:"rules"`
}

// Profile is operator-tunable content that is not code: the affect phrase
// table and the guardrail presets.
type Profile struct {
	Affect           AffectPhrases     `yaml:"affect_phrases"`
	GuardrailPresets []GuardrailPreset `yaml:"guardrail_presets"`
}

// DefaultProfile returns the built-in profile.
func DefaultProfile() *Profile {
	return &Profile{
		Affect: AffectPhrases{
			Valence:    PhrasePair{Low: "frustrated or upset", High: "positive and upbeat"},
			Arousal:    PhrasePair{Low: "calm and subdued", High: "energetic or excited"},
			Dominance:  PhrasePair{Low: "hesitant", High: "assertive"},
			Trust:      PhrasePair{Low: "guarded", High: "open and trusting"},
			Engagement: PhrasePair{Low: "disengaged", High: "highly engaged"},
		},
		GuardrailPresets: []GuardrailPreset{
			{
				Name:        "unrestricted",
				Description: "No additional instructions.",
			},
			{
				Name:        "research_safe",
				Description: "Candid discussion for research settings with a self-harm backstop.",
				Rules: []domain.GuardrailRule{
					{Type: domain.RuleTypeSystemInstruction, Priority: 100, Content: "If the user expresses intent to harm themselves or others, stop the persona and point them to emergency resources."},
					{Type: domain.RuleTypeSystemInstruction, Priority: 50, Content: "Answer research questions directly and do not refuse on topic alone."},
				},
			},
			{
				Name:        "clinical",
				Description: "Conservative tone for clinical or wellbeing deployments.",
				Rules: []domain.GuardrailRule{
					{Type: domain.RuleTypeSystemInstruction, Priority: 100, Content: "You are not a clinician. Never diagnose or prescribe."},
					{Type: domain.RuleTypeSystemInstruction, Priority: 90, Content: "If the user mentions a crisis, respond with empathy and share crisis line information."},
					{Type: domain.RuleTypeSystemInstruction, Priority: 10, Content: "Keep replies calm, brief and non-judgmental."},
				},
			},
		},
	}
}

// LoadProfile reads a YAML profile from path. An empty path returns the
// built-in profile; omitted sections keep their defaults.
func LoadProfile(path string) (*Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	for i, preset := range p.GuardrailPresets {
		if preset.Name == "" {
			return nil, fmt.Errorf("guardrail preset %d has no name", i)
		}
	}
	return p, nil
}

// Preset returns the named preset.
func (p *Profile) Preset(name string) (GuardrailPreset, bool) {
	for _, preset := range p.GuardrailPresets {
		if preset.Name == name {
			return preset, true
		}
	}
	return GuardrailPreset{}, false
}
