package domain

import "time"

// RuleTypeSystemInstruction is the only rule type the composer renders.
const RuleTypeSystemInstruction = "system_instruction"

// GuardrailRule is one instruction fragment within a config.
type GuardrailRule struct {
	Type     string `json:"type" yaml:"type"`
	Priority int    `json:"priority" yaml:"priority"`
	Content  string `json:"content" yaml:"content"`
}

// GuardrailConfig is a named, ordered rule set.
type GuardrailConfig struct {
	ID          int64           `json:"id"`
	Tenant      Tenant          `json:"-"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Rules       []GuardrailRule `json:"rules"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
