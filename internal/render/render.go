// Package render compiles and executes prompt templates.
package render

import (
	"fmt"
	"sync"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/flosch/pongo2/v6"
)

// Renderer validates and renders template content.
type Renderer interface {
	// Validate parses content and reports syntax errors as domain.ErrInvalidTemplateSyntax.
	Validate(content string) error

	// Render executes content with vars.
	Render(content string, vars map[string]any) (string, error)
}

// bannedTags reach outside the template body (filesystem or other templates).
var bannedTags = []string{"include", "extends", "import", "ssi"}

// Engine is a Jinja-style Renderer. Templates are compiled on every call;
// nothing is cached between requests.
type Engine struct {
	mu  sync.Mutex // TemplateSet marks itself on every compile
	set *pongo2.TemplateSet
}

// Prompts are plain text, so HTML autoescaping stays off. The switch is
// process-wide in pongo2.
var disableAutoescape sync.Once

// NewEngine returns an Engine with filesystem-reaching tags disabled.
func NewEngine() (*Engine, error) {
	disableAutoescape.Do(func() { pongo2.SetAutoescape(false) })
	set := pongo2.NewSet("prompts", pongo2.DefaultLoader)
	for _, tag := range bannedTags {
		if err := set.BanTag(tag); err != nil {
			return nil, fmt.Errorf("ban tag %s: %w", tag, err)
		}
	}
	return &Engine{set: set}, nil
}

func (e *Engine) compile(content string) (*pongo2.Template, error) {
	e.mu.Lock()
	tpl, err := e.set.FromString(content)
	e.mu.Unlock()
	if err != nil {
		return nil, domain.WithCause(domain.ErrInvalidTemplateSyntax, err)
	}
	return tpl, nil
}

// Validate parses content without executing it.
func (e *Engine) Validate(content string) error {
	_, err := e.compile(content)
	return err
}

// Render executes content. Undefined variables render as empty strings.
func (e *Engine) Render(content string, vars map[string]any) (string, error) {
	tpl, err := e.compile(content)
	if err != nil {
		return "", err
	}
	out, err := tpl.Execute(pongo2.Context(vars))
	if err != nil {
		return "", domain.Wrap(domain.KindValidation, domain.CodeInvalidTemplateSyntax, "render template", err)
	}
	return out, nil
}
