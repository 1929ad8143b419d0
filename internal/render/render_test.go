package render

import (
	"testing"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestRenderInterpolationConditionalsAndLoops(t *testing.T) {
	t.Parallel()
	e, err := NewEngine()
	require.NoError(t, err)

	content := `Hi {{name}}.{% if has_history %} Recent:{% for m in history %} [{{ m.role }}] {{ m.content }}{% endfor %}{% endif %}`
	out, err := e.Render(content, map[string]any{
		"name":        "Ada",
		"has_history": true,
		"history": []map[string]any{
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hey"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Hi Ada. Recent: [user] hello [assistant] hey", out)
}

func TestRenderUndefinedVariableIsEmpty(t *testing.T) {
	t.Parallel()
	e, err := NewEngine()
	require.NoError(t, err)

	out, err := e.Render("Hello {{name}}!", nil)
	require.NoError(t, err)
	require.Equal(t, "Hello !", out)
}

func TestValidateRejectsMalformedSyntax(t *testing.T) {
	t.Parallel()
	e, err := NewEngine()
	require.NoError(t, err)

	for _, content := range []string{"{% if x %}unterminated", "{{ name ", "{% for %}{% endfor %}"} {
		err := e.Validate(content)
		require.ErrorIs(t, err, domain.ErrInvalidTemplateSyntax, content)
		require.Equal(t, domain.KindValidation, domain.KindOf(err))
	}
	require.NoError(t, e.Validate("Hi {{name}}"))
}

func TestIncludeIsBanned(t *testing.T) {
	t.Parallel()
	e, err := NewEngine()
	require.NoError(t, err)

	require.ErrorIs(t, e.Validate(`{% include "/etc/passwd" %}`), domain.ErrInvalidTemplateSyntax)
}

func TestRenderDoesNotEscapeText(t *testing.T) {
	t.Parallel()
	e, err := NewEngine()
	require.NoError(t, err)

	out, err := e.Render("{{ msg }}", map[string]any{"msg": `I'm <fine> & "ok"`})
	require.NoError(t, err)
	require.Equal(t, `I'm <fine> & "ok"`, out)
}
