package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestRootRegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "migrate", "preview"} {
		assert.True(t, names[want], "missing %s", want)
	}
}

func TestMigrateUpAndStatus(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	db := filepath.Join(t.TempDir(), "cli.db")

	run(t, "--db", db, "migrate", "up")
	out := run(t, "--db", db, "migrate", "status")
	assert.Contains(t, out, "schema version")
	assert.NotContains(t, out, "schema version 0")
}

func TestPreviewWithoutDefaultTemplateFails(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	db := filepath.Join(t.TempDir(), "preview.db")

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--db", db, "preview", "--tenant", "acme", "--user", "u1", "-m", "hello"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "no default template")
}
