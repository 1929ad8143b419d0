package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestMachine(t *testing.T) (*Machine, *store.SQLiteStore, *feed.Hub) {
	t.Helper()
	s, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	hub := feed.NewHub(16, nil)
	return NewMachine(s, hub, false, nil), s, hub
}

func TestHaltBlocksUntilResume(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	sess, err := m.EnsureCurrent(ctx, acme, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, sess.State)

	v, _, err := m.Check(ctx, acme, sess.ID)
	require.NoError(t, err)
	require.True(t, v.Allowed)

	_, err = m.Halt(ctx, acme, sess.ID, "review", "op1")
	require.NoError(t, err)
	v, got, err := m.Check(ctx, acme, sess.ID)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Equal(t, "review", v.Reason)
	require.Equal(t, "op1", got.HaltedBy)

	// Halting again overwrites the reason without error.
	again, err := m.Halt(ctx, acme, sess.ID, "escalated", "op2")
	require.NoError(t, err)
	require.Equal(t, "escalated", again.HaltReason)
	require.Equal(t, "op2", again.HaltedBy)

	resumed, err := m.Resume(ctx, acme, sess.ID, "op1")
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, resumed.State)
	require.Empty(t, resumed.HaltReason)

	v, _, err = m.Check(ctx, acme, sess.ID)
	require.NoError(t, err)
	require.True(t, v.Allowed)
}

func TestHaltUserUpsertsCurrentSession(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	halted, err := m.HaltUser(ctx, acme, "newcomer", "", "op")
	require.NoError(t, err)
	require.Equal(t, domain.StateHalted, halted.State)
	require.Equal(t, DefaultHaltReason, halted.HaltReason)

	cur, err := m.EnsureCurrent(ctx, acme, "newcomer")
	require.NoError(t, err)
	require.Equal(t, halted.ID, cur.ID)
}

func TestHaltUserAppliesSentimentDefault(t *testing.T) {
	t.Parallel()
	s, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "conv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	m := NewMachine(s, nil, true, nil)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	halted, err := m.HaltUser(ctx, acme, "u1", "review", "op")
	require.NoError(t, err)
	require.True(t, halted.SentimentEnabled)

	resumed, err := m.ResumeUser(ctx, acme, "u2", "op")
	require.NoError(t, err)
	require.True(t, resumed.SentimentEnabled)
}

func TestArchiveSemantics(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	sess, err := m.EnsureCurrent(ctx, acme, "u1")
	require.NoError(t, err)

	_, err = m.Archive(ctx, acme, sess.ID, "op")
	require.NoError(t, err)
	archived, err := m.Archive(ctx, acme, sess.ID, "op")
	require.NoError(t, err)
	require.Equal(t, domain.StateArchived, archived.State)

	v, _, err := m.Check(ctx, acme, sess.ID)
	require.NoError(t, err)
	require.True(t, v.Allowed)

	_, err = m.Halt(ctx, acme, sess.ID, "late", "op")
	require.ErrorIs(t, err, domain.ErrSessionArchived)

	_, err = m.Archive(ctx, acme, "missing", "op")
	require.Error(t, err)
	require.Equal(t, domain.KindState, domain.KindOf(err))

	_, err = m.ArchiveUser(ctx, acme, "nobody", "op")
	require.Equal(t, domain.KindState, domain.KindOf(err))

	next, err := m.EnsureCurrent(ctx, acme, "u1")
	require.NoError(t, err)
	require.NotEqual(t, sess.ID, next.ID)
}

func TestInjectAllowedWhileHalted(t *testing.T) {
	t.Parallel()
	m, _, hub := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	events, cancel := hub.Subscribe(acme)
	defer cancel()

	sess, err := m.EnsureCurrent(ctx, acme, "u1")
	require.NoError(t, err)
	_, err = m.Halt(ctx, acme, sess.ID, "review", "op")
	require.NoError(t, err)

	msg, err := m.Inject(ctx, acme, sess.ID, "We will be right back.", "op")
	require.NoError(t, err)
	require.Equal(t, domain.RoleAssistant, msg.Role)
	require.Equal(t, "op", msg.Operator)

	history, err := m.History(ctx, acme, sess.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "We will be right back.", history[0].Content)

	require.Equal(t, feed.EventHalt, (<-events).Type)
	require.Equal(t, feed.EventInject, (<-events).Type)

	_, err = m.Inject(ctx, acme, sess.ID, "  ", "op")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()

	sess, err := m.EnsureCurrent(ctx, domain.TenantID("acme"), "u1")
	require.NoError(t, err)

	_, err = m.Get(ctx, domain.TenantID("globex"), sess.ID)
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = m.Halt(ctx, domain.TenantID("globex"), sess.ID, "x", "op")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = m.Inject(ctx, domain.System(), sess.ID, "hello", "op")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestListHalted(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	_, err := m.EnsureCurrent(ctx, acme, "calm")
	require.NoError(t, err)
	paused, err := m.HaltUser(ctx, acme, "loud", "review", "op")
	require.NoError(t, err)

	halted, err := m.ListHalted(ctx, acme)
	require.NoError(t, err)
	require.Len(t, halted, 1)
	require.Equal(t, paused.ID, halted[0].ID)
}

func TestAssignValidatesReferences(t *testing.T) {
	t.Parallel()
	m, s, _ := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	sess, err := m.EnsureCurrent(ctx, acme, "u1")
	require.NoError(t, err)

	_, err = m.Assign(ctx, acme, sess.ID, nil, []string{"ghost"})
	require.ErrorIs(t, err, domain.ErrGuardrailNotFound)
	missing := int64(999)
	_, err = m.Assign(ctx, acme, sess.ID, &missing, nil)
	require.ErrorIs(t, err, domain.ErrTemplateNotFound)

	got, err := m.Get(ctx, acme, sess.ID)
	require.NoError(t, err)
	require.Nil(t, got.Guardrails)
	require.Nil(t, got.TemplateID)

	// System configs are visible to every tenant.
	require.NoError(t, s.CreateGuardrail(ctx, &domain.GuardrailConfig{
		Tenant:   domain.System(),
		Name:     "baseline",
		IsActive: true,
		Rules:    []domain.GuardrailRule{{Type: domain.RuleTypeSystemInstruction, Priority: 1, Content: "A"}},
	}))
	assigned, err := m.Assign(ctx, acme, sess.ID, nil, []string{"baseline"})
	require.NoError(t, err)
	require.Equal(t, []string{"baseline"}, assigned.Guardrails)
}

func TestReaperSweep(t *testing.T) {
	t.Parallel()
	m, s, _ := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	sess, err := m.EnsureCurrent(ctx, acme, "u1")
	require.NoError(t, err)

	var archived int64
	r := NewReaper(s, time.Hour, "@every 1m", func(n int64) { archived += n }, nil)
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, int64(1), archived)

	got, err := m.Get(ctx, acme, sess.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateArchived, got.State)

	n, err = r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReaperKeepsHaltedSessionBlocked(t *testing.T) {
	t.Parallel()
	m, s, _ := newTestMachine(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	halted, err := m.HaltUser(ctx, acme, "u1", "review", "op1")
	require.NoError(t, err)

	r := NewReaper(s, time.Hour, "@every 1m", nil, nil)
	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	v, got, err := m.Check(ctx, acme, halted.ID)
	require.NoError(t, err)
	require.False(t, v.Allowed)
	require.Equal(t, "review", v.Reason)
	require.Equal(t, domain.StateHalted, got.State)

	cur, err := m.EnsureCurrent(ctx, acme, "u1")
	require.NoError(t, err)
	require.Equal(t, halted.ID, cur.ID)
	require.False(t, Evaluate(cur).Allowed)
}

func TestReaperRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	r := NewReaper(nil, time.Hour, "not a schedule", nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.Error(t, r.Start(ctx))

	disabled := NewReaper(nil, 0, "not a schedule", nil, nil)
	require.NoError(t, disabled.Start(ctx))
}
