package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/promptdev/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTemplate(t *testing.T, s *SQLiteStore, tenant domain.Tenant, name, content string) *domain.Template {
	t.Helper()
	tmpl := &domain.Template{Tenant: tenant, Name: name, Content: content, IsActive: true, CreatedBy: "op"}
	require.NoError(t, s.CreateTemplate(context.Background(), tmpl))
	return tmpl
}

func TestMigrationsApplied(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	v, err := SchemaVersion(context.Background(), s.db)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestTemplateNameUniquePerScope(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	createTemplate(t, s, domain.TenantID("acme"), "companion", "Hi")
	createTemplate(t, s, domain.TenantID("globex"), "companion", "Hi")
	createTemplate(t, s, domain.System(), "companion", "Hi")

	err := s.CreateTemplate(ctx, &domain.Template{Tenant: domain.TenantID("acme"), Name: "companion", Content: "x"})
	require.ErrorIs(t, err, domain.ErrDuplicateName)
	require.Equal(t, domain.KindConflict, domain.KindOf(err))

	err = s.CreateTemplate(ctx, &domain.Template{Tenant: domain.System(), Name: "companion", Content: "x"})
	require.ErrorIs(t, err, domain.ErrDuplicateName)
}

func TestTemplateTenantIsolation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	tmpl := createTemplate(t, s, domain.TenantID("acme"), "companion", "secret")

	_, err := s.GetTemplate(ctx, domain.TenantID("globex"), tmpl.ID)
	require.ErrorIs(t, err, domain.ErrTemplateNotFound)
	_, err = s.GetTemplate(ctx, domain.System(), tmpl.ID)
	require.ErrorIs(t, err, domain.ErrTemplateNotFound)
	_, err = s.GetVersion(ctx, domain.TenantID("globex"), tmpl.ID, 1)
	require.ErrorIs(t, err, domain.ErrTemplateNotFound)
	_, err = s.AppendVersion(ctx, domain.TenantID("globex"), tmpl.ID, "stolen", "op", "")
	require.ErrorIs(t, err, domain.ErrTemplateNotFound)

	list, err := s.ListTemplates(ctx, domain.TenantID("globex"), true)
	require.NoError(t, err)
	require.Empty(t, list)

	got, err := s.GetTemplate(ctx, domain.TenantID("acme"), tmpl.ID)
	require.NoError(t, err)
	require.Equal(t, "secret", got.Content)
}

func TestAppendVersionConcurrentIsGapless(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := domain.TenantID("acme")
	tmpl := createTemplate(t, s, tenant, "companion", "v1")

	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.AppendVersion(ctx, tenant, tmpl.ID, fmt.Sprintf("content %d", i), "op", "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	versions, err := s.ListVersions(ctx, tenant, tmpl.ID)
	require.NoError(t, err)
	require.Len(t, versions, writers+1)
	for i, v := range versions {
		require.Equal(t, writers+1-i, v.Version)
	}

	got, err := s.GetTemplate(ctx, tenant, tmpl.ID)
	require.NoError(t, err)
	require.Equal(t, writers+1, got.CurrentVersion)
	require.Equal(t, versions[0].Content, got.Content)
}

func TestTemplateVersionsImmutable(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	tmpl := createTemplate(t, s, domain.System(), "base", "v1")

	_, err := s.db.Exec(`UPDATE template_versions SET content = 'x' WHERE template_id = ?`, tmpl.ID)
	require.Error(t, err)
}

func TestDeleteTemplateCascadesVersions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := domain.TenantID("acme")
	tmpl := createTemplate(t, s, tenant, "companion", "v1")
	_, err := s.AppendVersion(ctx, tenant, tmpl.ID, "v2", "op", "")
	require.NoError(t, err)

	require.NoError(t, s.DeleteTemplate(ctx, tenant, tmpl.ID))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM template_versions WHERE template_id = ?`, tmpl.ID).Scan(&n))
	require.Zero(t, n)
	require.ErrorIs(t, s.DeleteTemplate(ctx, tenant, tmpl.ID), domain.ErrTemplateNotFound)
}

func TestClaimDefaultTemplateClonesOnce(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	src := createTemplate(t, s, domain.System(), "base", "Hello {{ user_id }}")
	tenant := domain.TenantID("acme")

	var wg sync.WaitGroup
	results := make(chan int64, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := s.ClaimDefaultTemplate(ctx, tenant, src, "system")
			if err == nil {
				results <- got.ID
			}
		}()
	}
	wg.Wait()
	close(results)

	var ids []int64
	for id := range results {
		ids = append(ids, id)
	}
	require.Len(t, ids, 6)
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}

	clone, err := s.GetTemplate(ctx, tenant, ids[0])
	require.NoError(t, err)
	require.NotNil(t, clone.ClonedFrom)
	require.Equal(t, src.ID, clone.ClonedFrom.TemplateID)
	require.True(t, clone.ClonedFrom.Tenant.IsSystem())

	d, err := s.GetTenantDefaults(ctx, tenant)
	require.NoError(t, err)
	require.NotNil(t, d.TemplateID)
	require.Equal(t, clone.ID, *d.TemplateID)
}

func TestSessionTransitions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	tenant := domain.TenantID("acme")

	sess, created, err := s.EnsureCurrentSession(ctx, tenant, "u1", true)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := s.EnsureCurrentSession(ctx, tenant, "u1", false)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, sess.ID, again.ID)
	require.True(t, again.SentimentEnabled)

	halted, err := s.TransitionSession(ctx, tenant, sess.ID, Transition{To: domain.StateHalted, Reason: "review", Operator: "alice"})
	require.NoError(t, err)
	require.Equal(t, domain.StateHalted, halted.State)

	halted, err = s.TransitionSession(ctx, tenant, sess.ID, Transition{To: domain.StateHalted, Reason: "audit", Operator: "bob"})
	require.NoError(t, err)
	require.Equal(t, "audit", halted.HaltReason)
	require.Equal(t, "bob", halted.HaltedBy)

	resumed, err := s.TransitionSession(ctx, tenant, sess.ID, Transition{To: domain.StateActive, Operator: "bob"})
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, resumed.State)
	require.Empty(t, resumed.HaltReason)

	_, err = s.TransitionSession(ctx, domain.TenantID("globex"), sess.ID, Transition{To: domain.StateHalted})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.Equal(t, domain.KindNotFound, domain.KindOf(err))

	archived, err := s.TransitionSession(ctx, tenant, sess.ID, Transition{To: domain.StateArchived})
	require.NoError(t, err)
	require.Equal(t, domain.StateArchived, archived.State)
	require.False(t, archived.IsCurrent)

	_, err = s.TransitionSession(ctx, tenant, sess.ID, Transition{To: domain.StateArchived})
	require.NoError(t, err)

	_, err = s.TransitionSession(ctx, tenant, sess.ID, Transition{To: domain.StateHalted})
	require.ErrorIs(t, err, domain.ErrSessionArchived)

	_, err = s.TransitionSession(ctx, tenant, "missing", Transition{To: domain.StateArchived})
	require.Equal(t, domain.KindState, domain.KindOf(err))

	next, created, err := s.EnsureCurrentSession(ctx, tenant, "u1", false)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, sess.ID, next.ID)
}

func TestTransitionCurrentSessionUpserts(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	halted, err := s.TransitionCurrentSession(ctx, domain.System(), "u1", Transition{To: domain.StateHalted, Reason: "r", Operator: "op"}, false)
	require.NoError(t, err)
	require.Equal(t, domain.StateHalted, halted.State)
	require.True(t, halted.Tenant.IsSystem())

	again, err := s.TransitionCurrentSession(ctx, domain.System(), "u1", Transition{To: domain.StateHalted, Reason: "r2", Operator: "op"}, false)
	require.NoError(t, err)
	require.Equal(t, halted.ID, again.ID)

	_, err = s.TransitionCurrentSession(ctx, domain.System(), "nobody", Transition{To: domain.StateArchived}, false)
	require.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestRecentMessagesOrdering(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sess, _, err := s.EnsureCurrentSession(ctx, domain.TenantID("acme"), "u1", false)
	require.NoError(t, err)

	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		// Two messages share a timestamp to exercise the id tiebreak.
		at := base.Add(time.Duration(i/2*2) * time.Second)
		require.NoError(t, s.AppendMessage(ctx, &domain.Message{SessionID: sess.ID, Role: role, Content: fmt.Sprint(i), CreatedAt: at}))
	}

	msgs, err := s.RecentMessages(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, []string{"2", "3", "4"}, []string{msgs[0].Content, msgs[1].Content, msgs[2].Content})

	n, err := s.CountMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	err = s.AppendMessage(ctx, &domain.Message{SessionID: "missing", Role: domain.RoleUser, Content: "x"})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestMemoryUpsertAndIsolation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	v1, err := domain.NewMemoryValue("tea")
	require.NoError(t, err)
	require.NoError(t, s.UpsertMemory(ctx, &domain.MemoryFact{Tenant: acme, UserID: "u1", Key: "drink", Value: v1}))
	v2, err := domain.NewMemoryValue([]any{"tea", "coffee"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertMemory(ctx, &domain.MemoryFact{Tenant: acme, UserID: "u1", Key: "drink", Value: v2}))

	facts, err := s.ListMemory(ctx, acme, "u1")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.Equal(t, []any{"tea", "coffee"}, facts[0].Value.AsInterface())

	other, err := s.ListMemory(ctx, domain.TenantID("globex"), "u1")
	require.NoError(t, err)
	require.Empty(t, other)
	_, err = s.GetMemory(ctx, domain.System(), "u1", "drink")
	require.ErrorIs(t, err, domain.ErrMemoryNotFound)

	require.NoError(t, s.DeleteMemory(ctx, acme, "u1", "drink"))
	require.ErrorIs(t, s.DeleteMemory(ctx, acme, "u1", "drink"), domain.ErrMemoryNotFound)
}

func TestSaveSentimentIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	sess, _, err := s.EnsureCurrentSession(ctx, domain.TenantID("acme"), "u1", true)
	require.NoError(t, err)
	msg := &domain.Message{SessionID: sess.ID, Role: domain.RoleUser, Content: "hi"}
	require.NoError(t, s.AppendMessage(ctx, msg))

	count := func(records []domain.SentimentRecord) domain.SentimentAggregate {
		return domain.SentimentAggregate{MessageCount: len(records), AvgValence: records[0].Valence}
	}
	windows := []WindowSpan{{Type: domain.WindowSession, Start: sess.CreatedAt}}

	rec := domain.NewSentimentRecord(msg.ID, sess.ID, domain.AffectVector{Valence: 0.5}, "m", msg.CreatedAt)
	_, err = s.SaveSentiment(ctx, &rec, windows, count)
	require.NoError(t, err)
	rec.Valence = -0.5
	aggs, err := s.SaveSentiment(ctx, &rec, windows, count)
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	require.Equal(t, 1, aggs[0].MessageCount)

	records, err := s.ListSentimentRecords(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.InDelta(t, -0.5, records[0].Valence, 1e-9)

	latest, err := s.LatestAggregate(ctx, sess.ID, domain.WindowSession)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.InDelta(t, -0.5, latest.AvgValence, 1e-9)
	require.Nil(t, latest.ValenceTrend)
}

func TestGuardrailCRUD(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	acme := domain.TenantID("acme")

	cfg := &domain.GuardrailConfig{Tenant: acme, Name: "safety", IsActive: true, Rules: []domain.GuardrailRule{
		{Type: domain.RuleTypeSystemInstruction, Priority: 10, Content: "A"},
	}}
	require.NoError(t, s.CreateGuardrail(ctx, cfg))
	require.ErrorIs(t, s.CreateGuardrail(ctx, &domain.GuardrailConfig{Tenant: acme, Name: "safety"}), domain.ErrDuplicateName)

	off := false
	updated, err := s.UpdateGuardrail(ctx, acme, "safety", GuardrailPatch{IsActive: &off})
	require.NoError(t, err)
	require.False(t, updated.IsActive)
	require.Len(t, updated.Rules, 1)

	_, err = s.GetGuardrail(ctx, domain.TenantID("globex"), "safety")
	require.ErrorIs(t, err, domain.ErrGuardrailNotFound)

	require.NoError(t, s.DeleteGuardrail(ctx, acme, "safety"))
	_, err = s.GetGuardrail(ctx, acme, "safety")
	require.ErrorIs(t, err, domain.ErrGuardrailNotFound)
}

func TestArchiveIdleSessions(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return old }
	stale, _, err := s.EnsureCurrentSession(ctx, domain.TenantID("acme"), "u1", false)
	require.NoError(t, err)
	paused, err := s.TransitionCurrentSession(ctx, domain.TenantID("acme"), "u3", Transition{To: domain.StateHalted, Reason: "review", Operator: "op"}, false)
	require.NoError(t, err)
	s.now = time.Now
	fresh, _, err := s.EnsureCurrentSession(ctx, domain.TenantID("acme"), "u2", false)
	require.NoError(t, err)

	n, err := s.ArchiveIdleSessions(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.GetSession(ctx, domain.TenantID("acme"), stale.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateArchived, got.State)
	got, err = s.GetSession(ctx, domain.TenantID("acme"), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateActive, got.State)
	got, err = s.GetSession(ctx, domain.TenantID("acme"), paused.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateHalted, got.State)
}
