package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/storepilot/internal/adapter/postgres"
	"github.com/Strob0t/storepilot/internal/domain"
	"github.com/Strob0t/storepilot/internal/domain/draft"
	"github.com/Strob0t/storepilot/internal/domain/event"
	"github.com/Strob0t/storepilot/internal/domain/rules"
	"github.com/Strob0t/storepilot/internal/domain/run"
	"github.com/Strob0t/storepilot/internal/domain/target"
	"github.com/Strob0t/storepilot/internal/domain/trigger"
)

// setupStore creates a pgxpool connection, runs all migrations, and returns a
// ready-to-use Store plus the pool. The pool is closed via t.Cleanup.
func setupStore(t *testing.T) (*postgres.Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()

	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	return postgres.NewStore(pool), pool
}

// seedProject inserts a fresh project with one owner and two products.
func seedProject(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()
	ctx := context.Background()
	pid := "proj-" + uuid.NewString()

	stmts := []struct {
		sql  string
		args []any
	}{
		{`INSERT INTO projects (id, name, plan_id) VALUES ($1, 'test', 'pro')`, []any{pid}},
		{`INSERT INTO project_members (project_id, user_id, role) VALUES ($1, 'owner-1', 'owner')`, []any{pid}},
		{`INSERT INTO targets (project_id, id, kind, handle, title) VALUES ($1, 'p1', 'product', 'shoe', 'Shoe')`, []any{pid}},
		{`INSERT INTO targets (project_id, id, kind, handle, title, seo_title) VALUES ($1, 'p2', 'product', 'hat', 'Hat', 'Hat | Shop')`, []any{pid}},
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s.sql, s.args...); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM projects WHERE id = $1`, pid)
	})
	return pid
}

func TestTargetsAndGuardedFill(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	pid := seedProject(t, pool)

	targets, err := store.ListTargets(ctx, pid, []target.Kind{target.KindProduct})
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 || targets[0].ID != "p1" {
		t.Fatalf("expected [p1 p2], got %+v", targets)
	}

	ok, err := store.FillTargetField(ctx, pid, "p1", target.FieldSEOTitle, "Shoe | Shop")
	if err != nil || !ok {
		t.Fatalf("first fill: ok=%v err=%v", ok, err)
	}
	ok, err = store.FillTargetField(ctx, pid, "p1", target.FieldSEOTitle, "Other")
	if err != nil || ok {
		t.Fatalf("second fill must miss the guard: ok=%v err=%v", ok, err)
	}

	if _, err := store.GetTarget(ctx, pid, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRulesDefaultAndSave(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	pid := seedProject(t, pool)

	r, err := store.GetPlaybookRules(ctx, pid, "missing_seo_title")
	if err != nil {
		t.Fatal(err)
	}
	if r.Hash() != rules.Default().Hash() {
		t.Fatal("absent rules must be the defaults")
	}

	maxLen := 60
	enabled := true
	saved := rules.Normalize(&rules.Input{Enabled: &enabled, MaxLength: &maxLen})
	if err := store.SavePlaybookRules(ctx, pid, "missing_seo_title", saved); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetPlaybookRules(ctx, pid, "missing_seo_title")
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash() != saved.Hash() {
		t.Fatalf("round trip changed rules hash: %s != %s", got.Hash(), saved.Hash())
	}
}

func TestDraftUpsertAndApplied(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	pid := seedProject(t, pool)

	d := &draft.Draft{
		ProjectID:  pid,
		PlaybookID: "missing_seo_title",
		ScopeID:    "scope-1",
		RulesHash:  rules.Default().Hash(),
		Status:     draft.StatusPartial,
		Rules:      rules.Default(),
		Items:      []draft.Item{{TargetID: "p1", Field: target.FieldSEOTitle, RawSuggestion: "a", FinalSuggestion: "a", Warnings: []string{}}},
	}
	d.Recount(2)
	if err := store.UpsertDraft(ctx, d); err != nil {
		t.Fatal(err)
	}
	firstID := d.ID

	d.Status = draft.StatusReady
	if err := store.UpsertDraft(ctx, d); err != nil {
		t.Fatal(err)
	}
	if d.ID != firstID {
		t.Fatal("upsert on the same key must keep the draft ID")
	}

	got, err := store.GetDraftByKey(ctx, pid, "missing_seo_title", "scope-1", d.RulesHash)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != draft.StatusReady || got.Counts.Generated != 1 {
		t.Fatalf("unexpected draft %+v", got)
	}

	if err := store.MarkDraftApplied(ctx, d.ID, "owner-1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkDraftApplied(ctx, d.ID, "owner-1", time.Now()); !errors.Is(err, draft.ErrApplied) {
		t.Fatalf("second apply mark must fail, got %v", err)
	}
	if err := store.UpsertDraft(ctx, d); !errors.Is(err, draft.ErrApplied) {
		t.Fatalf("applied drafts must not be overwritten, got %v", err)
	}
}

func newRun(pid, key string) *run.Run {
	return &run.Run{
		ProjectID:       pid,
		PlaybookID:      "missing_seo_title",
		Type:            run.TypeDraftGenerate,
		ScopeID:         "scope-1",
		RulesHash:       "rh",
		IdempotencyKey:  key,
		CreatedByUserID: "owner-1",
	}
}

func TestRunIdempotencyIndexAndClaim(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	pid := seedProject(t, pool)

	first := newRun(pid, "key-1")
	if err := store.CreateRun(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateRun(ctx, newRun(pid, "key-1")); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for live duplicate, got %v", err)
	}

	// Only one of several concurrent claims may win.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.ClaimRun(ctx, first.ID)
			if err != nil {
				t.Error(err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", wins)
	}

	if err := store.FinishRun(ctx, first.ID, run.Outcome{Status: run.StatusFailed, ErrorCode: run.CodeProviderFailed}); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, first.ID, run.Outcome{Status: run.StatusSucceeded}); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("terminal runs must be immutable, got %v", err)
	}

	// FAILED frees the key for a retry.
	retry := newRun(pid, "key-1")
	if err := store.CreateRun(ctx, retry); err != nil {
		t.Fatalf("retry after FAILED: %v", err)
	}
	got, err := store.FindRunByKey(ctx, pid, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != retry.ID {
		t.Fatalf("expected live retry %s, got %s", retry.ID, got.ID)
	}
}

func TestFindReusableRun(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	pid := seedProject(t, pool)

	src := newRun(pid, "key-src")
	if err := store.CreateRun(ctx, src); err != nil {
		t.Fatal(err)
	}
	if _, err := store.ClaimRun(ctx, src.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.FinishRun(ctx, src.ID, run.Outcome{Status: run.StatusSucceeded, WorkKey: "wk", AIUsed: true, ResultRef: "draft:x"}); err != nil {
		t.Fatal(err)
	}

	got, err := store.FindReusableRun(ctx, pid, "missing_seo_title", run.TypeDraftGenerate, "wk")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != src.ID || !got.AIUsed {
		t.Fatalf("unexpected reusable run %+v", got)
	}
	if _, err := store.FindReusableRun(ctx, pid, "missing_seo_title", run.TypePreviewGenerate, "wk"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("run type must be part of the lookup, got %v", err)
	}

	n, err := store.CountAIRunsSince(ctx, pid, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 ai run, got %d", n)
	}

	events := postgres.NewEventStore(pool)
	if err := events.Append(ctx, &event.RunEvent{RunID: src.ID, ProjectID: pid, Type: event.TypeRunSucceeded}); err != nil {
		t.Fatal(err)
	}
	loaded, err := events.LoadByRun(ctx, src.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Type != event.TypeRunSucceeded {
		t.Fatalf("unexpected events %+v", loaded)
	}
}

func TestTriggerLedgerCAS(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	pid := seedProject(t, pool)

	tr := &trigger.Run{ProjectID: pid, TargetID: "p1", Automation: trigger.AutoFillMissingMetadata, IdempotencyKey: "k", FingerprintHash: "f"}
	if err := store.CreateTriggerRun(ctx, tr); err != nil {
		t.Fatal(err)
	}
	dup := *tr
	if err := store.CreateTriggerRun(ctx, &dup); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	ok, err := store.ClaimTriggerRun(ctx, tr.ID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := store.FinishTriggerRun(ctx, tr.ID, trigger.StatusFailed, "", "boom"); err != nil {
		t.Fatal(err)
	}

	ok, err = store.RequeueTriggerRun(ctx, tr.ID)
	if err != nil || !ok {
		t.Fatalf("requeue: ok=%v err=%v", ok, err)
	}
	ok, err = store.RequeueTriggerRun(ctx, tr.ID)
	if err != nil || ok {
		t.Fatalf("second requeue must lose: ok=%v err=%v", ok, err)
	}

	got, err := store.GetTriggerRun(ctx, pid, "p1", trigger.AutoFillMissingMetadata, "k")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != trigger.StatusQueued || got.Attempts != 1 {
		t.Fatalf("unexpected ledger row %+v", got)
	}

	role, err := store.GetMemberRole(ctx, pid, "owner-1")
	if err != nil || role != "owner" {
		t.Fatalf("role=%q err=%v", role, err)
	}
	if _, err := store.GetMemberRole(ctx, pid, "stranger"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
