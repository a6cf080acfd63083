package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/storage/sqlite"
	"github.com/ashita-ai/shugo/internal/testutil"
)

const ws = "support-agent"

var operator = model.Actor{ID: "ops@acme", Role: model.RoleOperator, TenantID: "acme"}

func newService(t *testing.T, applier Applier) (*Service, *sqlite.DB) {
	t.Helper()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	svc, err := New(db, audit.New(db, nil, logger), applier, logger)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, db
}

func record(t *testing.T, svc *Service, files map[string]string) model.WorkspaceVersion {
	t.Helper()
	in := RecordInput{TenantID: "acme", WorkspaceID: ws, Files: map[string][]byte{}, Actor: operator}
	for p, c := range files {
		in.Files[p] = []byte(c)
	}
	v, _, err := svc.RecordVersion(context.Background(), in)
	require.NoError(t, err)
	return v
}

func auditEntries(t *testing.T, db *sqlite.DB, evt model.AuditEventType) []model.AuditEntry {
	t.Helper()
	entries, _, err := db.QueryAudit(context.Background(), model.AuditQuery{
		TenantID: "acme", EventTypes: []model.AuditEventType{evt}, Limit: 100,
	})
	require.NoError(t, err)
	return entries
}

var v1Files = map[string]string{
	"agent.json":  `{"model":"gpt-4o","temperature":0.2}`,
	"prompts/sys": "You are a support agent.\n",
}

func TestRecordVersion_ContentAddressed(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, nil)

	first, created, err := svc.RecordVersion(ctx, RecordInput{
		TenantID: "acme", WorkspaceID: ws, Actor: operator,
		Files: map[string][]byte{
			"agent.json":  []byte(`{"model":"gpt-4o","temperature":0.2}`),
			"prompts/sys": []byte("You are a support agent.\n"),
		},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, first.Files, 2)

	time.Sleep(2 * time.Millisecond)
	again, created, err := svc.RecordVersion(ctx, RecordInput{
		TenantID: "acme", WorkspaceID: ws, Actor: operator,
		Files: map[string][]byte{
			"prompts\\sys": []byte("You are a support agent.\r\n"),
			"agent.json":   []byte(`{ "temperature": 0.2, "model": "gpt-4o" }`),
		},
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Hash, again.Hash)

	page, err := svc.Versions(ctx, "acme", ws, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Len(t, auditEntries(t, db, model.EventWorkspaceVersion), 1)

	hash, _, err := HashFiles(map[string][]byte{"agent.json": []byte(`{"temperature":0.2,"model":"gpt-4o"}`), "prompts/sys": []byte("You are a support agent.\n")})
	require.NoError(t, err)
	assert.Equal(t, first.Hash, hash)
}

func TestGetVersion(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	v := record(t, svc, v1Files)

	snap, err := svc.GetVersion(ctx, "acme", ws, v.Hash)
	require.NoError(t, err)
	assert.Equal(t, "You are a support agent.\n", string(snap.Content["prompts/sys"]))
	assert.Equal(t, v.Hash, snap.Version.Hash)

	_, err = svc.GetVersion(ctx, "globex", ws, v.Hash)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.GetVersion(ctx, "acme", ws, "sha256:missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecordVersion_OtherTenantsWorkspace(t *testing.T) {
	svc, _ := newService(t, nil)
	record(t, svc, v1Files)

	_, _, err := svc.RecordVersion(context.Background(), RecordInput{
		TenantID: "globex", WorkspaceID: ws, Actor: operator,
		Files: map[string][]byte{"x": []byte("y")},
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestInitEnvironments_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, nil)

	envs, err := svc.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)
	require.Len(t, envs, 3)
	for _, e := range envs {
		assert.Equal(t, e.Name == model.EnvDevelopment, e.IsDefault, e.Name)
		assert.False(t, e.Pinned())
	}

	envs, err = svc.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)
	assert.Len(t, envs, 3)
	assert.Len(t, auditEntries(t, db, model.EventEnvironmentCreated), 3)

	_, err = svc.CreateEnvironment(ctx, "acme", ws, model.EnvStaging, EnvironmentOptions{}, operator)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestPin_HistoryAndPinAt(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	_, err := svc.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)
	v1 := record(t, svc, v1Files)
	v2 := record(t, svc, map[string]string{"agent.json": `{"model":"gpt-4o-mini"}`})

	_, err = svc.Pin(ctx, "acme", ws, model.PinRequest{Environment: model.EnvStaging, VersionHash: "sha256:nope"}, operator)
	assert.ErrorIs(t, err, model.ErrNotFound)

	p1, err := svc.Pin(ctx, "acme", ws, model.PinRequest{
		Environment: model.EnvStaging, VersionHash: v1.Hash,
		Skills: map[string]string{"summarizer": "1.0.0"}, Model: "gpt-4o", Provider: "openai",
	}, operator)
	require.NoError(t, err)
	between := p1.PinnedAt.Add(time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	_, err = svc.Pin(ctx, "acme", ws, model.PinRequest{Environment: model.EnvStaging, VersionHash: v2.Hash, Model: "gpt-4o-mini"}, operator)
	require.NoError(t, err)

	active, err := svc.ActivePin(ctx, "acme", ws, model.EnvStaging)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.Hash, active.VersionHash)

	then, err := svc.PinAt(ctx, "acme", ws, model.EnvStaging, between)
	require.NoError(t, err)
	require.NotNil(t, then)
	assert.Equal(t, v1.Hash, then.VersionHash)
	assert.Equal(t, map[string]string{"summarizer": "1.0.0"}, then.Skills)
	assert.Equal(t, "openai", then.Provider)

	history, err := svc.ListPins(ctx, "acme", ws, model.EnvStaging, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, history.Total)
	assert.NotNil(t, history.Items[1].UnpinnedAt)

	require.NoError(t, svc.Unpin(ctx, "acme", ws, model.EnvStaging, operator))
	active, err = svc.ActivePin(ctx, "acme", ws, model.EnvStaging)
	require.NoError(t, err)
	assert.Nil(t, active)
	assert.ErrorIs(t, svc.Unpin(ctx, "acme", ws, model.EnvStaging, operator), model.ErrValidation)
}

func TestPromote(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, nil)
	_, err := svc.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)
	v := record(t, svc, v1Files)

	_, err = svc.Promote(ctx, PromoteInput{TenantID: "acme", WorkspaceID: ws, Source: model.EnvStaging, Target: model.EnvProduction, Actor: operator})
	assert.ErrorIs(t, err, model.ErrValidation, "unpinned source")

	_, err = svc.Pin(ctx, "acme", ws, model.PinRequest{
		Environment: model.EnvStaging, VersionHash: v.Hash,
		Skills: map[string]string{"summarizer": "1.0.0"}, Model: "gpt-4o", Provider: "openai",
	}, operator)
	require.NoError(t, err)

	env, err := svc.Promote(ctx, PromoteInput{TenantID: "acme", WorkspaceID: ws, Source: model.EnvStaging, Target: model.EnvProduction, Actor: operator})
	require.NoError(t, err)
	require.True(t, env.Pinned())
	assert.Equal(t, v.Hash, *env.VersionHash)

	pin, err := svc.ActivePin(ctx, "acme", ws, model.EnvProduction)
	require.NoError(t, err)
	require.NotNil(t, pin)
	assert.Equal(t, "gpt-4o", pin.Model)
	assert.Equal(t, map[string]string{"summarizer": "1.0.0"}, pin.Skills)

	entries := auditEntries(t, db, model.EventWorkspacePromoted)
	require.Len(t, entries, 1)
	assert.Equal(t, false, entries[0].Details.Extra["override_used"])

	_, err = svc.Promote(ctx, PromoteInput{TenantID: "globex", WorkspaceID: ws, Source: model.EnvStaging, Target: model.EnvProduction, Actor: operator})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPromote_LockedTarget(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	_, err := svc.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)
	v := record(t, svc, v1Files)
	_, err = svc.Pin(ctx, "acme", ws, model.PinRequest{Environment: model.EnvStaging, VersionHash: v.Hash}, operator)
	require.NoError(t, err)

	locked, err := svc.SetLocked(ctx, "acme", ws, model.EnvProduction, true, operator)
	require.NoError(t, err)
	assert.True(t, locked.Locked)

	in := PromoteInput{TenantID: "acme", WorkspaceID: ws, Source: model.EnvStaging, Target: model.EnvProduction, Actor: operator}
	_, err = svc.Promote(ctx, in)
	assert.ErrorIs(t, err, model.ErrConflict)

	in.OverrideUsed = true
	_, err = svc.Promote(ctx, in)
	require.NoError(t, err)

	// Locking blocks only targets.
	_, err = svc.Promote(ctx, PromoteInput{TenantID: "acme", WorkspaceID: ws, Source: model.EnvProduction, Target: model.EnvDevelopment, Actor: operator})
	assert.NoError(t, err)
}

func TestImpact(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t, nil)
	_, err := svc.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)

	prod := record(t, svc, map[string]string{"agent.json": `{"model":"gpt-4o"}`, "old.txt": "bye", "same.txt": "same"})
	next := record(t, svc, map[string]string{"agent.json": `{"model":"claude-3-5-sonnet"}`, "new.txt": "hi", "same.txt": "same"})

	_, err = svc.Pin(ctx, "acme", ws, model.PinRequest{
		Environment: model.EnvProduction, VersionHash: prod.Hash,
		Skills: map[string]string{"summarizer": "1.0.0", "legacy": "0.1.0"}, Model: "gpt-4o",
	}, operator)
	require.NoError(t, err)
	_, err = svc.Pin(ctx, "acme", ws, model.PinRequest{
		Environment: model.EnvStaging, VersionHash: next.Hash,
		Skills: map[string]string{"summarizer": "1.1.0"}, Model: "claude-3-5-sonnet",
	}, operator)
	require.NoError(t, err)

	a, err := svc.Impact(ctx, "acme", ws, model.EnvStaging, model.EnvProduction)
	require.NoError(t, err)
	assert.Equal(t, prod.Hash, a.FromVersion)
	assert.Equal(t, next.Hash, a.ToVersion)

	changes := map[string]string{}
	for _, c := range a.Files {
		changes[c.Path] = c.Change
	}
	assert.Equal(t, map[string]string{"agent.json": FileModified, "new.txt": FileAdded, "old.txt": FileRemoved}, changes)
	assert.Equal(t, map[string]model.ValueChange{
		"summarizer": {Old: "1.0.0", New: "1.1.0"},
		"legacy":     {Old: "0.1.0"},
	}, a.SkillChanges)
	require.NotNil(t, a.ModelChange)
	assert.Equal(t, "claude-3-5-sonnet", a.ModelChange.New)
	assert.Nil(t, a.ProviderChange)

	a, err = svc.Impact(ctx, "acme", ws, model.EnvStaging, model.EnvDevelopment)
	require.NoError(t, err)
	assert.Empty(t, a.FromVersion)
	assert.Len(t, a.Files, 3, "every file is added to an unpinned target")

	_, err = svc.Impact(ctx, "acme", ws, model.EnvDevelopment, model.EnvProduction)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestRollback_AppliesAndAudits(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	svc, db := newService(t, DirApplier{Dir: dir})
	v := record(t, svc, v1Files)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0o644))

	live, err := svc.Rollback(ctx, "acme", ws, v.Hash, operator)
	require.NoError(t, err)
	assert.Equal(t, v.Hash, live.LiveVersion)

	b, err := os.ReadFile(filepath.Join(dir, "prompts", "sys"))
	require.NoError(t, err)
	assert.Equal(t, "You are a support agent.\n", string(b))
	_, err = os.Stat(filepath.Join(dir, "stale.txt"))
	assert.True(t, os.IsNotExist(err))

	loaded, err := FSLoader{Dir: dir}.Load(ctx)
	require.NoError(t, err)
	hash, _, err := HashFiles(loaded)
	require.NoError(t, err)
	assert.Equal(t, v.Hash, hash, "applied tree hashes back to the version")

	wsRow, err := svc.Workspace(ctx, "acme", ws)
	require.NoError(t, err)
	assert.Equal(t, v.Hash, wsRow.LiveVersion)

	entries := auditEntries(t, db, model.EventWorkspaceRolledBack)
	require.Len(t, entries, 1)
	assert.Equal(t, model.OutcomeSuccess, entries[0].Details.Outcome)
}

func TestRollback_RestoresRecordedBytes(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	svc, _ := newService(t, DirApplier{Dir: dir})

	agent := "{\n  \"model\": \"gpt-4o\",\n  \"temperature\": 0.2\n}\n"
	notes := "line1\r\nline2\r\n"
	v := record(t, svc, map[string]string{"agent.json": agent, "notes.txt": notes})

	snap, err := svc.GetVersion(ctx, "acme", ws, v.Hash)
	require.NoError(t, err)
	assert.Equal(t, agent, string(snap.Content["agent.json"]))

	_, err = svc.Rollback(ctx, "acme", ws, v.Hash, operator)
	require.NoError(t, err)

	b, err := os.ReadFile(filepath.Join(dir, "agent.json"))
	require.NoError(t, err)
	assert.Equal(t, agent, string(b))
	b, err = os.ReadFile(filepath.Join(dir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, notes, string(b))
}

type failingApplier struct{}

func (failingApplier) Apply(context.Context, model.WorkspaceSnapshot) error {
	return errors.New("disk full")
}

func TestRollback_FailureStillAudited(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, failingApplier{})
	v := record(t, svc, v1Files)

	_, err := svc.Rollback(ctx, "acme", ws, v.Hash, operator)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	_, err = svc.Rollback(ctx, "acme", ws, "sha256:unknown", operator)
	assert.ErrorIs(t, err, model.ErrNotFound)

	entries := auditEntries(t, db, model.EventWorkspaceRolledBack)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, model.OutcomeFailure, e.Details.Outcome)
		assert.NotEmpty(t, e.Details.Error)
	}

	wsRow, err := svc.Workspace(ctx, "acme", ws)
	require.NoError(t, err)
	assert.Empty(t, wsRow.LiveVersion)
}

// staleLiveStore reports the workspace as it was before any rollback, the
// way a caller racing another rollback would have read it.
type staleLiveStore struct{ *sqlite.DB }

func (s staleLiveStore) GetWorkspace(ctx context.Context, tenantID, workspaceID string) (model.Workspace, error) {
	w, err := s.DB.GetWorkspace(ctx, tenantID, workspaceID)
	w.LiveVersion = ""
	return w, err
}

func TestRollback_ConcurrentLiveVersionChange(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t, nil)
	v1 := record(t, svc, v1Files)
	v2 := record(t, svc, map[string]string{"agent.json": `{"model":"gpt-4o-mini"}`})

	_, err := svc.Rollback(ctx, "acme", ws, v1.Hash, operator)
	require.NoError(t, err)

	logger := testutil.TestLogger()
	racer, err := New(staleLiveStore{db}, audit.New(db, nil, logger), nil, logger)
	require.NoError(t, err)
	t.Cleanup(racer.Close)

	_, err = racer.Rollback(ctx, "acme", ws, v2.Hash, operator)
	assert.ErrorIs(t, err, model.ErrConflict)

	wsRow, err := svc.Workspace(ctx, "acme", ws)
	require.NoError(t, err)
	assert.Equal(t, v1.Hash, wsRow.LiveVersion)

	entries := auditEntries(t, db, model.EventWorkspaceRolledBack)
	require.Len(t, entries, 2)
	outcomes := []model.AuditOutcome{entries[0].Details.Outcome, entries[1].Details.Outcome}
	assert.ElementsMatch(t, []model.AuditOutcome{model.OutcomeSuccess, model.OutcomeFailure}, outcomes)
}

func TestFSLoader_SkipsHidden(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("SECRET=1"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "skills"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skills", "a.yaml"), []byte("name: a"), 0o644))

	files, err := FSLoader{Dir: dir}.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"skills/a.yaml": []byte("name: a")}, files)
}

func TestDiffFiles(t *testing.T) {
	from := []model.WorkspaceFile{{Path: "a", Hash: "1"}, {Path: "b", Hash: "2"}}
	to := []model.WorkspaceFile{{Path: "b", Hash: "3"}, {Path: "c", Hash: "4"}}
	assert.Equal(t, []model.FileChange{
		{Path: "a", Change: FileRemoved, OldHash: "1"},
		{Path: "b", Change: FileModified, OldHash: "2", NewHash: "3"},
		{Path: "c", Change: FileAdded, NewHash: "4"},
	}, DiffFiles(from, to))
	assert.Empty(t, DiffFiles(from, from))
}
