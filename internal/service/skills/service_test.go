package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/storage/sqlite"
	"github.com/ashita-ai/shugo/internal/testutil"
)

var author = model.Actor{ID: "dev@acme", Role: model.RoleOperator, TenantID: "acme"}

func newService(t *testing.T) (*Service, *sqlite.DB) {
	t.Helper()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	return New(db, audit.New(db, nil, logger), nil, logger), db
}

func manifest(name, version string) model.SkillManifest {
	return model.SkillManifest{
		Name:         name,
		Version:      version,
		Description:  "Summarizes support tickets",
		Instructions: "Produce a three sentence summary.",
		Inputs:       json.RawMessage(`{"type":"object","required":["text"],"properties":{"text":{"type":"string"}}}`),
		Outputs:      json.RawMessage(`{"type":"object","required":["summary"]}`),
		Permissions:  []string{"search"},
		Tests: []model.SkillTestCase{
			{Name: "basic", Input: json.RawMessage(`{"text":"hello"}`), Expect: json.RawMessage(`{"summary":"hi"}`)},
		},
	}
}

func publish(t *testing.T, svc *Service, name, version string, state model.SkillState) model.Skill {
	t.Helper()
	sk, err := svc.Publish(context.Background(), PublishInput{Manifest: manifest(name, version), Actor: author, InitialState: state})
	require.NoError(t, err)
	return sk
}

func TestPublish_ConflictKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	first := publish(t, svc, "summarizer", "1.0.0", "")
	assert.Equal(t, model.SkillDraft, first.State)
	assert.Contains(t, first.Checksum, "sha256:")

	changed := manifest("summarizer", "1.0.0")
	changed.Description = "Something else entirely"
	_, err := svc.Publish(ctx, PublishInput{Manifest: changed, Actor: author})
	require.ErrorIs(t, err, model.ErrConflict)

	got, err := svc.Get(ctx, "summarizer", "1.0.0", GetOptions{AnyState: true})
	require.NoError(t, err)
	assert.Equal(t, first.Checksum, got.Checksum)
	assert.Equal(t, "Summarizes support tickets", got.Manifest.Description)
}

func TestPublish_Validation(t *testing.T) {
	svc, _ := newService(t)

	tests := []struct {
		name   string
		mutate func(m *model.SkillManifest)
		field  string
	}{
		{"bad name", func(m *model.SkillManifest) { m.Name = "Bad Name" }, "manifest.name"},
		{"loose version", func(m *model.SkillManifest) { m.Version = "v1.0" }, "manifest.version"},
		{"no description", func(m *model.SkillManifest) { m.Description = " " }, "manifest.description"},
		{"bad schema", func(m *model.SkillManifest) { m.Inputs = json.RawMessage(`{"type":12}`) }, "manifest.inputs"},
		{"test input violates schema", func(m *model.SkillManifest) {
			m.Tests[0].Input = json.RawMessage(`{"other":1}`)
		}, "manifest.tests[0].input"},
		{"future schema version", func(m *model.SkillManifest) { m.SchemaVersion = 99 }, "manifest.schema_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := manifest("summarizer", "1.0.0")
			tt.mutate(&m)
			_, err := svc.Publish(context.Background(), PublishInput{Manifest: m, Actor: author})
			var ve *model.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPromote_FollowsTransitionGraph(t *testing.T) {
	states := []model.SkillState{model.SkillDraft, model.SkillTested, model.SkillApproved, model.SkillActive, model.SkillDeprecated}
	ctx := context.Background()
	svc, _ := newService(t)

	for _, from := range states {
		for _, to := range states {
			name := fmt.Sprintf("s-%s-%s", from, to)
			publish(t, svc, name, "1.0.0", from)
			tr, err := svc.Promote(ctx, name, "1.0.0", to, author)
			if from.CanTransitionTo(to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, from, tr.OldState)
				assert.Equal(t, to, tr.NewState)
			} else {
				var ite *model.InvalidTransitionError
				require.ErrorAs(t, err, &ite, "%s -> %s", from, to)
				assert.Equal(t, from.AllowedTransitions(), ite.Allowed)
			}
		}
	}
}

func TestPromote_ConcurrentOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	publish(t, svc, "racer", "1.0.0", model.SkillTested)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, target := range []model.SkillState{model.SkillApproved, model.SkillDraft} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Promote(ctx, "racer", "1.0.0", target, author)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		}
	}
	// The loser either lost the conditional write or read the winner's state.
	assert.Equal(t, 1, succeeded)
}

func TestEndToEnd_Lifecycle(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	publish(t, svc, "summarizer", "1.0.0", model.SkillDraft)

	_, err := svc.Promote(ctx, "summarizer", "1.0.0", model.SkillActive, author)
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	for _, st := range []model.SkillState{model.SkillTested, model.SkillApproved, model.SkillActive} {
		_, err := svc.Promote(ctx, "summarizer", "1.0.0", st, author)
		require.NoError(t, err)
	}
	ok, err := svc.IsExecutable(ctx, "summarizer", "1.0.0")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = svc.Promote(ctx, "summarizer", "1.0.0", model.SkillDeprecated, author)
	require.NoError(t, err)
	ok, err = svc.IsExecutable(ctx, "summarizer", "1.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, total, err := db.QueryAudit(ctx, model.AuditQuery{
		EventTypes: []model.AuditEventType{model.EventSkillStateChanged},
		Limit:      10,
	})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Len(t, entries, 4)
}

func TestGet_LatestUsesNumericOrdering(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	publish(t, svc, "parser", "1.9.0", model.SkillActive)
	publish(t, svc, "parser", "1.10.0", model.SkillActive)
	publish(t, svc, "parser", "2.0.0", model.SkillDraft)

	sk, err := svc.Get(ctx, "parser", Latest, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", sk.Version)

	sk, err = svc.Get(ctx, "parser", "", GetOptions{AnyState: true})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", sk.Version)

	draft := model.SkillDraft
	sk, err = svc.Get(ctx, "parser", Latest, GetOptions{State: &draft})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", sk.Version)

	_, err = svc.Get(ctx, "parser", "2.0.0", GetOptions{})
	assert.ErrorIs(t, err, model.ErrNotFound)

	versions, err := svc.Versions(ctx, "parser")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, []string{"2.0.0", "1.10.0", "1.9.0"},
		[]string{versions[0].Version, versions[1].Version, versions[2].Version})
}

func TestSearch_LatestPerNameExcludesDeprecated(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	publish(t, svc, "summarizer", "1.0.0", model.SkillActive)
	publish(t, svc, "summarizer", "1.2.0", model.SkillTested)
	publish(t, svc, "translator", "0.1.0", model.SkillDeprecated)
	publish(t, svc, "classifier", "3.0.0", model.SkillActive)

	page, err := svc.Search(ctx, model.SkillSearchQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "classifier", page.Items[0].Name)
	assert.Equal(t, "1.2.0", page.Items[1].Version)

	page, err = svc.Search(ctx, model.SkillSearchQuery{IncludeDeprecated: true, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.True(t, page.HasMore)
	assert.Equal(t, "summarizer", page.Items[0].Name)

	page, err = svc.Search(ctx, model.SkillSearchQuery{Query: "SUMMARY SENTENCE"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	page, err = svc.Search(ctx, model.SkillSearchQuery{Query: "three sentence"})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
}

func TestSetState_RequiresReason(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	publish(t, svc, "legacy", "1.0.0", model.SkillDeprecated)

	_, err := svc.SetState(ctx, "legacy", "1.0.0", model.SkillActive, "", author)
	require.ErrorIs(t, err, model.ErrValidation)

	tr, err := svc.SetState(ctx, "legacy", "1.0.0", model.SkillActive, "restoring after bad deprecation", author)
	require.NoError(t, err)
	assert.Equal(t, model.SkillDeprecated, tr.OldState)
	assert.Equal(t, model.SkillActive, tr.NewState)
}

func TestRunTests_PromotesPassingDraft(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	publish(t, svc, "summarizer", "1.0.0", model.SkillDraft)

	out, err := svc.RunTests(ctx, "summarizer", "1.0.0", author)
	require.NoError(t, err)
	assert.True(t, out.Run.Passed)
	require.NotNil(t, out.Transition)
	assert.Equal(t, model.SkillTested, out.Transition.NewState)

	run, err := svc.LatestTestRun(ctx, "summarizer", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, out.Run.ID, run.ID)
}

func TestRunTests_FailingExpectationStaysDraft(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	m := manifest("summarizer", "1.0.0")
	m.Tests[0].Expect = json.RawMessage(`{"wrong":true}`)
	_, err := svc.Publish(ctx, PublishInput{Manifest: m, Actor: author})
	require.NoError(t, err)

	out, err := svc.RunTests(ctx, "summarizer", "1.0.0", author)
	require.NoError(t, err)
	assert.False(t, out.Run.Passed)
	assert.Nil(t, out.Transition)
	require.Len(t, out.Run.Results, 1)
	assert.Contains(t, out.Run.Results[0].Error, "expect")

	sk, err := svc.Get(ctx, "summarizer", "1.0.0", GetOptions{AnyState: true})
	require.NoError(t, err)
	assert.Equal(t, model.SkillDraft, sk.State)
}
