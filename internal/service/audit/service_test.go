package audit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/events"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/testutil"
)

type failingPublisher struct{ calls int }

func (f *failingPublisher) Publish(context.Context, model.AuditEntry) error {
	f.calls++
	return errors.New("broker down")
}

var operator = model.Actor{ID: "ops@acme", Role: model.RoleOperator, TenantID: "acme"}

func TestAppend_PersistsAndPublishes(t *testing.T) {
	ctx := context.Background()
	pub := &events.Memory{}
	svc := New(testutil.NewSQLite(t), pub, testutil.TestLogger())

	e := model.NewAuditEntry(model.EventBudgetSet, operator, model.AuditDetails{Resource: "budget", ResourceID: "acme"})
	require.NoError(t, svc.Append(ctx, e))

	page, err := svc.Query(ctx, model.AuditQuery{TenantID: "acme"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, e.ID, page.Items[0].ID)
	assert.Equal(t, model.OutcomeSuccess, page.Items[0].Details.Outcome)
	assert.Equal(t, model.DefaultPageLimit, page.Limit)

	published := pub.Entries()
	require.Len(t, published, 1)
	assert.Equal(t, e.ID, published[0].ID)
}

func TestAppend_RejectsUnknownEventAndMissingActor(t *testing.T) {
	svc := New(testutil.NewSQLite(t), nil, testutil.TestLogger())

	err := svc.Append(context.Background(), model.AuditEntry{EventType: "skill.renamed", Actor: "x"})
	assert.ErrorIs(t, err, model.ErrValidation)

	err = svc.Append(context.Background(), model.AuditEntry{EventType: model.EventBudgetSet, Actor: "  "})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAppend_PublishFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	pub := &failingPublisher{}
	svc := New(testutil.NewSQLite(t), pub, testutil.TestLogger())

	require.NoError(t, svc.Append(ctx, model.NewAuditEntry(model.EventBudgetSet, operator, model.AuditDetails{})))
	assert.Equal(t, 1, pub.calls)

	page, err := svc.Query(ctx, model.AuditQuery{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestQuery_FiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	svc := New(testutil.NewSQLite(t), nil, testutil.TestLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Append(ctx, model.NewAuditEntry(model.EventSkillPublished, operator, model.AuditDetails{})))
	}
	require.NoError(t, svc.Append(ctx, model.NewAuditEntry(model.EventBudgetSet, operator, model.AuditDetails{})))
	other := model.Actor{ID: "someone", Role: model.RoleAdmin, TenantID: "globex"}
	require.NoError(t, svc.Append(ctx, model.NewAuditEntry(model.EventSkillPublished, other, model.AuditDetails{})))

	page, err := svc.Query(ctx, model.AuditQuery{
		TenantID:   "acme",
		EventTypes: []model.AuditEventType{model.EventSkillPublished},
		Limit:      2,
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 5, page.Total)
	assert.True(t, page.HasMore)

	page, err = svc.Query(ctx, model.AuditQuery{TenantID: "acme", Limit: 10, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.False(t, page.HasMore)

	_, err = svc.Query(ctx, model.AuditQuery{})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = svc.Query(ctx, model.AuditQuery{TenantID: "acme", EventTypes: []model.AuditEventType{"nope"}})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestValidateOverride(t *testing.T) {
	svc := New(testutil.NewSQLite(t), nil, testutil.TestLogger())

	tests := []struct {
		name  string
		o     *model.Override
		valid bool
	}{
		{"nil", nil, false},
		{"unknown reason", &model.Override{Reason: "because", Justification: "a long enough reason"}, false},
		{"short justification", &model.Override{Reason: model.OverrideHotfix, Justification: "  too short "}, false},
		{"valid", &model.Override{Reason: model.OverrideHotfix, Justification: "customer outage in eu-west"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.ValidateOverride(tt.o)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, model.ErrValidation)
			}
		})
	}
}

func TestRecordOverride_WritesOneEntry(t *testing.T) {
	ctx := context.Background()
	svc := New(testutil.NewSQLite(t), nil, testutil.TestLogger())

	e, err := svc.RecordOverride(ctx, OverrideUse{
		Actor:       operator,
		Action:      "workspace.promote",
		Target:      "staging->production",
		WorkspaceID: "support-bot",
		Override:    &model.Override{Reason: model.OverrideIncidentResponse, Justification: "  rollback of broken prompt  "},
	})
	require.NoError(t, err)
	require.NotNil(t, e.Details.Override)
	assert.Equal(t, "rollback of broken prompt", e.Details.Override.Justification)
	assert.Equal(t, e.Timestamp, e.Details.Override.Timestamp)

	page, err := svc.Query(ctx, model.AuditQuery{
		TenantID:   "acme",
		EventTypes: []model.AuditEventType{model.EventOverrideUsed},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	got := page.Items[0]
	assert.Equal(t, "support-bot", got.WorkspaceID)
	require.NotNil(t, got.Details.Override)
	assert.Equal(t, model.RoleOperator, got.Details.Override.Role)
	assert.Equal(t, model.OverrideIncidentResponse, got.Details.Override.Reason)

	stats, err := svc.Stats(ctx, "acme", model.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OverrideCount)
}

func TestRecordOverride_InvalidWritesNothing(t *testing.T) {
	ctx := context.Background()
	svc := New(testutil.NewSQLite(t), nil, testutil.TestLogger())

	_, err := svc.RecordOverride(ctx, OverrideUse{
		Actor:    operator,
		Action:   "workspace.promote",
		Override: &model.Override{Reason: model.OverrideOther, Justification: strings.Repeat(" ", 20)},
	})
	assert.ErrorIs(t, err, model.ErrValidation)

	stats, err := svc.Stats(ctx, "acme", model.TimeRange{})
	require.NoError(t, err)
	assert.Zero(t, stats.Total)
}
