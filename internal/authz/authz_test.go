package authz_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/authz"
	"github.com/ashita-ai/shugo/internal/model"
)

func claims(role model.Role) *auth.Claims {
	return &auth.Claims{TenantID: "acme", Actor: "caller", Role: role}
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		role model.Role
		perm model.Permission
		ok   bool
	}{
		{model.RoleReader, model.PermTracesRead, true},
		{model.RoleReader, model.PermTracesReadRaw, false},
		{model.RoleAgent, model.PermTracesWrite, true},
		{model.RoleAgent, model.PermTracesReadRaw, false},
		{model.RoleOperator, model.PermTracesReadRaw, true},
		{model.RoleOperator, model.PermWorkspacePromote, true},
		{model.RoleOperator, model.PermSkillsForceState, false},
		{model.RoleOperator, model.PermBudgetManage, false},
		{model.RoleAdmin, model.PermSkillsForceState, true},
		{model.RoleAdmin, model.PermPrincipalsManage, true},
		{"intern", model.PermTracesRead, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			err := authz.Authorize(claims(tt.role), tt.perm)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrPermission)
		})
	}
}

func TestAuthorize_ErrorNamesGrantedRoles(t *testing.T) {
	err := authz.Authorize(claims(model.RoleAgent), model.PermWorkspaceRollback)

	var pe *model.PermissionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, model.PermWorkspaceRollback, pe.Permission)
	assert.Equal(t, model.RoleAgent, pe.Role)
	assert.Equal(t, []model.Role{model.RoleAdmin, model.RoleOperator}, pe.Allowed)
}

func TestAuthorize_NilClaims(t *testing.T) {
	assert.ErrorIs(t, authz.Authorize(nil, model.PermTracesRead), model.ErrPermission)
}

func TestAuthorizeAll(t *testing.T) {
	assert.NoError(t, authz.AuthorizeAll(claims(model.RoleOperator), model.PermTracesRead, model.PermTracesReadRaw))

	err := authz.AuthorizeAll(claims(model.RoleAgent), model.PermTracesRead, model.PermTracesReadRaw, model.PermAuditRead)
	var pe *model.PermissionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, model.PermTracesReadRaw, pe.Permission, "first missing permission is reported")
}

func TestAuthorizeOverride(t *testing.T) {
	o := &model.Override{Reason: model.OverrideIncidentResponse, Justification: "pager duty incident 4711"}

	assert.NoError(t, authz.AuthorizeOverride(claims(model.RoleAgent), nil))
	assert.ErrorIs(t, authz.AuthorizeOverride(claims(model.RoleAgent), o), model.ErrPermission)
	assert.NoError(t, authz.AuthorizeOverride(claims(model.RoleOperator), o))
}

func TestSkillTransitionPermission(t *testing.T) {
	assert.Equal(t, model.PermSkillsForceState, authz.SkillTransitionPermission(true))
	assert.Equal(t, model.PermSkillsPromote, authz.SkillTransitionPermission(false))
}
