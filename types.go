package shugo

import (
	"time"

	"github.com/google/uuid"
)

// Role is a principal's RBAC role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAgent    Role = "agent"
	RoleReader   Role = "reader"
)

// AuditEvent is the public view of one audit log entry.
// It is a curated copy of internal/model.AuditEntry for use in AuditHook.
// No internal package imports, so it is safe to use from outside the module.
type AuditEvent struct {
	ID          uuid.UUID
	Type        string // e.g. skill.promoted, budget.set
	OccurredAt  time.Time
	TenantID    string
	WorkspaceID string
	TraceID     *uuid.UUID
	Actor       string
	ActorRole   Role
	Resource    string
	ResourceID  string
	Outcome     string // success | failure
	// Override is set when the action bypassed a safety check.
	Override *Override
}

// Override records a recorded safety override.
type Override struct {
	Reason        string
	Justification string
}

// ModelPrice is USD per one million tokens for one model.
type ModelPrice struct {
	InputPerMillion  float64
	OutputPerMillion float64
}
