package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// AuditEventType is the closed set of governance events.
type AuditEventType string

const (
	EventSkillPublished      AuditEventType = "skill.published"
	EventSkillStateChanged   AuditEventType = "skill.state_changed"
	EventSkillStateForced    AuditEventType = "skill.state_forced"
	EventSkillTested         AuditEventType = "skill.tested"
	EventBudgetSet           AuditEventType = "budget.set"
	EventBudgetSpendRecorded AuditEventType = "budget.spend_recorded"
	EventTraceLabelsSet      AuditEventType = "trace.labels_set"
	EventTraceAnnotated      AuditEventType = "trace.annotated"
	EventRetentionPolicySet  AuditEventType = "retention.policy_set"
	EventRetentionEnforced   AuditEventType = "retention.enforced"
	EventWorkspaceVersion    AuditEventType = "workspace.version_recorded"
	EventEnvironmentCreated  AuditEventType = "workspace.environment_created"
	EventEnvironmentLocked   AuditEventType = "workspace.environment_locked"
	EventWorkspacePinned     AuditEventType = "workspace.pinned"
	EventWorkspaceUnpinned   AuditEventType = "workspace.unpinned"
	EventWorkspacePromoted   AuditEventType = "workspace.promoted"
	EventWorkspaceRolledBack AuditEventType = "workspace.rolled_back"
	EventOverrideUsed        AuditEventType = "override.used"
)

var auditEventTypes = map[AuditEventType]bool{
	EventSkillPublished: true, EventSkillStateChanged: true, EventSkillStateForced: true,
	EventSkillTested: true, EventBudgetSet: true, EventBudgetSpendRecorded: true,
	EventTraceLabelsSet: true, EventTraceAnnotated: true, EventRetentionPolicySet: true,
	EventRetentionEnforced: true, EventWorkspaceVersion: true, EventEnvironmentCreated: true,
	EventEnvironmentLocked: true, EventWorkspacePinned: true, EventWorkspaceUnpinned: true,
	EventWorkspacePromoted: true, EventWorkspaceRolledBack: true, EventOverrideUsed: true,
}

// Valid reports whether t is a known event type.
func (t AuditEventType) Valid() bool { return auditEventTypes[t] }

// AuditOutcome is the result of the audited action.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditDetailsSchemaVersion is the details schema this build writes.
const AuditDetailsSchemaVersion = 1

// AuditDetails is the structured payload of an audit entry. Extra is the open
// extension bag for event-specific fields.
type AuditDetails struct {
	SchemaVersion int             `json:"schema_version"`
	Resource      string          `json:"resource,omitempty"`
	ResourceID    string          `json:"resource_id,omitempty"`
	Outcome       AuditOutcome    `json:"outcome"`
	Before        any             `json:"before,omitempty"`
	After         any             `json:"after,omitempty"`
	Override      *OverrideRecord `json:"override,omitempty"`
	Error         string          `json:"error,omitempty"`
	Extra         map[string]any  `json:"extra,omitempty"`
}

// AuditEntry is one immutable row of the audit log.
type AuditEntry struct {
	ID          uuid.UUID      `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	EventType   AuditEventType `json:"event_type"`
	TenantID    string         `json:"tenant_id,omitempty"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	TraceID     *uuid.UUID     `json:"trace_id,omitempty"`
	Actor       string         `json:"actor"`
	ActorRole   Role           `json:"actor_role,omitempty"`
	Details     AuditDetails   `json:"details"`
}

// Actor identifies who performs a governance action.
type Actor struct {
	ID       string `json:"actor"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenant_id"`
}

// NewAuditEntry stamps an entry with a time-ordered ID and the current time.
func NewAuditEntry(eventType AuditEventType, actor Actor, details AuditDetails) AuditEntry {
	if details.SchemaVersion == 0 {
		details.SchemaVersion = AuditDetailsSchemaVersion
	}
	if details.Outcome == "" {
		details.Outcome = OutcomeSuccess
	}
	return AuditEntry{
		ID:        uuid.Must(uuid.NewV7()),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		TenantID:  actor.TenantID,
		Actor:     actor.ID,
		ActorRole: actor.Role,
		Details:   details,
	}
}

// DetailsJSON marshals the details payload for storage.
func (e AuditEntry) DetailsJSON() ([]byte, error) {
	b, err := json.Marshal(e.Details)
	if err != nil {
		return nil, fmt.Errorf("model: marshal audit details: %w", err)
	}
	return b, nil
}

// AuditQuery filters the audit log.
type AuditQuery struct {
	TenantID    string           `json:"tenant_id,omitempty"`
	WorkspaceID string           `json:"workspace_id,omitempty"`
	TraceID     *uuid.UUID       `json:"trace_id,omitempty"`
	EventTypes  []AuditEventType `json:"event_types,omitempty"`
	Actor       string           `json:"actor,omitempty"`
	TimeRange
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// AuditStats counts audit entries by event type.
type AuditStats struct {
	TenantID      string                 `json:"tenant_id,omitempty"`
	Total         int                    `json:"total"`
	ByEventType   map[AuditEventType]int `json:"by_event_type"`
	OverrideCount int                    `json:"override_count"`
}

// OverrideReason is the closed set of reasons for bypassing a governance block.
type OverrideReason string

const (
	OverrideIncidentResponse OverrideReason = "incident_response"
	OverrideHotfix           OverrideReason = "hotfix"
	OverrideBusinessDeadline OverrideReason = "business_deadline"
	OverrideDataCorrection   OverrideReason = "data_correction"
	OverrideOther            OverrideReason = "other"
)

// MinJustificationLen is the minimum override justification length in characters.
const MinJustificationLen = 10

// Override is a justified request to bypass a failed governance check.
type Override struct {
	Reason        OverrideReason `json:"reason"`
	Justification string         `json:"justification"`
}

// Validate fails closed: anything but a known reason with a sufficient
// justification is rejected.
func (o *Override) Validate() error {
	if o == nil {
		return &ValidationError{Field: "override", Message: "is required"}
	}
	switch o.Reason {
	case OverrideIncidentResponse, OverrideHotfix, OverrideBusinessDeadline, OverrideDataCorrection, OverrideOther:
	default:
		return &ValidationError{Field: "override.reason", Message: fmt.Sprintf("unknown reason %q", o.Reason)}
	}
	if utf8.RuneCountInString(strings.TrimSpace(o.Justification)) < MinJustificationLen {
		return &ValidationError{
			Field:   "override.justification",
			Message: fmt.Sprintf("must be at least %d characters", MinJustificationLen),
		}
	}
	return nil
}

// OverrideRecord is what the audit log keeps about a used override.
type OverrideRecord struct {
	Actor         string         `json:"actor"`
	Role          Role           `json:"role"`
	Action        string         `json:"action"`
	Target        string         `json:"target"`
	Reason        OverrideReason `json:"reason"`
	Justification string         `json:"justification"`
	Timestamp     time.Time      `json:"timestamp"`
}
