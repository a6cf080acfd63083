package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SkillState is a position in the skill lifecycle.
type SkillState string

const (
	SkillDraft      SkillState = "draft"
	SkillTested     SkillState = "tested"
	SkillApproved   SkillState = "approved"
	SkillActive     SkillState = "active"
	SkillDeprecated SkillState = "deprecated"
)

// skillTransitions is the lifecycle graph. Deprecated has no outgoing edges.
var skillTransitions = map[SkillState][]SkillState{
	SkillDraft:      {SkillTested, SkillDeprecated},
	SkillTested:     {SkillApproved, SkillDraft, SkillDeprecated},
	SkillApproved:   {SkillActive, SkillTested, SkillDeprecated},
	SkillActive:     {SkillDeprecated},
	SkillDeprecated: {},
}

// Valid reports whether s is a known lifecycle state.
func (s SkillState) Valid() bool {
	_, ok := skillTransitions[s]
	return ok
}

// AllowedTransitions returns the states reachable from s in one checked step.
func (s SkillState) AllowedTransitions() []SkillState {
	next := skillTransitions[s]
	out := make([]SkillState, len(next))
	copy(out, next)
	return out
}

// CanTransitionTo reports whether s -> to is an edge of the lifecycle graph.
func (s SkillState) CanTransitionTo(to SkillState) bool {
	for _, n := range skillTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

// SkillManifestSchemaVersion is the manifest schema this build writes.
const SkillManifestSchemaVersion = 1

// SkillManifest is the immutable, versioned description of a skill.
// Inputs and Outputs are JSON Schema documents. Extensions is an open bag for
// fields that newer manifest revisions may add.
type SkillManifest struct {
	SchemaVersion int                        `json:"schema_version"`
	Name          string                     `json:"name"`
	Version       string                     `json:"version"`
	Description   string                     `json:"description"`
	Instructions  string                     `json:"instructions,omitempty"`
	Inputs        json.RawMessage            `json:"inputs,omitempty"`
	Outputs       json.RawMessage            `json:"outputs,omitempty"`
	Permissions   []string                   `json:"permissions,omitempty"`
	Tests         []SkillTestCase            `json:"tests,omitempty"`
	Extensions    map[string]json.RawMessage `json:"extensions,omitempty"`
}

// SkillTestCase is a declared example input with its expected output.
type SkillTestCase struct {
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input"`
	Expect json.RawMessage `json:"expect,omitempty"`
}

// Skill is a published skill version. Everything but State is immutable.
type Skill struct {
	Name        string        `json:"name"`
	Version     string        `json:"version"`
	Description string        `json:"description"`
	Manifest    SkillManifest `json:"manifest"`
	Checksum    string        `json:"checksum"`
	State       SkillState    `json:"state"`
	PublishedBy string        `json:"published_by"`
	PublishedAt time.Time     `json:"published_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// SkillTestResult is the outcome of one declared test case.
type SkillTestResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// SkillTestRun is an append-only record of a test trigger.
type SkillTestRun struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Passed    bool              `json:"passed"`
	Results   []SkillTestResult `json:"results"`
	Actor     string            `json:"actor"`
	CreatedAt time.Time         `json:"created_at"`
}

// SkillTransition is the result of a state change.
type SkillTransition struct {
	Name     string     `json:"name"`
	Version  string     `json:"version"`
	OldState SkillState `json:"old_state"`
	NewState SkillState `json:"new_state"`
}

// SkillSearchQuery filters registry listings. Results carry only the latest
// version of each skill name.
type SkillSearchQuery struct {
	Query             string      `json:"query,omitempty"`
	State             *SkillState `json:"state,omitempty"`
	IncludeDeprecated bool        `json:"include_deprecated,omitempty"`
	Limit             int         `json:"limit,omitempty"`
	Offset            int         `json:"offset,omitempty"`
}
