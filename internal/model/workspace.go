package model

import (
	"time"

	"github.com/google/uuid"
)

// Workspace is a tenant-owned, versioned file tree of agent configuration.
type Workspace struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	LiveVersion string    `json:"live_version,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WorkspaceFile is one entry of a version's file manifest.
type WorkspaceFile struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// WorkspaceVersion is an immutable, content-addressed snapshot.
type WorkspaceVersion struct {
	WorkspaceID string          `json:"workspace_id"`
	Hash        string          `json:"hash"`
	Files       []WorkspaceFile `json:"files"`
	Message     string          `json:"message,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WorkspaceSnapshot is a version together with the file content recorded
// under it, keyed by normalized path.
type WorkspaceSnapshot struct {
	Version WorkspaceVersion  `json:"version"`
	Content map[string][]byte `json:"-"`
}

// Standard environment names created by environment init.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Environment is a named deployment target inside a workspace. Revision is
// the conditional-write counter for concurrent updates.
type Environment struct {
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	VersionHash *string   `json:"version_hash,omitempty"`
	IsDefault   bool      `json:"is_default"`
	Locked      bool      `json:"locked"`
	Revision    int64     `json:"revision"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Pinned reports whether the environment points at a version.
func (e Environment) Pinned() bool {
	return e.VersionHash != nil && *e.VersionHash != ""
}

// WorkspacePin records what an environment runs: a version plus the skill,
// model, and provider selections. Pins are kept as history; the active pin
// has no UnpinnedAt.
type WorkspacePin struct {
	ID          uuid.UUID         `json:"id"`
	WorkspaceID string            `json:"workspace_id"`
	Environment string            `json:"environment"`
	VersionHash string            `json:"version_hash"`
	Skills      map[string]string `json:"skills,omitempty"`
	Model       string            `json:"model,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	PinnedBy    string            `json:"pinned_by"`
	PinnedAt    time.Time         `json:"pinned_at"`
	UnpinnedAt  *time.Time        `json:"unpinned_at,omitempty"`
}

// PinRequest selects what an environment should run.
type PinRequest struct {
	Environment string            `json:"environment"`
	VersionHash string            `json:"version_hash"`
	Skills      map[string]string `json:"skills,omitempty"`
	Model       string            `json:"model,omitempty"`
	Provider    string            `json:"provider,omitempty"`
}

// FileChange is one path's difference between two versions.
type FileChange struct {
	Path    string `json:"path"`
	Change  string `json:"change"` // added, removed, modified
	OldHash string `json:"old_hash,omitempty"`
	NewHash string `json:"new_hash,omitempty"`
}

// ValueChange is a scalar before/after pair.
type ValueChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// ImpactAnalysis describes what promoting source onto target would change.
type ImpactAnalysis struct {
	WorkspaceID    string                 `json:"workspace_id"`
	Source         string                 `json:"source"`
	Target         string                 `json:"target"`
	FromVersion    string                 `json:"from_version,omitempty"`
	ToVersion      string                 `json:"to_version"`
	Files          []FileChange           `json:"files"`
	SkillChanges   map[string]ValueChange `json:"skill_changes,omitempty"`
	ModelChange    *ValueChange           `json:"model_change,omitempty"`
	ProviderChange *ValueChange           `json:"provider_change,omitempty"`
}

// Empty reports whether promotion would change nothing.
func (a ImpactAnalysis) Empty() bool {
	return len(a.Files) == 0 && len(a.SkillChanges) == 0 && a.ModelChange == nil && a.ProviderChange == nil
}
