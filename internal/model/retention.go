package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Retention defaults applied when a tenant has no explicit policy.
const (
	DefaultRetentionDays = 90
	DefaultSampleRate    = 1.0
)

// SamplingStrategy decides which finalized traces are persisted.
type SamplingStrategy string

const (
	SamplingFull       SamplingStrategy = "full"
	SamplingErrorsOnly SamplingStrategy = "errors_only"
	SamplingSampled    SamplingStrategy = "sampled"
)

// StorageMode decides how trace payloads are persisted.
type StorageMode string

const (
	StorageFull         StorageMode = "full"
	StorageCompressed   StorageMode = "compressed"
	StorageMetadataOnly StorageMode = "metadata_only"
)

// RetentionPolicy governs trace lifetime and persistence for one tenant.
type RetentionPolicy struct {
	TenantID      string           `json:"tenant_id"`
	RetentionDays int              `json:"retention_days"`
	Sampling      SamplingStrategy `json:"sampling"`
	SampleRate    float64          `json:"sample_rate"`
	StorageMode   StorageMode      `json:"storage_mode"`
	Explicit      bool             `json:"explicit"`
	UpdatedBy     string           `json:"updated_by,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at,omitzero"`
}

// DefaultRetentionPolicy is the effective policy for tenants that never set one.
func DefaultRetentionPolicy(tenantID string) RetentionPolicy {
	return RetentionPolicy{
		TenantID:      tenantID,
		RetentionDays: DefaultRetentionDays,
		Sampling:      SamplingFull,
		SampleRate:    DefaultSampleRate,
		StorageMode:   StorageFull,
	}
}

// Validate checks the policy fields, filling enum defaults for empty values.
func (p *RetentionPolicy) Validate() error {
	if p.RetentionDays < 1 {
		return &ValidationError{Field: "retention_days", Message: "must be at least 1"}
	}
	if p.RetentionDays > 3650 {
		return &ValidationError{Field: "retention_days", Message: "must be at most 3650"}
	}
	if p.Sampling == "" {
		p.Sampling = SamplingFull
	}
	if p.StorageMode == "" {
		p.StorageMode = StorageFull
	}
	switch p.Sampling {
	case SamplingFull, SamplingErrorsOnly:
		if p.SampleRate == 0 {
			p.SampleRate = DefaultSampleRate
		}
	case SamplingSampled:
		if p.SampleRate <= 0 || p.SampleRate > 1 {
			return &ValidationError{Field: "sample_rate", Message: "must be in (0, 1] for sampled strategy"}
		}
	default:
		return &ValidationError{Field: "sampling", Message: fmt.Sprintf("unknown strategy %q", p.Sampling)}
	}
	switch p.StorageMode {
	case StorageFull, StorageCompressed, StorageMetadataOnly:
	default:
		return &ValidationError{Field: "storage_mode", Message: fmt.Sprintf("unknown mode %q", p.StorageMode)}
	}
	return nil
}

// RetentionTrigger records who started an enforcement run.
type RetentionTrigger string

const (
	TriggerManual    RetentionTrigger = "manual"
	TriggerScheduled RetentionTrigger = "scheduled"
)

// RetentionRun is the log row of one enforcement pass.
type RetentionRun struct {
	ID              uuid.UUID        `json:"id"`
	TenantID        string           `json:"tenant_id"`
	Trigger         RetentionTrigger `json:"trigger"`
	Cutoff          time.Time        `json:"cutoff"`
	Deleted         int64            `json:"deleted"`
	OldestRemaining *time.Time       `json:"oldest_remaining,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at"`
}

// RetentionStats summarizes a tenant's retention state.
type RetentionStats struct {
	Policy      RetentionPolicy `json:"policy"`
	TraceCount  int64           `json:"trace_count"`
	OldestTrace *time.Time      `json:"oldest_trace,omitempty"`
	LastRun     *RetentionRun   `json:"last_run,omitempty"`
}
