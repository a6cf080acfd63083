package model

import (
	"time"

	"github.com/google/uuid"
)

// TraceStatus is the terminal status of an execution.
type TraceStatus string

const (
	TraceSuccess TraceStatus = "success"
	TraceError   TraceStatus = "error"
)

// StepKind distinguishes model calls from tool calls inside a trace.
type StepKind string

const (
	StepLLMCall  StepKind = "llm_call"
	StepToolCall StepKind = "tool_call"
)

// TokenUsage counts tokens consumed by an execution.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Total  int64 `json:"total"`
}

// TraceStep is one ordered step of an execution. Input and Output are payloads
// subject to redaction and to the tenant's storage mode; Error is redacted too.
type TraceStep struct {
	Index      int       `json:"index"`
	Kind       StepKind  `json:"kind"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
	Permitted  *bool     `json:"permitted,omitempty"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// TraceLinks ties a trace to the external objects it acted on.
type TraceLinks struct {
	TaskID     string `json:"task_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
}

// LinkKind names one of the TraceLinks fields.
type LinkKind string

const (
	LinkTask     LinkKind = "task"
	LinkDocument LinkKind = "document"
	LinkMessage  LinkKind = "message"
)

// Valid reports whether k is a known link kind.
func (k LinkKind) Valid() bool {
	switch k {
	case LinkTask, LinkDocument, LinkMessage:
		return true
	}
	return false
}

// Trace is the immutable record of one AI execution. Labels may be replaced
// and annotations appended; nothing else changes after finalization.
type Trace struct {
	ID              uuid.UUID         `json:"id"`
	TenantID        string            `json:"tenant_id"`
	WorkspaceID     string            `json:"workspace_id,omitempty"`
	AgentRole       string            `json:"agent_role,omitempty"`
	Model           string            `json:"model"`
	Provider        string            `json:"provider,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
	EndedAt         time.Time         `json:"ended_at"`
	DurationMS      int64             `json:"duration_ms"`
	Status          TraceStatus       `json:"status"`
	Error           string            `json:"error,omitempty"`
	Usage           TokenUsage        `json:"usage"`
	Cost            float64           `json:"cost"`
	Labels          map[string]string `json:"labels,omitempty"`
	Skills          map[string]string `json:"skills,omitempty"`
	Steps           []TraceStep       `json:"steps,omitempty"`
	Links           TraceLinks        `json:"links"`
	Temperature     *float64          `json:"temperature,omitempty"`
	DataSensitivity string            `json:"data_sensitivity,omitempty"`
	RiskFlags       []string          `json:"risk_flags,omitempty"`
	Input           string            `json:"input,omitempty"`
	Output          string            `json:"output,omitempty"`
	RedactedPrompt  string            `json:"redacted_prompt,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ToolCallCount returns the number of tool-call steps.
func (t Trace) ToolCallCount() int {
	n := 0
	for _, s := range t.Steps {
		if s.Kind == StepToolCall {
			n++
		}
	}
	return n
}

// ToolNames returns the names of tool-call steps in step order.
func (t Trace) ToolNames() []string {
	var names []string
	for _, s := range t.Steps {
		if s.Kind == StepToolCall {
			names = append(names, s.Name)
		}
	}
	return names
}

// TraceFilter selects traces for a tenant. TenantID is mandatory.
type TraceFilter struct {
	TenantID    string       `json:"tenant_id"`
	WorkspaceID string       `json:"workspace_id,omitempty"`
	AgentRole   string       `json:"agent_role,omitempty"`
	Status      *TraceStatus `json:"status,omitempty"`
	Model       string       `json:"model,omitempty"`
	TimeRange
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Annotation is an append-only key/value note on a trace.
type Annotation struct {
	ID        uuid.UUID `json:"id"`
	TraceID   uuid.UUID `json:"trace_id"`
	TenantID  string    `json:"tenant_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// CurrentAnnotations projects an annotation log to key -> value. The latest
// write per key wins, ordered by (CreatedAt, ID).
func CurrentAnnotations(log []Annotation) map[string]string {
	type winner struct {
		at time.Time
		id uuid.UUID
		v  string
	}
	best := make(map[string]winner, len(log))
	for _, a := range log {
		w, ok := best[a.Key]
		if ok && (a.CreatedAt.Before(w.at) || (a.CreatedAt.Equal(w.at) && a.ID.String() < w.id.String())) {
			continue
		}
		best[a.Key] = winner{at: a.CreatedAt, id: a.ID, v: a.Value}
	}
	out := make(map[string]string, len(best))
	for k, w := range best {
		out[k] = w.v
	}
	return out
}

// ModelStats aggregates traces for one model.
type ModelStats struct {
	Model     string  `json:"model"`
	Count     int     `json:"count"`
	TotalCost float64 `json:"total_cost"`
}

// TraceStats aggregates a tenant's traces over a time range.
type TraceStats struct {
	TenantID      string       `json:"tenant_id"`
	Count         int          `json:"count"`
	ErrorCount    int          `json:"error_count"`
	ErrorRate     float64      `json:"error_rate"`
	TotalCost     float64      `json:"total_cost"`
	AvgCost       float64      `json:"avg_cost"`
	TotalTokens   int64        `json:"total_tokens"`
	AvgDurationMS float64      `json:"avg_duration_ms"`
	ByModel       []ModelStats `json:"by_model"`
}

// FinalizeResult reports whether a finalized trace was persisted.
type FinalizeResult struct {
	Trace  Trace  `json:"trace"`
	Stored bool   `json:"stored"`
	Reason string `json:"reason,omitempty"`
}

// Payload encodings for TraceRecord.Payload.
const (
	PayloadNone = "none"
	PayloadJSON = "json"
	PayloadZstd = "zstd"
)

// TraceRecord is the persisted form of a trace: metadata with payload fields
// cleared, plus the payloads encoded per the tenant's storage mode.
type TraceRecord struct {
	Trace           Trace
	PayloadEncoding string
	Payload         []byte
}
