package mcp

import (
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestInferWorkspaceFromRoots(t *testing.T) {
	tests := []struct {
		name  string
		roots []mcplib.Root
		want  string
	}{
		{"empty roots", nil, ""},
		{"single file URI", []mcplib.Root{{URI: "file:///home/dev/support-agent"}}, "support-agent"},
		{"multiple roots uses first", []mcplib.Root{{URI: "file:///srv/triage"}, {URI: "file:///srv/billing"}}, "triage"},
		{"non-file URI skipped", []mcplib.Root{{URI: "https://example.com/repo"}, {URI: "file:///home/dev/ops"}}, "ops"},
		{"root path returns empty", []mcplib.Root{{URI: "file:///"}}, ""},
		{"trailing slash", []mcplib.Root{{URI: "file:///home/dev/support/"}}, "support"},
		{"windows drive", []mcplib.Root{{URI: "file:///C:/Users/dev/triage"}}, "triage"},
		{"invalid identifier skipped", []mcplib.Root{{URI: "file:///home/dev/my%20project"}, {URI: "file:///home/dev/ok"}}, "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, inferWorkspaceFromRoots(tt.roots))
		})
	}
}

func TestRootURIs(t *testing.T) {
	assert.Nil(t, rootURIs(nil))
	assert.Equal(t, []string{"file:///a", "file:///b"},
		rootURIs([]mcplib.Root{{URI: "file:///a"}, {URI: "file:///b"}}))
}

func TestRootsCache(t *testing.T) {
	rc := newRootsCache()

	_, ok := rc.Get("s1")
	assert.False(t, ok)

	rc.Set("s1", []mcplib.Root{{URI: "file:///x"}})
	roots, ok := rc.Get("s1")
	assert.True(t, ok)
	assert.Len(t, roots, 1)

	// A cached miss is distinct from no entry.
	rc.Set("s2", []mcplib.Root{})
	roots, ok = rc.Get("s2")
	assert.True(t, ok)
	assert.Empty(t, roots)

	rc.Forget("s1")
	_, ok = rc.Get("s1")
	assert.False(t, ok)
}
