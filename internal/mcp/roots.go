package mcp

import (
	"context"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shugo/internal/model"
)

// rootsRequestTimeout bounds the synchronous round-trip to the client.
// If the client doesn't respond in time, we skip roots gracefully.
const rootsRequestTimeout = 3 * time.Second

// rootsCache caches MCP roots per session ID. Roots don't change
// mid-session, so one request per session is sufficient.
type rootsCache struct {
	mu    sync.RWMutex
	cache map[string][]mcplib.Root // sessionID -> roots
}

func newRootsCache() *rootsCache {
	return &rootsCache{
		cache: make(map[string][]mcplib.Root),
	}
}

// Get returns cached roots for a session.
func (rc *rootsCache) Get(sessionID string) ([]mcplib.Root, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	roots, ok := rc.cache[sessionID]
	return roots, ok
}

// Set caches roots for a session.
func (rc *rootsCache) Set(sessionID string, roots []mcplib.Root) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cache[sessionID] = roots
}

// Forget drops a session's roots.
func (rc *rootsCache) Forget(sessionID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	delete(rc.cache, sessionID)
}

// requestRoots asks the client for its roots, caching the result per
// session. Returns nil on any error; roots are best-effort context.
func (s *Server) requestRoots(ctx context.Context) []mcplib.Root {
	session := mcpserver.ClientSessionFromContext(ctx)
	if session == nil {
		return nil
	}
	sessionID := session.SessionID()
	if sessionID == "" {
		return nil
	}
	if roots, ok := s.rootsCache.Get(sessionID); ok {
		return roots
	}

	reqCtx, cancel := context.WithTimeout(ctx, rootsRequestTimeout)
	defer cancel()
	result, err := s.mcpServer.RequestRoots(reqCtx, mcplib.ListRootsRequest{})
	if err != nil {
		s.logger.Debug("mcp: roots request failed (non-fatal)", "error", err, "session_id", sessionID)
		// Cache the miss so clients without roots support are asked once.
		s.rootsCache.Set(sessionID, []mcplib.Root{})
		return nil
	}
	s.rootsCache.Set(sessionID, result.Roots)
	return result.Roots
}

// inferWorkspaceFromRoots returns the directory name of the first file://
// root that is a valid workspace identifier, or "".
//
//	file:///home/dev/support-agent → "support-agent"
//	file:///C:/Users/dev/triage    → "triage"
func inferWorkspaceFromRoots(roots []mcplib.Root) string {
	for _, root := range roots {
		if !strings.HasPrefix(root.URI, "file://") {
			continue
		}
		parsed, err := url.Parse(root.URI)
		if err != nil {
			continue
		}
		p := path.Clean(parsed.Path)
		if p == "" || p == "/" || p == "." {
			continue
		}
		name := path.Base(p)
		if model.ValidateIdentifier("workspace_id", name) != nil {
			continue
		}
		return name
	}
	return ""
}

// rootURIs extracts the URI strings from a slice of roots.
func rootURIs(roots []mcplib.Root) []string {
	if len(roots) == 0 {
		return nil
	}
	uris := make([]string, len(roots))
	for i, r := range roots {
		uris[i] = r.URI
	}
	return uris
}
