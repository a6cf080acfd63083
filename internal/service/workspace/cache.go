package workspace

import (
	"github.com/dgraph-io/ristretto/v2"

	"github.com/ashita-ai/shugo/internal/model"
)

// DefaultCacheBytes bounds the decoded snapshots kept in memory.
const DefaultCacheBytes = 64 << 20

// snapshotCache holds decoded snapshots. Versions are content-addressed and
// immutable, so entries never need invalidation.
type snapshotCache struct {
	c *ristretto.Cache[string, model.WorkspaceSnapshot]
}

func newSnapshotCache(maxCostBytes int64) (*snapshotCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, model.WorkspaceSnapshot]{
		NumCounters: max(maxCostBytes/1024*10, 1000),
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &snapshotCache{c: c}, nil
}

func cacheKey(workspaceID, hash string) string {
	return workspaceID + "@" + hash
}

func (c *snapshotCache) get(workspaceID, hash string) (model.WorkspaceSnapshot, bool) {
	return c.c.Get(cacheKey(workspaceID, hash))
}

func (c *snapshotCache) set(snap model.WorkspaceSnapshot) {
	var cost int64 = 1
	for _, b := range snap.Content {
		cost += int64(len(b))
	}
	c.c.Set(cacheKey(snap.Version.WorkspaceID, snap.Version.Hash), snap, cost)
}

func (c *snapshotCache) close() {
	c.c.Close()
}
