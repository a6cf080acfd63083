package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/ashita-ai/shugo/internal/model"
)

// KeyCache remembers recently verified API keys so repeated token exchanges
// skip the Argon2id verification. Keys are stored only as SHA-256 digests.
// A nil *KeyCache caches nothing.
type KeyCache struct {
	c   *ristretto.Cache[string, model.Principal]
	ttl time.Duration
}

// NewKeyCache creates a cache holding up to maxEntries verified keys for ttl.
func NewKeyCache(maxEntries int64, ttl time.Duration) (*KeyCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config[string, model.Principal]{
		NumCounters:        max(maxEntries*10, 100),
		MaxCost:            max(maxEntries, 1),
		BufferItems:        64,
		IgnoreInternalCost: true, // cost counts entries, not bytes
	})
	if err != nil {
		return nil, err
	}
	return &KeyCache{c: c, ttl: ttl}, nil
}

func keyDigest(tenantID, actor, apiKey string) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(actor))
	h.Write([]byte{0})
	h.Write([]byte(apiKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the principal a key was verified for.
func (k *KeyCache) Get(tenantID, actor, apiKey string) (model.Principal, bool) {
	if k == nil {
		return model.Principal{}, false
	}
	return k.c.Get(keyDigest(tenantID, actor, apiKey))
}

// Put records a successful verification. The write is visible once Put
// returns.
func (k *KeyCache) Put(p model.Principal, apiKey string) {
	if k == nil {
		return
	}
	k.c.SetWithTTL(keyDigest(p.TenantID, p.Actor, apiKey), p, 1, k.ttl)
	k.c.Wait()
}

// Forget drops every cached verification for a principal's current key.
func (k *KeyCache) Forget(tenantID, actor, apiKey string) {
	if k == nil {
		return
	}
	k.c.Del(keyDigest(tenantID, actor, apiKey))
}

// Close releases the cache's goroutines.
func (k *KeyCache) Close() {
	if k != nil {
		k.c.Close()
	}
}
