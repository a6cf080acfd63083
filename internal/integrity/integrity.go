// Package integrity provides content hashing for skill manifests and
// workspace file trees. All functions are pure and deterministic.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/gowebpki/jcs"
)

// HashPrefix marks digests produced by this package.
const HashPrefix = "sha256:"

// CanonicalJSON returns the RFC 8785 canonical form of v.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("integrity: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("integrity: canonicalize: %w", err)
	}
	return out, nil
}

// Checksum returns the prefixed SHA-256 of v's canonical JSON. Two values that
// differ only in key order or whitespace share a checksum.
func Checksum(v any) (string, error) {
	b, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the prefixed SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// NormalizePath cleans a workspace-relative path to forward slashes with no
// leading slash. It returns an error for paths escaping the root.
func NormalizePath(p string) (string, error) {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", fmt.Errorf("integrity: empty path")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("integrity: path %q escapes workspace root", p)
		}
	}
	return p, nil
}

// CanonicalizeContent normalizes file content before hashing: JSON files are
// rewritten in canonical form, everything else has CRLF line endings folded
// to LF. Invalid JSON in a .json file is hashed as text.
func CanonicalizeContent(p string, content []byte) []byte {
	if strings.EqualFold(path.Ext(p), ".json") {
		if out, err := jcs.Transform(content); err == nil {
			return out
		}
	}
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}

// FileDigest is the hash record of one canonicalized file.
type FileDigest struct {
	Path string
	Hash string
	Size int64
}

// TreeHash hashes a file tree. Paths are normalized and content canonicalized
// first, so the result depends only on what the files say, never on map order,
// separators, or line endings. It returns the root hash, the per-file digests
// sorted by path, and the canonical content keyed by normalized path.
func TreeHash(files map[string][]byte) (string, []FileDigest, map[string][]byte, error) {
	canon := make(map[string][]byte, len(files))
	for p, content := range files {
		np, err := NormalizePath(p)
		if err != nil {
			return "", nil, nil, err
		}
		if _, dup := canon[np]; dup {
			return "", nil, nil, fmt.Errorf("integrity: duplicate path %q after normalization", np)
		}
		canon[np] = CanonicalizeContent(np, content)
	}

	paths := make([]string, 0, len(canon))
	for p := range canon {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	digests := make([]FileDigest, len(paths))
	leaves := make([]string, len(paths))
	for i, p := range paths {
		h := HashBytes(canon[p])
		digests[i] = FileDigest{Path: p, Hash: h, Size: int64(len(canon[p]))}
		leaves[i] = leafHash(p, h)
	}

	root := BuildMerkleRoot(leaves)
	if root == "" {
		// Empty tree.
		sum := sha256.Sum256([]byte{0x00})
		root = hex.EncodeToString(sum[:])
	}
	return HashPrefix + root, digests, canon, nil
}

// leafHash produces SHA-256(0x00 || len(path) || path || len(hash) || hash).
// Each field carries a 4-byte big-endian length prefix so no path can be
// confused with a path/hash boundary.
func leafHash(p, contentHash string) string {
	h := sha256.New()
	h.Write([]byte{0x00}) // leaf domain separator
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // paths and hashes are far below 4GB
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(p)
	writeField(contentHash)
	return hex.EncodeToString(h.Sum(nil))
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
