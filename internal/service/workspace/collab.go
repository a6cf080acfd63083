package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/shugo/internal/model"
)

// Loader supplies the files of a workspace tree.
type Loader interface {
	Load(ctx context.Context) (map[string][]byte, error)
}

// Applier re-applies a recorded snapshot to the live workspace.
type Applier interface {
	Apply(ctx context.Context, snap model.WorkspaceSnapshot) error
}

// MaxFileSize is the largest single file FSLoader accepts.
const MaxFileSize = 4 << 20

// FSLoader reads every regular file under Dir. Hidden files and directories
// are skipped.
type FSLoader struct {
	Dir string
}

// Load walks Dir and returns its files keyed by slash-separated relative path.
func (l FSLoader) Load(ctx context.Context) (map[string][]byte, error) {
	files := map[string][]byte{}
	err := filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != l.Dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > MaxFileSize {
			return fmt.Errorf("workspace: %s exceeds %d bytes", path, MaxFileSize)
		}
		rel, err := filepath.Rel(l.Dir, path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path) //nolint:gosec // path comes from walking the configured directory
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: load %s: %w", l.Dir, err)
	}
	return files, nil
}

// DirApplier writes a snapshot into Dir, replacing files that differ and
// removing files the snapshot does not contain. Hidden entries are left alone.
type DirApplier struct {
	Dir string
}

// Apply materializes snap under Dir.
func (a DirApplier) Apply(ctx context.Context, snap model.WorkspaceSnapshot) error {
	current, err := FSLoader{Dir: a.Dir}.Load(ctx)
	if err != nil {
		return err
	}
	for p, content := range snap.Content {
		dst := filepath.Join(a.Dir, filepath.FromSlash(p))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("workspace: apply %s: %w", p, err)
		}
		if err := os.WriteFile(dst, content, 0o644); err != nil { //nolint:gosec // workspace files are not secrets
			return fmt.Errorf("workspace: apply %s: %w", p, err)
		}
	}
	for p := range current {
		if _, ok := snap.Content[p]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(a.Dir, filepath.FromSlash(p))); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("workspace: remove %s: %w", p, err)
		}
	}
	return nil
}

// NoopApplier accepts every snapshot without touching anything. It serves
// deployments where the live workspace is reconciled elsewhere from the
// recorded live version.
type NoopApplier struct{}

func (NoopApplier) Apply(context.Context, model.WorkspaceSnapshot) error { return nil }
