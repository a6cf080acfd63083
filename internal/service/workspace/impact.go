package workspace

import (
	"context"
	"fmt"
	"sort"

	"github.com/ashita-ai/shugo/internal/model"
)

// File change kinds.
const (
	FileAdded    = "added"
	FileRemoved  = "removed"
	FileModified = "modified"
)

// DiffFiles compares two file manifests by path.
func DiffFiles(from, to []model.WorkspaceFile) []model.FileChange {
	old := make(map[string]string, len(from))
	for _, f := range from {
		old[f.Path] = f.Hash
	}
	out := []model.FileChange{}
	seen := make(map[string]bool, len(to))
	for _, f := range to {
		seen[f.Path] = true
		h, ok := old[f.Path]
		switch {
		case !ok:
			out = append(out, model.FileChange{Path: f.Path, Change: FileAdded, NewHash: f.Hash})
		case h != f.Hash:
			out = append(out, model.FileChange{Path: f.Path, Change: FileModified, OldHash: h, NewHash: f.Hash})
		}
	}
	for _, f := range from {
		if !seen[f.Path] {
			out = append(out, model.FileChange{Path: f.Path, Change: FileRemoved, OldHash: f.Hash})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func diffSelections(from, to map[string]string) map[string]model.ValueChange {
	out := map[string]model.ValueChange{}
	for name, v := range from {
		if nv := to[name]; nv != v {
			out[name] = model.ValueChange{Old: v, New: nv}
		}
	}
	for name, nv := range to {
		if _, ok := from[name]; !ok {
			out[name] = model.ValueChange{New: nv}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Impact describes what promoting source onto target would change: files
// between target's current version and source's pinned version, plus skill,
// model, and provider selections.
func (s *Service) Impact(ctx context.Context, tenantID, workspaceID, source, target string) (model.ImpactAnalysis, error) {
	src, err := s.GetEnvironment(ctx, tenantID, workspaceID, source)
	if err != nil {
		return model.ImpactAnalysis{}, err
	}
	if !src.Pinned() {
		return model.ImpactAnalysis{}, &model.ValidationError{Field: "source", Message: fmt.Sprintf("%s is not pinned", source)}
	}
	dst, err := s.store.GetEnvironment(ctx, workspaceID, target)
	if err != nil {
		return model.ImpactAnalysis{}, err
	}

	toVersion, _, err := s.store.GetWorkspaceVersion(ctx, workspaceID, *src.VersionHash)
	if err != nil {
		return model.ImpactAnalysis{}, fmt.Errorf("workspace: impact: source version: %w", err)
	}
	a := model.ImpactAnalysis{
		WorkspaceID: workspaceID,
		Source:      source,
		Target:      target,
		ToVersion:   toVersion.Hash,
	}
	var fromFiles []model.WorkspaceFile
	if dst.Pinned() {
		fromVersion, _, err := s.store.GetWorkspaceVersion(ctx, workspaceID, *dst.VersionHash)
		if err != nil {
			return model.ImpactAnalysis{}, fmt.Errorf("workspace: impact: target version: %w", err)
		}
		a.FromVersion = fromVersion.Hash
		fromFiles = fromVersion.Files
	}
	a.Files = DiffFiles(fromFiles, toVersion.Files)

	srcPin, err := s.store.ActivePin(ctx, workspaceID, source)
	if err != nil {
		return model.ImpactAnalysis{}, fmt.Errorf("workspace: impact: %w", err)
	}
	dstPin, err := s.store.ActivePin(ctx, workspaceID, target)
	if err != nil {
		return model.ImpactAnalysis{}, fmt.Errorf("workspace: impact: %w", err)
	}
	var from, to model.WorkspacePin
	if srcPin != nil {
		to = *srcPin
	}
	if dstPin != nil {
		from = *dstPin
	}
	a.SkillChanges = diffSelections(from.Skills, to.Skills)
	if from.Model != to.Model {
		a.ModelChange = &model.ValueChange{Old: from.Model, New: to.Model}
	}
	if from.Provider != to.Provider {
		a.ProviderChange = &model.ValueChange{Old: from.Provider, New: to.Provider}
	}
	return a, nil
}
