// Package workspace manages content-addressed workspace versions, the
// environments that run them, environment pins, promotion, and rollback.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shugo/internal/compress"
	"github.com/ashita-ai/shugo/internal/integrity"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/telemetry"
)

// Store is the persistence the workspace manager needs.
type Store interface {
	EnsureWorkspace(ctx context.Context, tenantID, workspaceID string, now time.Time) (model.Workspace, error)
	GetWorkspace(ctx context.Context, tenantID, workspaceID string) (model.Workspace, error)
	CreateWorkspaceVersionWithAudit(ctx context.Context, tenantID string, v model.WorkspaceVersion, content []byte, audit model.AuditEntry) (bool, error)
	GetWorkspaceVersion(ctx context.Context, workspaceID, hash string) (model.WorkspaceVersion, []byte, error)
	ListWorkspaceVersions(ctx context.Context, workspaceID string, limit, offset int) ([]model.WorkspaceVersion, int, error)
	CreateEnvironmentWithAudit(ctx context.Context, env model.Environment, audit model.AuditEntry) error
	GetEnvironment(ctx context.Context, workspaceID, name string) (model.Environment, error)
	ListEnvironments(ctx context.Context, workspaceID string) ([]model.Environment, error)
	UpdateEnvironmentWithAudit(ctx context.Context, env model.Environment, expectedRev int64, audit model.AuditEntry) (bool, error)
	PinEnvironmentWithAudit(ctx context.Context, pin model.WorkspacePin, expectedRev int64, audit model.AuditEntry) (bool, error)
	UnpinEnvironmentWithAudit(ctx context.Context, workspaceID, env string, at time.Time, expectedRev int64, audit model.AuditEntry) (bool, error)
	ActivePin(ctx context.Context, workspaceID, env string) (*model.WorkspacePin, error)
	PinAt(ctx context.Context, workspaceID, env string, at time.Time) (*model.WorkspacePin, error)
	ListPins(ctx context.Context, workspaceID, env string, limit, offset int) ([]model.WorkspacePin, int, error)
	SetLiveVersionWithAudit(ctx context.Context, workspaceID, expected, hash string, now time.Time, audit model.AuditEntry) (bool, error)
}

// Service is the workspace version, pin, and environment manager.
type Service struct {
	store   Store
	audit   *audit.Service
	applier Applier
	cache   *snapshotCache
	logger  *slog.Logger
	now     func() time.Time

	promotions metric.Int64Counter
	rollbacks  metric.Int64Counter
}

// New creates a workspace Service with the default snapshot cache size.
// A nil applier is replaced by NoopApplier.
func New(store Store, auditSvc *audit.Service, applier Applier, logger *slog.Logger) (*Service, error) {
	return NewWithCacheBytes(store, auditSvc, applier, DefaultCacheBytes, logger)
}

// NewWithCacheBytes is New with an explicit snapshot cache budget in bytes.
func NewWithCacheBytes(store Store, auditSvc *audit.Service, applier Applier, cacheBytes int64, logger *slog.Logger) (*Service, error) {
	if applier == nil {
		applier = NoopApplier{}
	}
	cache, err := newSnapshotCache(cacheBytes)
	if err != nil {
		return nil, fmt.Errorf("workspace: snapshot cache: %w", err)
	}
	meter := telemetry.Meter("shugo/workspace")
	promotions, _ := meter.Int64Counter("shugo.workspace.promotions",
		metric.WithDescription("Environment promotions executed"),
	)
	rollbacks, _ := meter.Int64Counter("shugo.workspace.rollbacks",
		metric.WithDescription("Rollbacks attempted, by outcome"),
	)
	return &Service{
		store:      store,
		audit:      auditSvc,
		applier:    applier,
		cache:      cache,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		promotions: promotions,
		rollbacks:  rollbacks,
	}, nil
}

// Close releases the snapshot cache.
func (s *Service) Close() {
	s.cache.close()
}

func (s *Service) workspace(ctx context.Context, tenantID, workspaceID string) (model.Workspace, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.Workspace{}, err
	}
	if err := model.ValidateIdentifier("workspace_id", workspaceID); err != nil {
		return model.Workspace{}, err
	}
	return s.store.GetWorkspace(ctx, tenantID, workspaceID)
}

func (s *Service) ensureWorkspace(ctx context.Context, tenantID, workspaceID string) (model.Workspace, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.Workspace{}, err
	}
	if err := model.ValidateIdentifier("workspace_id", workspaceID); err != nil {
		return model.Workspace{}, err
	}
	return s.store.EnsureWorkspace(ctx, tenantID, workspaceID, s.now())
}

func entryFor(evt model.AuditEventType, actor model.Actor, tenantID, workspaceID string, d model.AuditDetails) model.AuditEntry {
	e := model.NewAuditEntry(evt, actor, d)
	e.TenantID = tenantID
	e.WorkspaceID = workspaceID
	return e
}

// HashFiles returns the version hash and file manifest of a file tree
// without recording anything.
func HashFiles(files map[string][]byte) (string, []model.WorkspaceFile, error) {
	root, digests, _, err := integrity.TreeHash(files)
	if err != nil {
		return "", nil, &model.ValidationError{Field: "files", Message: err.Error()}
	}
	out := make([]model.WorkspaceFile, len(digests))
	for i, d := range digests {
		out[i] = model.WorkspaceFile{Path: d.Path, Hash: d.Hash, Size: d.Size}
	}
	return root, out, nil
}

// RecordInput is a file tree to record as a workspace version.
type RecordInput struct {
	TenantID    string
	WorkspaceID string
	Files       map[string][]byte
	Message     string
	Actor       model.Actor
}

// RecordVersion stores the tree as a content-addressed version. Recording
// content that already exists returns the existing version and false.
func (s *Service) RecordVersion(ctx context.Context, in RecordInput) (model.WorkspaceVersion, bool, error) {
	if _, err := s.ensureWorkspace(ctx, in.TenantID, in.WorkspaceID); err != nil {
		return model.WorkspaceVersion{}, false, err
	}
	root, digests, _, err := integrity.TreeHash(in.Files)
	if err != nil {
		return model.WorkspaceVersion{}, false, &model.ValidationError{Field: "files", Message: err.Error()}
	}
	// The hash covers the canonical form; the snapshot keeps the bytes as
	// recorded so a rollback restores them exactly.
	recorded := make(map[string][]byte, len(in.Files))
	for p, content := range in.Files {
		np, _ := integrity.NormalizePath(p)
		recorded[np] = content
	}

	if existing, _, err := s.store.GetWorkspaceVersion(ctx, in.WorkspaceID, root); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.WorkspaceVersion{}, false, fmt.Errorf("workspace: record version: %w", err)
	}

	v := model.WorkspaceVersion{
		WorkspaceID: in.WorkspaceID,
		Hash:        root,
		Files:       make([]model.WorkspaceFile, len(digests)),
		Message:     strings.TrimSpace(in.Message),
		CreatedBy:   in.Actor.ID,
		CreatedAt:   s.now(),
	}
	for i, d := range digests {
		v.Files[i] = model.WorkspaceFile{Path: d.Path, Hash: d.Hash, Size: d.Size}
	}
	raw, err := json.Marshal(recorded)
	if err != nil {
		return model.WorkspaceVersion{}, false, fmt.Errorf("workspace: encode snapshot: %w", err)
	}

	entry := entryFor(model.EventWorkspaceVersion, in.Actor, in.TenantID, in.WorkspaceID, model.AuditDetails{
		Resource:   "workspace_version",
		ResourceID: root,
		After:      map[string]any{"hash": root, "files": len(v.Files), "message": v.Message},
	})
	created, err := s.store.CreateWorkspaceVersionWithAudit(ctx, in.TenantID, v, compress.Zstd(raw), entry)
	if err != nil {
		return model.WorkspaceVersion{}, false, err
	}
	if !created {
		existing, _, err := s.store.GetWorkspaceVersion(ctx, in.WorkspaceID, root)
		return existing, false, err
	}
	s.audit.Notify(ctx, entry)
	s.logger.Info("workspace: version recorded", "workspace_id", in.WorkspaceID, "hash", root, "files", len(v.Files))
	return v, true, nil
}

// RecordFromLoader loads a tree through l and records it.
func (s *Service) RecordFromLoader(ctx context.Context, tenantID, workspaceID string, l Loader, message string, actor model.Actor) (model.WorkspaceVersion, bool, error) {
	files, err := l.Load(ctx)
	if err != nil {
		return model.WorkspaceVersion{}, false, err
	}
	return s.RecordVersion(ctx, RecordInput{
		TenantID:    tenantID,
		WorkspaceID: workspaceID,
		Files:       files,
		Message:     message,
		Actor:       actor,
	})
}

// GetVersion returns a version with its content as first recorded. The returned
// content map is shared and must not be modified.
func (s *Service) GetVersion(ctx context.Context, tenantID, workspaceID, hash string) (model.WorkspaceSnapshot, error) {
	if _, err := s.workspace(ctx, tenantID, workspaceID); err != nil {
		return model.WorkspaceSnapshot{}, err
	}
	return s.snapshot(ctx, workspaceID, hash)
}

func (s *Service) snapshot(ctx context.Context, workspaceID, hash string) (model.WorkspaceSnapshot, error) {
	if snap, ok := s.cache.get(workspaceID, hash); ok {
		return snap, nil
	}
	v, blob, err := s.store.GetWorkspaceVersion(ctx, workspaceID, hash)
	if err != nil {
		return model.WorkspaceSnapshot{}, err
	}
	raw, err := compress.Unzstd(blob)
	if err != nil {
		return model.WorkspaceSnapshot{}, fmt.Errorf("workspace: snapshot %s: %w", hash, err)
	}
	content := map[string][]byte{}
	if err := json.Unmarshal(raw, &content); err != nil {
		return model.WorkspaceSnapshot{}, fmt.Errorf("workspace: snapshot %s: %w", hash, err)
	}
	snap := model.WorkspaceSnapshot{Version: v, Content: content}
	s.cache.set(snap)
	return snap, nil
}

// Versions lists a workspace's versions newest first.
func (s *Service) Versions(ctx context.Context, tenantID, workspaceID string, limit, offset int) (model.PagedResult[model.WorkspaceVersion], error) {
	if _, err := s.workspace(ctx, tenantID, workspaceID); err != nil {
		return model.PagedResult[model.WorkspaceVersion]{}, err
	}
	limit = model.ClampLimit(limit, model.DefaultPageLimit, model.MaxPageLimit)
	offset = max(offset, 0)
	vs, total, err := s.store.ListWorkspaceVersions(ctx, workspaceID, limit, offset)
	if err != nil {
		return model.PagedResult[model.WorkspaceVersion]{}, fmt.Errorf("workspace: versions: %w", err)
	}
	return model.NewPagedResult(vs, total, limit, offset), nil
}

// Workspace returns a tenant's workspace, including its live version.
func (s *Service) Workspace(ctx context.Context, tenantID, workspaceID string) (model.Workspace, error) {
	return s.workspace(ctx, tenantID, workspaceID)
}

// EnvironmentOptions are the initial flags of a new environment.
type EnvironmentOptions struct {
	IsDefault bool
	Locked    bool
}

// CreateEnvironment adds a named, unpinned environment to the workspace.
func (s *Service) CreateEnvironment(ctx context.Context, tenantID, workspaceID, name string, opts EnvironmentOptions, actor model.Actor) (model.Environment, error) {
	if err := model.ValidateIdentifier("environment", name); err != nil {
		return model.Environment{}, err
	}
	if _, err := s.ensureWorkspace(ctx, tenantID, workspaceID); err != nil {
		return model.Environment{}, err
	}
	now := s.now()
	env := model.Environment{
		WorkspaceID: workspaceID,
		Name:        name,
		IsDefault:   opts.IsDefault,
		Locked:      opts.Locked,
		Revision:    1,
		UpdatedBy:   actor.ID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := entryFor(model.EventEnvironmentCreated, actor, tenantID, workspaceID, model.AuditDetails{
		Resource:   "environment",
		ResourceID: name,
		After:      env,
	})
	if err := s.store.CreateEnvironmentWithAudit(ctx, env, entry); err != nil {
		return model.Environment{}, err
	}
	s.audit.Notify(ctx, entry)
	return env, nil
}

// InitEnvironments creates the standard development, staging, and
// production environments, skipping any that already exist.
func (s *Service) InitEnvironments(ctx context.Context, tenantID, workspaceID string, actor model.Actor) ([]model.Environment, error) {
	for _, name := range []string{model.EnvDevelopment, model.EnvStaging, model.EnvProduction} {
		_, err := s.CreateEnvironment(ctx, tenantID, workspaceID, name, EnvironmentOptions{IsDefault: name == model.EnvDevelopment}, actor)
		if err != nil && !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
	}
	return s.ListEnvironments(ctx, tenantID, workspaceID)
}

// ListEnvironments returns a workspace's environments ordered by name.
func (s *Service) ListEnvironments(ctx context.Context, tenantID, workspaceID string) ([]model.Environment, error) {
	if _, err := s.workspace(ctx, tenantID, workspaceID); err != nil {
		return nil, err
	}
	envs, err := s.store.ListEnvironments(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("workspace: list environments: %w", err)
	}
	if envs == nil {
		envs = []model.Environment{}
	}
	return envs, nil
}

// GetEnvironment returns one of a tenant's environments.
func (s *Service) GetEnvironment(ctx context.Context, tenantID, workspaceID, name string) (model.Environment, error) {
	if _, err := s.workspace(ctx, tenantID, workspaceID); err != nil {
		return model.Environment{}, err
	}
	return s.store.GetEnvironment(ctx, workspaceID, name)
}

// SetLocked locks or unlocks an environment as a promotion target.
func (s *Service) SetLocked(ctx context.Context, tenantID, workspaceID, name string, locked bool, actor model.Actor) (model.Environment, error) {
	env, err := s.GetEnvironment(ctx, tenantID, workspaceID, name)
	if err != nil {
		return model.Environment{}, err
	}
	if env.Locked == locked {
		return env, nil
	}
	before := env
	env.Locked = locked
	env.UpdatedBy = actor.ID
	env.UpdatedAt = s.now()

	entry := entryFor(model.EventEnvironmentLocked, actor, tenantID, workspaceID, model.AuditDetails{
		Resource:   "environment",
		ResourceID: name,
		Before:     map[string]any{"locked": before.Locked},
		After:      map[string]any{"locked": locked},
	})
	ok, err := s.store.UpdateEnvironmentWithAudit(ctx, env, before.Revision, entry)
	if err != nil {
		return model.Environment{}, err
	}
	if !ok {
		return model.Environment{}, concurrentUpdate(workspaceID, name)
	}
	s.audit.Notify(ctx, entry)
	env.Revision = before.Revision + 1
	return env, nil
}

func concurrentUpdate(workspaceID, env string) error {
	return &model.ConflictError{Resource: "environment", ID: workspaceID + "/" + env, Message: "modified concurrently; retry"}
}

func validatePinSelections(skills map[string]string) error {
	for name, version := range skills {
		if strings.TrimSpace(name) == "" || strings.TrimSpace(version) == "" {
			return &model.ValidationError{Field: "skills", Message: "skill names and versions must be non-empty"}
		}
	}
	return nil
}

// Pin points an environment at a recorded version together with the skill,
// model, and provider selections it runs with.
func (s *Service) Pin(ctx context.Context, tenantID, workspaceID string, req model.PinRequest, actor model.Actor) (model.WorkspacePin, error) {
	if strings.TrimSpace(req.VersionHash) == "" {
		return model.WorkspacePin{}, &model.ValidationError{Field: "version_hash", Message: "is required"}
	}
	if err := validatePinSelections(req.Skills); err != nil {
		return model.WorkspacePin{}, err
	}
	env, err := s.GetEnvironment(ctx, tenantID, workspaceID, req.Environment)
	if err != nil {
		return model.WorkspacePin{}, err
	}
	if _, _, err := s.store.GetWorkspaceVersion(ctx, workspaceID, req.VersionHash); err != nil {
		return model.WorkspacePin{}, err
	}
	pin := model.WorkspacePin{
		ID:          uuid.Must(uuid.NewV7()),
		WorkspaceID: workspaceID,
		Environment: env.Name,
		VersionHash: req.VersionHash,
		Skills:      req.Skills,
		Model:       req.Model,
		Provider:    req.Provider,
		PinnedBy:    actor.ID,
		PinnedAt:    s.now(),
	}
	entry := entryFor(model.EventWorkspacePinned, actor, tenantID, workspaceID, model.AuditDetails{
		Resource:   "environment",
		ResourceID: env.Name,
		Before:     env.VersionHash,
		After:      pin,
	})
	ok, err := s.store.PinEnvironmentWithAudit(ctx, pin, env.Revision, entry)
	if err != nil {
		return model.WorkspacePin{}, err
	}
	if !ok {
		return model.WorkspacePin{}, concurrentUpdate(workspaceID, env.Name)
	}
	s.audit.Notify(ctx, entry)
	return pin, nil
}

// Unpin clears an environment's version and closes its active pin.
func (s *Service) Unpin(ctx context.Context, tenantID, workspaceID, name string, actor model.Actor) error {
	env, err := s.GetEnvironment(ctx, tenantID, workspaceID, name)
	if err != nil {
		return err
	}
	if !env.Pinned() {
		return &model.ValidationError{Field: "environment", Message: fmt.Sprintf("%s is not pinned", name)}
	}
	entry := entryFor(model.EventWorkspaceUnpinned, actor, tenantID, workspaceID, model.AuditDetails{
		Resource:   "environment",
		ResourceID: name,
		Before:     *env.VersionHash,
	})
	ok, err := s.store.UnpinEnvironmentWithAudit(ctx, workspaceID, name, s.now(), env.Revision, entry)
	if err != nil {
		return err
	}
	if !ok {
		return concurrentUpdate(workspaceID, name)
	}
	s.audit.Notify(ctx, entry)
	return nil
}

// ActivePin returns the environment's active pin, or nil when unpinned.
func (s *Service) ActivePin(ctx context.Context, tenantID, workspaceID, env string) (*model.WorkspacePin, error) {
	if _, err := s.GetEnvironment(ctx, tenantID, workspaceID, env); err != nil {
		return nil, err
	}
	return s.store.ActivePin(ctx, workspaceID, env)
}

// PinAt returns the pin that was active in env at time at, or nil.
func (s *Service) PinAt(ctx context.Context, tenantID, workspaceID, env string, at time.Time) (*model.WorkspacePin, error) {
	if _, err := s.GetEnvironment(ctx, tenantID, workspaceID, env); err != nil {
		return nil, err
	}
	return s.store.PinAt(ctx, workspaceID, env, at)
}

// ListPins returns an environment's pin history newest first.
func (s *Service) ListPins(ctx context.Context, tenantID, workspaceID, env string, limit, offset int) (model.PagedResult[model.WorkspacePin], error) {
	if _, err := s.GetEnvironment(ctx, tenantID, workspaceID, env); err != nil {
		return model.PagedResult[model.WorkspacePin]{}, err
	}
	limit = model.ClampLimit(limit, model.DefaultPageLimit, model.MaxPageLimit)
	offset = max(offset, 0)
	pins, total, err := s.store.ListPins(ctx, workspaceID, env, limit, offset)
	if err != nil {
		return model.PagedResult[model.WorkspacePin]{}, fmt.Errorf("workspace: list pins: %w", err)
	}
	return model.NewPagedResult(pins, total, limit, offset), nil
}

// PromoteInput moves source's pinned version onto target.
type PromoteInput struct {
	TenantID    string
	WorkspaceID string
	Source      string
	Target      string
	Actor       model.Actor
	// OverrideUsed marks a promotion that bypassed failed checks. It also
	// permits a locked target.
	OverrideUsed bool
}

// Promote sets target's pin to a copy of source's active pin. It performs
// the mutation only; policy gating belongs to the promotion checker.
func (s *Service) Promote(ctx context.Context, in PromoteInput) (model.Environment, error) {
	if in.Source == in.Target {
		return model.Environment{}, &model.ValidationError{Field: "target", Message: "must differ from source"}
	}
	src, err := s.GetEnvironment(ctx, in.TenantID, in.WorkspaceID, in.Source)
	if err != nil {
		return model.Environment{}, err
	}
	if !src.Pinned() {
		return model.Environment{}, &model.ValidationError{Field: "source", Message: fmt.Sprintf("%s is not pinned", in.Source)}
	}
	dst, err := s.store.GetEnvironment(ctx, in.WorkspaceID, in.Target)
	if err != nil {
		return model.Environment{}, err
	}
	if dst.Locked && !in.OverrideUsed {
		return model.Environment{}, &model.ConflictError{Resource: "environment", ID: in.WorkspaceID + "/" + in.Target, Message: "is locked"}
	}

	recipe, err := s.store.ActivePin(ctx, in.WorkspaceID, in.Source)
	if err != nil {
		return model.Environment{}, fmt.Errorf("workspace: promote: %w", err)
	}
	pin := model.WorkspacePin{
		ID:          uuid.Must(uuid.NewV7()),
		WorkspaceID: in.WorkspaceID,
		Environment: in.Target,
		VersionHash: *src.VersionHash,
		PinnedBy:    in.Actor.ID,
		PinnedAt:    s.now(),
	}
	if recipe != nil {
		pin.Skills, pin.Model, pin.Provider = recipe.Skills, recipe.Model, recipe.Provider
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("shugo.tenant_id", in.TenantID),
		attribute.String("shugo.workspace_id", in.WorkspaceID),
		attribute.Bool("shugo.override_used", in.OverrideUsed),
	)
	var before string
	if dst.VersionHash != nil {
		before = *dst.VersionHash
	}
	entry := entryFor(model.EventWorkspacePromoted, in.Actor, in.TenantID, in.WorkspaceID, model.AuditDetails{
		Resource:   "environment",
		ResourceID: in.Target,
		Before:     map[string]any{"version_hash": before},
		After:      pin,
		Extra: map[string]any{
			"source":        in.Source,
			"target":        in.Target,
			"override_used": in.OverrideUsed,
		},
	})
	ok, err := s.store.PinEnvironmentWithAudit(ctx, pin, dst.Revision, entry)
	if err != nil {
		return model.Environment{}, err
	}
	if !ok {
		return model.Environment{}, concurrentUpdate(in.WorkspaceID, in.Target)
	}
	s.audit.Notify(ctx, entry)
	s.promotions.Add(ctx, 1, metric.WithAttributes(attribute.Bool("override_used", in.OverrideUsed)))
	s.logger.Info("workspace: promoted",
		"workspace_id", in.WorkspaceID,
		"source", in.Source,
		"target", in.Target,
		"version_hash", pin.VersionHash,
		"override_used", in.OverrideUsed,
	)
	return s.store.GetEnvironment(ctx, in.WorkspaceID, in.Target)
}

// Rollback re-applies a recorded version to the live workspace. Every
// attempt is audited, including failed ones; if the failure cannot be
// audited either, both errors are returned.
func (s *Service) Rollback(ctx context.Context, tenantID, workspaceID, hash string, actor model.Actor) (model.Workspace, error) {
	ws, err := s.workspace(ctx, tenantID, workspaceID)
	if err != nil {
		return model.Workspace{}, err
	}
	details := model.AuditDetails{
		Resource:   "workspace",
		ResourceID: workspaceID,
		Before:     map[string]any{"live_version": ws.LiveVersion},
		After:      map[string]any{"live_version": hash},
	}

	fail := func(cause error) (model.Workspace, error) {
		s.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(model.OutcomeFailure))))
		d := details
		d.Outcome = model.OutcomeFailure
		d.Error = cause.Error()
		if err := s.audit.Append(ctx, entryFor(model.EventWorkspaceRolledBack, actor, tenantID, workspaceID, d)); err != nil {
			return model.Workspace{}, errors.Join(cause, fmt.Errorf("workspace: audit failed rollback: %w", err))
		}
		s.logger.Warn("workspace: rollback failed", "workspace_id", workspaceID, "hash", hash, "error", cause)
		return model.Workspace{}, cause
	}

	snap, err := s.snapshot(ctx, workspaceID, hash)
	if err != nil {
		return fail(err)
	}
	if err := s.applier.Apply(ctx, snap); err != nil {
		return fail(fmt.Errorf("workspace: apply %s: %w", hash, err))
	}

	entry := entryFor(model.EventWorkspaceRolledBack, actor, tenantID, workspaceID, details)
	now := s.now()
	ok, err := s.store.SetLiveVersionWithAudit(ctx, workspaceID, ws.LiveVersion, hash, now, entry)
	if err != nil {
		return fail(err)
	}
	if !ok {
		return fail(&model.ConflictError{Resource: "workspace", ID: workspaceID, Message: "live version changed concurrently; retry"})
	}
	s.audit.Notify(ctx, entry)
	s.rollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(model.OutcomeSuccess))))
	s.logger.Info("workspace: rolled back", "workspace_id", workspaceID, "hash", hash)
	ws.LiveVersion = hash
	ws.UpdatedAt = now
	return ws, nil
}
