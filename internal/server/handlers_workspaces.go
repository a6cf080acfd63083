package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/shugo/internal/authz"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/workspace"
)

// HandleGetWorkspace handles GET /v1/workspaces/{ws}.
func (h *Handlers) HandleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	ws, err := h.workspaces.Workspace(r.Context(), claims.TenantID, r.PathValue("ws"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ws)
}

// recordVersionRequest is the body for POST /v1/workspaces/{ws}/versions.
// File contents are UTF-8 text keyed by slash-separated relative path.
type recordVersionRequest struct {
	Files   map[string]string `json:"files"`
	Message string            `json:"message,omitempty"`
}

type recordVersionResponse struct {
	Version model.WorkspaceVersion `json:"version"`
	Created bool                   `json:"created"`
}

// HandleRecordVersion handles POST /v1/workspaces/{ws}/versions. Recording
// content that already exists returns the existing version with 200.
func (h *Handlers) HandleRecordVersion(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceWrite)
	if !ok {
		return
	}
	var req recordVersionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	files := make(map[string][]byte, len(req.Files))
	for p, content := range req.Files {
		files[p] = []byte(content)
	}
	v, created, err := h.workspaces.RecordVersion(r.Context(), workspace.RecordInput{
		TenantID:    claims.TenantID,
		WorkspaceID: r.PathValue("ws"),
		Files:       files,
		Message:     req.Message,
		Actor:       claims.Identity(),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, recordVersionResponse{Version: v, Created: created})
}

// HandleListVersions handles GET /v1/workspaces/{ws}/versions.
func (h *Handlers) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	limit, offset := queryPage(r)
	page, err := h.workspaces.Versions(r.Context(), claims.TenantID, r.PathValue("ws"), limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, page)
}

// HandleGetVersion handles GET /v1/workspaces/{ws}/versions/{hash}.
func (h *Handlers) HandleGetVersion(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	snap, err := h.workspaces.GetVersion(r.Context(), claims.TenantID, r.PathValue("ws"), r.PathValue("hash"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap.Version)
}

type versionHashRequest struct {
	VersionHash string `json:"version_hash"`
}

// HandleRollback handles POST /v1/workspaces/{ws}/rollback.
func (h *Handlers) HandleRollback(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRollback)
	if !ok {
		return
	}
	var req versionHashRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	ws, err := h.workspaces.Rollback(r.Context(), claims.TenantID, r.PathValue("ws"), req.VersionHash, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ws)
}

// HandleListEnvironments handles GET /v1/workspaces/{ws}/environments.
func (h *Handlers) HandleListEnvironments(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	envs, err := h.workspaces.ListEnvironments(r.Context(), claims.TenantID, r.PathValue("ws"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if envs == nil {
		envs = []model.Environment{}
	}
	writeJSON(w, r, http.StatusOK, envs)
}

type createEnvironmentRequest struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"is_default,omitempty"`
	Locked    bool   `json:"locked,omitempty"`
}

// HandleCreateEnvironment handles POST /v1/workspaces/{ws}/environments.
func (h *Handlers) HandleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceWrite)
	if !ok {
		return
	}
	var req createEnvironmentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	env, err := h.workspaces.CreateEnvironment(r.Context(), claims.TenantID, r.PathValue("ws"), req.Name,
		workspace.EnvironmentOptions{IsDefault: req.IsDefault, Locked: req.Locked}, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, env)
}

// HandleInitEnvironments handles POST /v1/workspaces/{ws}/environments/init,
// creating development, staging and production where missing.
func (h *Handlers) HandleInitEnvironments(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceWrite)
	if !ok {
		return
	}
	envs, err := h.workspaces.InitEnvironments(r.Context(), claims.TenantID, r.PathValue("ws"), claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, envs)
}

// HandleGetEnvironment handles GET /v1/workspaces/{ws}/environments/{env}.
func (h *Handlers) HandleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	env, err := h.workspaces.GetEnvironment(r.Context(), claims.TenantID, r.PathValue("ws"), r.PathValue("env"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, env)
}

// HandleLockEnvironment handles PUT /v1/workspaces/{ws}/environments/{env}/lock.
func (h *Handlers) HandleLockEnvironment(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspacePromote)
	if !ok {
		return
	}
	var req struct {
		Locked bool `json:"locked"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	env, err := h.workspaces.SetLocked(r.Context(), claims.TenantID, r.PathValue("ws"), r.PathValue("env"), req.Locked, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, env)
}

// HandlePin handles POST /v1/workspaces/{ws}/pins.
func (h *Handlers) HandlePin(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspacePromote)
	if !ok {
		return
	}
	var req model.PinRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	pin, err := h.workspaces.Pin(r.Context(), claims.TenantID, r.PathValue("ws"), req, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, pin)
}

// HandleUnpin handles DELETE /v1/workspaces/{ws}/pins/{env}.
func (h *Handlers) HandleUnpin(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspacePromote)
	if !ok {
		return
	}
	if err := h.workspaces.Unpin(r.Context(), claims.TenantID, r.PathValue("ws"), r.PathValue("env"), claims.Identity()); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetPin handles GET /v1/workspaces/{ws}/pins/{env}. With ?at= the
// pin active at that instant is returned instead of the current one.
func (h *Handlers) HandleGetPin(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	at, err := queryTime(r, "at")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	ws, env := r.PathValue("ws"), r.PathValue("env")
	var pin *model.WorkspacePin
	if at != nil {
		pin, err = h.workspaces.PinAt(r.Context(), claims.TenantID, ws, env, *at)
	} else {
		pin, err = h.workspaces.ActivePin(r.Context(), claims.TenantID, ws, env)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if pin == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "environment "+env+" is not pinned")
		return
	}
	writeJSON(w, r, http.StatusOK, pin)
}

// HandleListPins handles GET /v1/workspaces/{ws}/pins/{env}/history.
func (h *Handlers) HandleListPins(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	limit, offset := queryPage(r)
	page, err := h.workspaces.ListPins(r.Context(), claims.TenantID, r.PathValue("ws"), r.PathValue("env"), limit, offset)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, page)
}

// HandleImpact handles GET /v1/workspaces/{ws}/impact?source=&target=.
func (h *Handlers) HandleImpact(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	q := r.URL.Query()
	a, err := h.workspaces.Impact(r.Context(), claims.TenantID, r.PathValue("ws"), q.Get("source"), q.Get("target"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, a)
}

// promotionRequest is the body for the promotion endpoints; the workspace
// comes from the path.
type promotionRequest struct {
	Source          string          `json:"source"`
	Target          string          `json:"target"`
	PromptSize      int             `json:"prompt_size,omitempty"`
	MaxOutputTokens int             `json:"max_output_tokens,omitempty"`
	Override        *model.Override `json:"override,omitempty"`
}

func (p promotionRequest) toModel(workspaceID string) model.PromotionRequest {
	return model.PromotionRequest{
		WorkspaceID:     workspaceID,
		Source:          p.Source,
		Target:          p.Target,
		PromptSize:      p.PromptSize,
		MaxOutputTokens: p.MaxOutputTokens,
		Override:        p.Override,
	}
}

// HandleCheckPromotion handles POST /v1/workspaces/{ws}/promotions/check.
// It runs the pre-flight checks and changes nothing.
func (h *Handlers) HandleCheckPromotion(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermWorkspaceRead)
	if !ok {
		return
	}
	var req promotionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.Override = nil
	rep, err := h.promotion.Check(r.Context(), claims.TenantID, req.toModel(r.PathValue("ws")))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

// HandlePromote handles POST /v1/workspaces/{ws}/promotions. A blocked
// promotion without an override is a 422 carrying the full report.
func (h *Handlers) HandlePromote(w http.ResponseWriter, r *http.Request) {
	var req promotionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	claims, ok := h.authorize(w, r, model.PermWorkspacePromote)
	if !ok {
		return
	}
	if err := authz.AuthorizeOverride(claims, req.Override); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	res, err := h.promotion.Execute(r.Context(), req.toModel(r.PathValue("ws")), claims.Identity())
	if err != nil {
		if errors.Is(err, model.ErrPromotionBlocked) {
			writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodePromotionBlocked, err.Error(), res.Report)
			return
		}
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}
