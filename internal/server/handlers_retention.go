package server

import (
	"net/http"

	"github.com/ashita-ai/shugo/internal/model"
)

// HandleGetRetention handles GET /v1/retention. Tenants without a policy
// see the defaults with explicit=false.
func (h *Handlers) HandleGetRetention(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	p, err := h.retention.GetPolicy(r.Context(), claims.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, p)
}

// retentionPolicyRequest is the body for PUT /v1/retention.
type retentionPolicyRequest struct {
	RetentionDays int                    `json:"retention_days"`
	Sampling      model.SamplingStrategy `json:"sampling,omitempty"`
	SampleRate    *float64               `json:"sample_rate,omitempty"`
	StorageMode   model.StorageMode      `json:"storage_mode,omitempty"`
}

// HandleSetRetention handles PUT /v1/retention.
func (h *Handlers) HandleSetRetention(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermRetentionManage)
	if !ok {
		return
	}
	var req retentionPolicyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	p := model.RetentionPolicy{
		TenantID:      claims.TenantID,
		RetentionDays: req.RetentionDays,
		Sampling:      req.Sampling,
		StorageMode:   req.StorageMode,
	}
	if req.SampleRate != nil {
		p.SampleRate = *req.SampleRate
	}
	out, err := h.retention.SetPolicy(r.Context(), p, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleEnforceRetention handles POST /v1/retention/enforce.
func (h *Handlers) HandleEnforceRetention(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermRetentionManage)
	if !ok {
		return
	}
	run, err := h.retention.EnforcePolicy(r.Context(), claims.TenantID, model.TriggerManual, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRetentionStats handles GET /v1/retention/stats.
func (h *Handlers) HandleRetentionStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	st, err := h.retention.Stats(r.Context(), claims.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}
