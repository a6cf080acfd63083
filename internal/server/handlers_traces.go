package server

import (
	"net/http"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/risk"
	"github.com/ashita-ai/shugo/internal/service/ops"
)

// HandleFinalizeTrace handles POST /v1/traces. The caller's tenant always
// replaces whatever tenant the body names.
func (h *Handlers) HandleFinalizeTrace(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesWrite)
	if !ok {
		return
	}
	var t model.Trace
	if err := decodeJSON(w, r, &t, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	t.TenantID = claims.TenantID

	res, err := h.traces.Finalize(r.Context(), t)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusCreated
	if !res.Stored {
		status = http.StatusOK
	}
	if !ops.CanReadRaw(claims.Identity()) {
		res.Trace = ops.Redact(res.Trace)
	}
	writeJSON(w, r, status, res)
}

func traceFilter(r *http.Request) (model.TraceFilter, error) {
	tr, err := queryTimeRange(r)
	if err != nil {
		return model.TraceFilter{}, err
	}
	q := r.URL.Query()
	f := model.TraceFilter{
		WorkspaceID: q.Get("workspace_id"),
		AgentRole:   q.Get("agent_role"),
		Model:       q.Get("model"),
		TimeRange:   tr,
	}
	if s := q.Get("status"); s != "" {
		st := model.TraceStatus(s)
		if st != model.TraceSuccess && st != model.TraceError {
			return model.TraceFilter{}, &model.ValidationError{Field: "status", Message: "must be success or error"}
		}
		f.Status = &st
	}
	f.Limit, f.Offset = queryPage(r)
	return f, nil
}

// HandleListTraces handles GET /v1/traces.
func (h *Handlers) HandleListTraces(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	f, err := traceFilter(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	page, err := h.ops.TraceList(r.Context(), claims.Identity(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, page)
}

// HandleGetTrace handles GET /v1/traces/{id}.
func (h *Handlers) HandleGetTrace(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	detail, err := h.ops.TraceDetail(r.Context(), claims.Identity(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, detail)
}

// HandleTracesByLabel handles GET /v1/traces/by-label?key=&value=.
func (h *Handlers) HandleTracesByLabel(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	limit, _ := queryPage(r)
	q := r.URL.Query()
	list, err := h.traces.ByLabel(r.Context(), claims.TenantID, q.Get("key"), q.Get("value"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.viewTraces(claims.Identity(), list))
}

// HandleTracesByLink handles GET /v1/traces/by-link?kind=&id=.
func (h *Handlers) HandleTracesByLink(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	limit, _ := queryPage(r)
	q := r.URL.Query()
	list, err := h.traces.ByLink(r.Context(), claims.TenantID, model.LinkKind(q.Get("kind")), q.Get("id"), limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, h.viewTraces(claims.Identity(), list))
}

// viewTraces applies read-boundary redaction to a raw trace list.
func (h *Handlers) viewTraces(caller model.Actor, list []model.Trace) []model.Trace {
	if list == nil {
		return []model.Trace{}
	}
	if ops.CanReadRaw(caller) {
		return list
	}
	out := make([]model.Trace, len(list))
	for i, t := range list {
		out[i] = ops.Redact(t)
	}
	return out
}

// HandleTraceStats handles GET /v1/traces/stats.
func (h *Handlers) HandleTraceStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	tr, err := queryTimeRange(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	stats, err := h.traces.Stats(r.Context(), claims.TenantID, tr)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleTraceDiff handles GET /v1/traces/{id}/diff/{other}.
func (h *Handlers) HandleTraceDiff(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	base, err := pathUUID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	other, err := pathUUID(r, "other")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	d, err := h.traces.Compare(r.Context(), claims.TenantID, base, other)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleSetTraceLabels handles PUT /v1/traces/{id}/labels.
func (h *Handlers) HandleSetTraceLabels(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesAnnotate)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	var req struct {
		Labels map[string]string `json:"labels"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := h.traces.SetLabels(r.Context(), claims.TenantID, id, req.Labels, claims.Identity()); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"id": id, "labels": req.Labels})
}

// HandleAnnotateTrace handles POST /v1/traces/{id}/annotations.
func (h *Handlers) HandleAnnotateTrace(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesAnnotate)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	a, err := h.traces.Annotate(r.Context(), claims.TenantID, id, req.Key, req.Value, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, a)
}

// HandleListAnnotations handles GET /v1/traces/{id}/annotations. With
// ?current=true only the latest value per key is returned.
func (h *Handlers) HandleListAnnotations(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if queryBool(r, "current") {
		cur, err := h.traces.CurrentAnnotations(r.Context(), claims.TenantID, id)
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, cur)
		return
	}
	list, err := h.traces.Annotations(r.Context(), claims.TenantID, id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []model.Annotation{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleRiskOverview handles GET /v1/risk/overview.
func (h *Handlers) HandleRiskOverview(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermTracesRead)
	if !ok {
		return
	}
	f, err := traceFilter(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	o, err := h.ops.RiskOverview(r.Context(), claims.Identity(), f)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, o)
}

// HandleRiskScore handles POST /v1/risk/score: on-demand scoring of
// execution metadata that has not been recorded as a trace.
func (h *Handlers) HandleRiskScore(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, model.PermTracesRead); !ok {
		return
	}
	var in risk.Input
	if err := decodeJSON(w, r, &in, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if in.SkillState != "" && !in.SkillState.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown skill_state "+string(in.SkillState))
		return
	}
	writeJSON(w, r, http.StatusOK, risk.Score(in))
}
