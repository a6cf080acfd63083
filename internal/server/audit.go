package server

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shugo/internal/model"
)

// HandleQueryAudit handles GET /v1/audit. Filters: workspace_id, trace_id,
// actor, event_type (repeatable), from, to, limit, offset.
func (h *Handlers) HandleQueryAudit(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermAuditRead)
	if !ok {
		return
	}
	tr, err := queryTimeRange(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	q := r.URL.Query()
	aq := model.AuditQuery{
		TenantID:    claims.TenantID,
		WorkspaceID: q.Get("workspace_id"),
		Actor:       q.Get("actor"),
		TimeRange:   tr,
	}
	if v := q.Get("trace_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "trace_id must be a UUID")
			return
		}
		aq.TraceID = &id
	}
	for _, et := range q["event_type"] {
		t := model.AuditEventType(et)
		if !t.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown event_type "+et)
			return
		}
		aq.EventTypes = append(aq.EventTypes, t)
	}
	aq.Limit, aq.Offset = queryPage(r)

	page, err := h.audit.Query(r.Context(), aq)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, page)
}

// HandleAuditStats handles GET /v1/audit/stats.
func (h *Handlers) HandleAuditStats(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermAuditRead)
	if !ok {
		return
	}
	tr, err := queryTimeRange(r)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	st, err := h.audit.Stats(r.Context(), claims.TenantID, tr)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleAuditStream handles GET /v1/audit/stream (SSE). Events are the
// caller's tenant's audit entries as they commit.
func (h *Handlers) HandleAuditStream(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermAuditRead)
	if !ok {
		return
	}
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "audit stream not available")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Long-lived connection: lift the server's WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(claims.TenantID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
