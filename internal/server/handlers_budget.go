package server

import (
	"net/http"

	"github.com/ashita-ai/shugo/internal/model"
)

// HandleGetBudget handles GET /v1/budget.
func (h *Handlers) HandleGetBudget(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermBudgetRead)
	if !ok {
		return
	}
	b, err := h.budget.GetBudget(r.Context(), claims.TenantID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

// HandleSetBudget handles PUT /v1/budget.
func (h *Handlers) HandleSetBudget(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermBudgetManage)
	if !ok {
		return
	}
	var req model.SetBudgetRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	b, err := h.budget.SetBudget(r.Context(), claims.TenantID, req, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

type amountRequest struct {
	Amount float64 `json:"amount"`
}

// HandleCheckBudget handles POST /v1/budget/check. A check that would cross
// the hard limit is a 200 with allowed=false unless ?require=true, which
// turns it into a 402.
func (h *Handlers) HandleCheckBudget(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermBudgetRead)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	check := h.budget.CheckBudget
	if queryBool(r, "require") {
		check = h.budget.Require
	}
	c, err := check(r.Context(), claims.TenantID, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleForecastCost handles POST /v1/budget/forecast.
func (h *Handlers) HandleForecastCost(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermBudgetRead)
	if !ok {
		return
	}
	var req model.ForecastRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.TenantID = claims.TenantID
	f, err := h.budget.ForecastCost(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

// HandleRecordSpend handles POST /v1/budget/spend. The amount is cost that
// was already incurred, so it is recorded even past the hard limit.
func (h *Handlers) HandleRecordSpend(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermBudgetSpend)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	b, err := h.budget.RecordSpend(r.Context(), claims.TenantID, req.Amount, claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}
