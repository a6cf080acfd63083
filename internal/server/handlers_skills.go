package server

import (
	"net/http"

	"github.com/ashita-ai/shugo/internal/authz"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/skills"
)

// publishSkillRequest is the body for POST /v1/skills.
type publishSkillRequest struct {
	Manifest     model.SkillManifest `json:"manifest"`
	InitialState model.SkillState    `json:"initial_state,omitempty"`
}

// HandlePublishSkill handles POST /v1/skills. Publishing straight into a
// state other than draft skips the lifecycle and needs skills.force_state.
func (h *Handlers) HandlePublishSkill(w http.ResponseWriter, r *http.Request) {
	var req publishSkillRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	perms := []model.Permission{model.PermSkillsPublish}
	if req.InitialState != "" && req.InitialState != model.SkillDraft {
		perms = append(perms, model.PermSkillsForceState)
	}
	claims, ok := h.authorize(w, r, perms...)
	if !ok {
		return
	}
	sk, err := h.skills.Publish(r.Context(), skills.PublishInput{
		Manifest:     req.Manifest,
		Actor:        claims.Identity(),
		InitialState: req.InitialState,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, sk)
}

// HandleSearchSkills handles GET /v1/skills?q=&state=&include_deprecated=.
func (h *Handlers) HandleSearchSkills(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, model.PermSkillsRead); !ok {
		return
	}
	q := model.SkillSearchQuery{
		Query:             r.URL.Query().Get("q"),
		IncludeDeprecated: queryBool(r, "include_deprecated"),
	}
	if s := r.URL.Query().Get("state"); s != "" {
		st := model.SkillState(s)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown state "+s)
			return
		}
		q.State = &st
	}
	q.Limit, q.Offset = queryPage(r)
	page, err := h.skills.Search(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeList(w, r, page)
}

// HandleSkillVersions handles GET /v1/skills/{name}/versions.
func (h *Handlers) HandleSkillVersions(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, model.PermSkillsRead); !ok {
		return
	}
	list, err := h.skills.Versions(r.Context(), r.PathValue("name"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleGetSkill handles GET /v1/skills/{name}/versions/{version}. The
// version may be "latest". Only active skills resolve unless ?state= names
// a state or "any".
func (h *Handlers) HandleGetSkill(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, model.PermSkillsRead); !ok {
		return
	}
	var opts skills.GetOptions
	switch s := r.URL.Query().Get("state"); s {
	case "":
	case "any":
		opts.AnyState = true
	default:
		st := model.SkillState(s)
		if !st.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown state "+s)
			return
		}
		opts.State = &st
	}
	sk, err := h.skills.Get(r.Context(), r.PathValue("name"), r.PathValue("version"), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, sk)
}

// skillStateRequest is the body for POST .../state.
type skillStateRequest struct {
	State  model.SkillState `json:"state"`
	Force  bool             `json:"force,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// HandleSetSkillState handles POST /v1/skills/{name}/versions/{version}/state.
// Without force the lifecycle graph applies; force needs skills.force_state
// and a reason.
func (h *Handlers) HandleSetSkillState(w http.ResponseWriter, r *http.Request) {
	var req skillStateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	claims, ok := h.authorize(w, r, authz.SkillTransitionPermission(req.Force))
	if !ok {
		return
	}
	name, version := r.PathValue("name"), r.PathValue("version")

	var (
		tr  model.SkillTransition
		err error
	)
	if req.Force {
		tr, err = h.skills.SetState(r.Context(), name, version, req.State, req.Reason, claims.Identity())
	} else {
		tr, err = h.skills.Promote(r.Context(), name, version, req.State, claims.Identity())
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tr)
}

// HandleRunSkillTests handles POST /v1/skills/{name}/versions/{version}/tests.
func (h *Handlers) HandleRunSkillTests(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.authorize(w, r, model.PermSkillsPromote)
	if !ok {
		return
	}
	out, err := h.skills.RunTests(r.Context(), r.PathValue("name"), r.PathValue("version"), claims.Identity())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// HandleLatestSkillTestRun handles GET /v1/skills/{name}/versions/{version}/tests.
func (h *Handlers) HandleLatestSkillTestRun(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.authorize(w, r, model.PermSkillsRead); !ok {
		return
	}
	run, err := h.skills.LatestTestRun(r.Context(), r.PathValue("name"), r.PathValue("version"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if run == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no test runs recorded")
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}
