package server

import (
	"net/http"

	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/universes"
)

// HandleDraftScenarios handles POST /api/ai/universes/draft-scenarios.
func (h *Handlers) HandleDraftScenarios(w http.ResponseWriter, r *http.Request) {
	var req model.DraftScenariosRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.universes.DraftScenarios(r.Context(), req, CallerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, resp)
}

// HandlePublish handles POST /api/universes/publish.
func (h *Handlers) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req model.PublishRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.universes.Publish(r.Context(), req, CallerFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListUniverses handles GET /api/universes.
func (h *Handlers) HandleListUniverses(w http.ResponseWriter, r *http.Request) {
	list, err := h.universes.ListUniverses(r.Context(), queryInt(r, "limit", universes.DefaultListLimit), queryOffset(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []model.Universe{}
	}
	writeJSON(w, r, http.StatusOK, list)
}

// HandleGetUniverse handles GET /api/universes/{ref}.
func (h *Handlers) HandleGetUniverse(w http.ResponseWriter, r *http.Request) {
	u, err := h.universes.GetUniverse(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// HandleListRuns handles GET /api/universes/{ref}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.universes.ListAgentRuns(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []model.AgentRun{}
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleGenerateNarrative handles POST /api/ai/universes/{ref}/generate-narrative.
func (h *Handlers) HandleGenerateNarrative(w http.ResponseWriter, r *http.Request) {
	resp, err := h.universes.ComposeNarrative(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSeal handles POST /api/universes/{ref}/seal. The body is optional.
func (h *Handlers) HandleSeal(w http.ResponseWriter, r *http.Request) {
	var req model.SealRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, true); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	resp, err := h.universes.Seal(r.Context(), r.PathValue("ref"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleRefresh handles POST /api/universes/{ref}/refresh.
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	u, err := h.universes.RefreshScenarios(r.Context(), r.PathValue("ref"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}

// HandleReconcile handles POST /api/universes/{ref}/reconcile.
func (h *Handlers) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	var req model.ReconcileRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes, false); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	u, err := h.universes.ReconcileUniverseTx(r.Context(), r.PathValue("ref"), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, u)
}
