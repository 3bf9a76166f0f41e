package server

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// pathUUID parses a UUID path value, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// HandleCreateRun handles POST /v1/runs.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	claims := ClaimsFromContext(r.Context())
	run, err := h.runSvc.CreateRun(r.Context(), claims.Subject, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, run)
}

// ToolCallResponse pairs a tool call with its approval request, when the
// safety policy opened one.
type ToolCallResponse struct {
	ToolCall model.ToolCall         `json:"tool_call"`
	Approval *model.ApprovalRequest `json:"approval,omitempty"`
}

// HandleSubmitToolCall handles POST /v1/runs/{run_id}/tool_calls.
func (h *Handlers) HandleSubmitToolCall(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	var req model.SubmitToolCallRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	tc, approval, err := h.runSvc.SubmitToolCall(r.Context(), runID, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, ToolCallResponse{ToolCall: tc, Approval: approval})
}

// HandleStartToolCall handles POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/start.
func (h *Handlers) HandleStartToolCall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "tool_call_id")
	if !ok {
		return
	}
	tc, err := h.runSvc.StartToolCall(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tc)
}

// HandleCompleteToolCall handles POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/complete.
func (h *Handlers) HandleCompleteToolCall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "tool_call_id")
	if !ok {
		return
	}
	tc, err := h.runSvc.CompleteToolCall(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tc)
}

// HandleFailToolCall handles POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/fail.
func (h *Handlers) HandleFailToolCall(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "tool_call_id")
	if !ok {
		return
	}
	var req model.FailToolCallRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	tc, err := h.runSvc.FailToolCall(r.Context(), id, req.Error)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, tc)
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	run, err := h.runSvc.CancelRun(r.Context(), runID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// RunDetail is the body for GET /v1/runs/{run_id}.
type RunDetail struct {
	Run       model.Run        `json:"run"`
	ToolCalls []model.ToolCall `json:"tool_calls"`
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	run, calls, err := h.runSvc.GetRun(r.Context(), runID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, RunDetail{Run: run, ToolCalls: calls})
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events.
// after_id is exclusive; limit caps the page size.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}
	var afterID int64
	if v := r.URL.Query().Get("after_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid after_id")
			return
		}
		afterID = parsed
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid limit")
			return
		}
		limit = parsed
	}

	events, err := h.runSvc.Events(r.Context(), runID, afterID, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"events": events})
}
