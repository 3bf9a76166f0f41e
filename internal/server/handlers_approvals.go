package server

import (
	"net/http"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// HandleListApprovals handles GET /v1/approvals.
// Defaults to pending requests; outcome=all returns everything.
func (h *Handlers) HandleListApprovals(w http.ResponseWriter, r *http.Request) {
	filter := storage.ApprovalFilter{
		ThreadID: r.URL.Query().Get("thread_id"),
		Outcome:  model.ApprovalPending,
	}
	switch v := r.URL.Query().Get("outcome"); v {
	case "", "pending":
	case "all":
		filter.Outcome = ""
	case string(model.ApprovalApproved), string(model.ApprovalRejected), string(model.ApprovalExpired):
		filter.Outcome = model.ApprovalOutcome(v)
	default:
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid outcome filter")
		return
	}

	list, err := h.approvalSvc.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []model.ApprovalRequest{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"approvals": list})
}

// HandleApproveToolCall handles POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/approve.
func (h *Handlers) HandleApproveToolCall(w http.ResponseWriter, r *http.Request) {
	h.resolveToolCall(w, r, model.ApprovalApproved)
}

// HandleRejectToolCall handles POST /v1/runs/{run_id}/tool_calls/{tool_call_id}/reject.
func (h *Handlers) HandleRejectToolCall(w http.ResponseWriter, r *http.Request) {
	h.resolveToolCall(w, r, model.ApprovalRejected)
}

func (h *Handlers) resolveToolCall(w http.ResponseWriter, r *http.Request, outcome model.ApprovalOutcome) {
	toolCallID, ok := pathUUID(w, r, "tool_call_id")
	if !ok {
		return
	}
	approval, err := h.store.GetApprovalByToolCall(r.Context(), toolCallID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	resolved, err := h.approvalSvc.Resolve(r.Context(), approval.ID, outcome, claims.Subject)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resolved)
}
