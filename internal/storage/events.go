package storage

import (
	"fmt"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
)

// Event payload builders shared by both backends. Keys are part of the
// replay contract: internal/replay folds state back out of them.

func runCreatedPayload(run model.Run) map[string]any {
	return map[string]any{
		"operator_id":        run.OperatorID,
		"fail_fast":          run.FailFast,
		"duration_budget_ms": run.DurationBudget.Milliseconds(),
	}
}

func runFailedPayload(reason string) map[string]any {
	return map[string]any{"reason": reason}
}

func toolCallCreatedPayload(tc model.ToolCall) map[string]any {
	return map[string]any{
		"tool_name":           tc.Name,
		"risk_tier":           string(tc.Tier),
		"seq":                 tc.Seq,
		"has_external_effect": tc.HasExternalEffect,
		"requires_approval":   tc.RequiresApproval,
	}
}

func toolCallFailedPayload(errMsg string) map[string]any {
	return map[string]any{"error": errMsg}
}

func approvalRequestedPayload(a model.ApprovalRequest) map[string]any {
	return map[string]any{
		"approval_id": a.ID.String(),
		"tool_name":   a.ToolName,
		"risk_tier":   string(a.Tier),
		"expires_at":  a.ExpiresAt.UTC().Format(time.RFC3339Nano),
	}
}

func approvalResolvedPayload(a model.ApprovalRequest) map[string]any {
	p := map[string]any{"approval_id": a.ID.String()}
	if a.Resolver != "" {
		p["resolver"] = a.Resolver
	}
	return p
}

// toolCallEventType maps a tool call target status to its event type.
func toolCallEventType(to model.ToolCallStatus) (model.EventType, error) {
	switch to {
	case model.ToolCallApproved:
		return model.EventToolCallApproved, nil
	case model.ToolCallRunning:
		return model.EventToolCallStarted, nil
	case model.ToolCallCompleted:
		return model.EventToolCallCompleted, nil
	case model.ToolCallFailed:
		return model.EventToolCallFailed, nil
	case model.ToolCallCancelled:
		return model.EventToolCallCancelled, nil
	}
	return "", fmt.Errorf("storage: no event type for tool call status %q", to)
}

// approvalEventType maps an approval outcome to its event type.
func approvalEventType(outcome model.ApprovalOutcome) (model.EventType, error) {
	switch outcome {
	case model.ApprovalApproved:
		return model.EventApprovalGranted, nil
	case model.ApprovalRejected:
		return model.EventApprovalRejected, nil
	case model.ApprovalExpired:
		return model.EventApprovalExpired, nil
	}
	return "", fmt.Errorf("storage: no event type for approval outcome %q", outcome)
}

// approvalToolCallStatus maps an approval outcome to the tool call status
// it implies.
func approvalToolCallStatus(outcome model.ApprovalOutcome) model.ToolCallStatus {
	switch outcome {
	case model.ApprovalApproved:
		return model.ToolCallApproved
	case model.ApprovalRejected:
		return model.ToolCallRejected
	default:
		return model.ToolCallExpired
	}
}
