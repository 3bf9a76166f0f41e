// Package status derives the single authoritative agent status from the
// current Run and ApprovalRequest collections.
//
// Status is never stored. It is a pure function recomputed on every
// observed event, which avoids a second source of truth that could
// desynchronize from the event log.
package status

import "github.com/ashita-ai/kanri/internal/model"

// Scope selects which runs and approvals count toward the status.
//
// Whether a pending approval on one thread should surface while the
// operator is looking at another is a product decision, so it is an
// explicit configuration choice rather than hard-coded.
type Scope string

const (
	// ScopeGlobal considers every run and approval the operator owns.
	ScopeGlobal Scope = "global"
	// ScopeThread considers only the runs and approvals of one thread.
	ScopeThread Scope = "thread"
)

// ParseScope validates a scope name, defaulting to global.
func ParseScope(s string) (Scope, bool) {
	switch Scope(s) {
	case ScopeGlobal, "":
		return ScopeGlobal, true
	case ScopeThread:
		return ScopeThread, true
	}
	return ScopeGlobal, false
}

// Compute derives the status with fixed precedence:
//
//  1. any pending approval        -> waiting_approval
//  2. else any running run        -> working
//  3. else                        -> idle
//
// The order is load-bearing. A pending approval outranks a run that is
// technically still running but blocked on that approval, because it is
// the most actionable state for a human operator; merely-running outranks
// idle. threadID is consulted only under ScopeThread.
func Compute(runs []model.Run, approvals []model.ApprovalRequest, scope Scope, threadID string) model.AgentStatus {
	for _, a := range approvals {
		if scope == ScopeThread && a.ThreadID != threadID {
			continue
		}
		if a.Outcome == model.ApprovalPending {
			return model.StatusWaitingApproval
		}
	}
	for _, r := range runs {
		if scope == ScopeThread && r.ThreadID != threadID {
			continue
		}
		if r.Status == model.RunStatusRunning {
			return model.StatusWorking
		}
	}
	return model.StatusIdle
}
