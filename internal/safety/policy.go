package safety

import "github.com/ashita-ai/kanri/internal/model"

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	AutoExecute     Decision = "auto_execute"
	RequireApproval Decision = "require_approval"
)

// Request describes one tool invocation to be classified.
type Request struct {
	ToolName string
	Tier     model.RiskTier
	// RequiresApproval is the tool's static per-tool property.
	RequiresApproval bool
	// HasExternalEffect marks irreversible or externally visible side
	// effects.
	HasExternalEffect bool
}

// Decide classifies a tool invocation under the given config.
//
// Pure, deterministic, and idempotent for identical inputs: the same
// decision may be recomputed on retry or replay and must come out the same.
// Rules are evaluated first-match-wins; later rules cannot override
// earlier ones:
//
//  1. master kill switch off
//  2. tool disabled (the caller must separately refuse to schedule it;
//     a disabled tool never runs, approved or not)
//  3. tool on the always-require-approval override list
//  4. external side effect
//  5. per-tool static requires-approval property
//  6. tier dispatch: low/medium follow their config flags, high and
//     critical always require approval
func Decide(req Request, cfg Config) Decision {
	if !cfg.AutoExecuteEnabled {
		return RequireApproval
	}
	if cfg.DisabledTools[req.ToolName] {
		return RequireApproval
	}
	if cfg.AlwaysRequireApproval[req.ToolName] {
		return RequireApproval
	}
	if req.HasExternalEffect {
		return RequireApproval
	}
	if req.RequiresApproval {
		return RequireApproval
	}

	switch req.Tier {
	case model.RiskLow:
		if cfg.AutoExecuteLowRisk {
			return AutoExecute
		}
	case model.RiskMedium:
		if cfg.AutoExecuteMediumRisk {
			return AutoExecute
		}
	}
	// High, critical, and unknown tiers never auto-execute.
	return RequireApproval
}
