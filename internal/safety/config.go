// Package safety implements the policy that decides, for every tool
// invocation, whether it may auto-execute or must be held for human
// approval.
//
// The policy in force is a single immutable Config value. Named presets
// (default / production / lockdown) are just different values of the same
// structure, selected at process start, never distinct code paths.
package safety

import (
	"fmt"
	"sort"
	"time"
)

// Config describes the safety policy in force. Treat values as immutable:
// With returns a modified copy and never mutates the receiver.
type Config struct {
	// AutoExecuteEnabled is the master kill switch. When false nothing
	// auto-executes regardless of tier.
	AutoExecuteEnabled bool

	// Per-tier auto-execute flags. High and critical tiers never
	// auto-execute and therefore carry no flag.
	AutoExecuteLowRisk    bool
	AutoExecuteMediumRisk bool

	// Numeric limits.
	MaxToolCallsPerRun int
	MaxRunsPerMinute   int // per operator
	MaxRunDuration     time.Duration

	// AlwaysRequireApproval lists tool names that require approval
	// regardless of tier. Takes precedence over tier-based rules.
	AlwaysRequireApproval map[string]bool

	// DisabledTools lists tool names that are never scheduled at all,
	// approved or not.
	DisabledTools map[string]bool

	// ApprovalTTL is how long an approval request stays resolvable before
	// it expires.
	ApprovalTTL time.Duration

	// Audit and alerting flags.
	AuditAllDecisions bool
	AlertOnHighRisk   bool
}

// Validate checks the config's internal consistency.
func (c Config) Validate() error {
	// Risk monotonicity: permitting medium-risk auto-execution while
	// refusing low-risk would make the policy non-monotonic in severity.
	if c.AutoExecuteMediumRisk && !c.AutoExecuteLowRisk {
		return fmt.Errorf("safety: auto_execute_medium_risk requires auto_execute_low_risk")
	}
	if c.MaxToolCallsPerRun <= 0 {
		return fmt.Errorf("safety: max_tool_calls_per_run must be positive")
	}
	if c.MaxRunsPerMinute <= 0 {
		return fmt.Errorf("safety: max_runs_per_minute must be positive")
	}
	if c.MaxRunDuration <= 0 {
		return fmt.Errorf("safety: max_run_duration must be positive")
	}
	if c.ApprovalTTL <= 0 {
		return fmt.Errorf("safety: approval_ttl must be positive")
	}
	return nil
}

// Delta is a partial override applied on top of a preset. Scalar fields are
// pointers (nil = keep the base value). The two set-valued fields are
// unioned with the base, never replaced: overrides can only add
// restrictions, never silently remove a built-in safety rule.
type Delta struct {
	AutoExecuteEnabled    *bool
	AutoExecuteLowRisk    *bool
	AutoExecuteMediumRisk *bool
	MaxToolCallsPerRun    *int
	MaxRunsPerMinute      *int
	MaxRunDuration        *time.Duration
	ApprovalTTL           *time.Duration
	AuditAllDecisions     *bool
	AlertOnHighRisk       *bool

	AlwaysRequireApproval []string // unioned
	DisabledTools         []string // unioned
}

// With returns a copy of the config with the delta applied.
func (c Config) With(d Delta) Config {
	out := c
	out.AlwaysRequireApproval = cloneSet(c.AlwaysRequireApproval)
	out.DisabledTools = cloneSet(c.DisabledTools)

	if d.AutoExecuteEnabled != nil {
		out.AutoExecuteEnabled = *d.AutoExecuteEnabled
	}
	if d.AutoExecuteLowRisk != nil {
		out.AutoExecuteLowRisk = *d.AutoExecuteLowRisk
	}
	if d.AutoExecuteMediumRisk != nil {
		out.AutoExecuteMediumRisk = *d.AutoExecuteMediumRisk
	}
	if d.MaxToolCallsPerRun != nil {
		out.MaxToolCallsPerRun = *d.MaxToolCallsPerRun
	}
	if d.MaxRunsPerMinute != nil {
		out.MaxRunsPerMinute = *d.MaxRunsPerMinute
	}
	if d.MaxRunDuration != nil {
		out.MaxRunDuration = *d.MaxRunDuration
	}
	if d.ApprovalTTL != nil {
		out.ApprovalTTL = *d.ApprovalTTL
	}
	if d.AuditAllDecisions != nil {
		out.AuditAllDecisions = *d.AuditAllDecisions
	}
	if d.AlertOnHighRisk != nil {
		out.AlertOnHighRisk = *d.AlertOnHighRisk
	}
	for _, name := range d.AlwaysRequireApproval {
		out.AlwaysRequireApproval[name] = true
	}
	for _, name := range d.DisabledTools {
		out.DisabledTools[name] = true
	}
	return out
}

// ToolNames returns a sorted list of a set-valued field, for logging.
func ToolNames(set map[string]bool) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneSet(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out
}

func toSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// Preset names accepted by ByName.
const (
	PresetDefault    = "default"
	PresetProduction = "production"
	PresetLockdown   = "lockdown"
)

// Default is the permissive development preset: low and medium risk
// auto-execute, generous limits.
func Default() Config {
	return Config{
		AutoExecuteEnabled:    true,
		AutoExecuteLowRisk:    true,
		AutoExecuteMediumRisk: true,
		MaxToolCallsPerRun:    50,
		MaxRunsPerMinute:      10,
		MaxRunDuration:        30 * time.Minute,
		AlwaysRequireApproval: toSet("send_email", "sign_document", "submit_offer"),
		DisabledTools:         toSet(),
		ApprovalTTL:           15 * time.Minute,
		AuditAllDecisions:     false,
		AlertOnHighRisk:       true,
	}
}

// Production is the stricter preset: only low risk auto-executes and the
// limits are tighter.
func Production() Config {
	return Config{
		AutoExecuteEnabled:    true,
		AutoExecuteLowRisk:    true,
		AutoExecuteMediumRisk: false,
		MaxToolCallsPerRun:    25,
		MaxRunsPerMinute:      5,
		MaxRunDuration:        15 * time.Minute,
		AlwaysRequireApproval: toSet("send_email", "sign_document", "submit_offer", "wire_funds"),
		DisabledTools:         toSet(),
		ApprovalTTL:           10 * time.Minute,
		AuditAllDecisions:     true,
		AlertOnHighRisk:       true,
	}
}

// Lockdown is the maximally restrictive preset: nothing auto-executes.
func Lockdown() Config {
	return Config{
		AutoExecuteEnabled:    false,
		AutoExecuteLowRisk:    false,
		AutoExecuteMediumRisk: false,
		MaxToolCallsPerRun:    10,
		MaxRunsPerMinute:      2,
		MaxRunDuration:        5 * time.Minute,
		AlwaysRequireApproval: toSet("send_email", "sign_document", "submit_offer", "wire_funds"),
		DisabledTools:         toSet("wire_funds"),
		ApprovalTTL:           5 * time.Minute,
		AuditAllDecisions:     true,
		AlertOnHighRisk:       true,
	}
}

// ByName returns the preset for a name.
func ByName(name string) (Config, error) {
	switch name {
	case PresetDefault, "":
		return Default(), nil
	case PresetProduction:
		return Production(), nil
	case PresetLockdown:
		return Lockdown(), nil
	default:
		return Config{}, fmt.Errorf("safety: unknown preset %q (valid: default, production, lockdown)", name)
	}
}
