// Package campaign holds the declarative campaign model and the result
// types produced by runs. Definitions are loaded from JSON files and never
// mutated at runtime; everything downstream (scheduler, dispatcher,
// feedback, publisher) consumes them read-only.
package campaign

import (
	"strings"
	"time"
)

// Campaign is a full campaign definition loaded from JSON.
type Campaign struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Agent       string   `json:"agent"`
	Trigger     Trigger  `json:"trigger"`
	Targets     []Target `json:"targets"`
	Tools       []string `json:"tools"`
	Process     []string `json:"process"`
	Outputs     Outputs  `json:"outputs"`
	Guardrails  Guard    `json:"guardrails"`
	Feedback    Feedback `json:"feedback"`
	Metrics     Metrics  `json:"metrics"`
}

// Trigger defines when a campaign should run.
type Trigger struct {
	Schedule    string   `json:"schedule,omitempty"`
	Event       string   `json:"event,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	PathFilters []string `json:"pathFilters,omitempty"`
}

// Target identifies a forge/org/repo/branch tuple.
type Target struct {
	Forge  string `json:"forge"`
	Org    string `json:"org"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// Outputs describes where campaign results and findings land.
type Outputs struct {
	SetecKey       string   `json:"setecKey"`
	IssueLabels    []string `json:"issueLabels,omitempty"`
	IssueRepo      string   `json:"issueRepo,omitempty"`
	PRBranchPrefix string   `json:"prBranchPrefix,omitempty"`
	PRBodyTemplate string   `json:"prBodyTemplate,omitempty"`
}

// Guard defines safety constraints for campaign execution.
type Guard struct {
	MaxDuration string    `json:"maxDuration"`
	ReadOnly    bool      `json:"readOnly"`
	KillSwitch  string    `json:"killSwitch,omitempty"`
	AIApiBudget *AIBudget `json:"aiApiBudget,omitempty"`
}

// AIBudget caps AI API usage per campaign run. Zero MaxTokens means no cap.
type AIBudget struct {
	MaxTokens int `json:"maxTokens"`
}

// Feedback defines how campaign results feed back into the org.
type Feedback struct {
	CreateIssues        bool `json:"createIssues"`
	CreatePRs           bool `json:"createPRs"`
	CloseResolvedIssues bool `json:"closeResolvedIssues"`
	// SilentFailures suppresses Discussion posts for non-success runs.
	SilentFailures bool `json:"silentFailures,omitempty"`
}

// ShouldPublish reports whether a run with the given status should be
// published as a Discussion. Every completed run publishes unless the
// campaign opts into silent failures.
func (f Feedback) ShouldPublish(status string) bool {
	if f.SilentFailures && status != StatusSuccess {
		return false
	}
	return true
}

// Metrics defines success criteria and KPIs.
type Metrics struct {
	SuccessCriteria string   `json:"successCriteria"`
	KPIs            []string `json:"kpis"`
}

// Run status values recorded on CampaignResult.
const (
	StatusSuccess        = "success"
	StatusFailure        = "failure"
	StatusTimeout        = "timeout"
	StatusError          = "error"
	StatusBudgetExceeded = "budget_exceeded"
)

// MaxDuration returns the parsed guardrail duration, defaulting to 30
// minutes when unset or unparseable.
func (c *Campaign) MaxDuration() time.Duration {
	d, err := time.ParseDuration(c.Guardrails.MaxDuration)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// BaseBranch returns the branch of the first target, defaulting to "main".
func (c *Campaign) BaseBranch() string {
	if len(c.Targets) > 0 && c.Targets[0].Branch != "" {
		return c.Targets[0].Branch
	}
	return "main"
}

// CampaignResult captures the outcome of one campaign run.
type CampaignResult struct {
	CampaignID    string           `json:"campaign_id"`
	RunID         string           `json:"run_id"`
	Status        string           `json:"status"`
	StartedAt     string           `json:"started_at"`
	FinishedAt    string           `json:"finished_at"`
	Agent         string           `json:"agent"`
	KPIs          map[string]any   `json:"kpis,omitempty"`
	Error         string           `json:"error,omitempty"`
	ToolCalls     int              `json:"tool_calls"`
	TokensUsed    int              `json:"tokens_used,omitempty"`
	ToolTrace     []ToolTraceEntry `json:"tool_trace,omitempty"`
	Findings      []Finding        `json:"findings,omitempty"`
	DiscussionURL string           `json:"discussion_url,omitempty"`
}

// ToolTraceEntry records a single tool invocation during a run.
type ToolTraceEntry struct {
	Timestamp string `json:"timestamp"`
	Tool      string `json:"tool"`
	Summary   string `json:"summary"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Finding is a structured observation produced by a run. Fingerprint is the
// dedup key; when a producer omits it, the title substitutes.
type Finding struct {
	Title            string            `json:"title"`
	Body             string            `json:"body"`
	Severity         string            `json:"severity"` // "critical", "high", "medium", "low"
	Labels           []string          `json:"labels,omitempty"`
	CampaignID       string            `json:"campaign_id,omitempty"`
	RunID            string            `json:"run_id,omitempty"`
	Fingerprint      string            `json:"fingerprint,omitempty"`
	Fixable          bool              `json:"fixable,omitempty"`
	RemediationType  string            `json:"remediation_type,omitempty"`
	RemediationHints map[string]string `json:"remediation_hints,omitempty"` // keys: file, find, replace, commit_message
}

// DedupKey returns the fingerprint, falling back to the title.
func (f Finding) DedupKey() string {
	if f.Fingerprint != "" {
		return f.Fingerprint
	}
	return f.Title
}

// SplitIssueRepo splits an "owner/repo" string. ok is false when the value
// is not in that form.
func SplitIssueRepo(repo string) (owner, name string, ok bool) {
	owner, name, ok = strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", false
	}
	return owner, name, true
}
