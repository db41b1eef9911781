// Package router matches campaign findings against handoff rules and
// produces the structured metadata another agent needs to pick the work up
// from a Discussion thread.
package router

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sidlabs/sid/internal/campaign"
)

// Agent tags used as routing targets.
const (
	AgentSecurity = "hexstrike"
	AgentGeneral  = "generalist"
	AgentUpstream = "upstream"
)

// Rule defines criteria for routing a finding to a target agent. All
// non-empty criteria must hold for the rule to match.
type Rule struct {
	SourceAgent    string   // campaign agent
	SeverityIn     []string // finding severity must be one of these
	LabelContains  string   // some finding label must contain this substring
	CampaignPrefix string   // campaign ID must start with this

	TargetAgent string
	Labels      []string
	Priority    int // lower wins; rules are evaluated in slice order
}

// RoutedFinding is a finding matched to a handoff target.
type RoutedFinding struct {
	Finding     campaign.Finding
	TargetAgent string
	Labels      []string
	Meta        Meta
}

// Meta is the machine-readable handoff block embedded in Discussion bodies
// as an rj-meta HTML comment.
type Meta struct {
	Version            string         `json:"version"`
	From               string         `json:"from"`
	To                 string         `json:"to,omitempty"`
	MessageType        string         `json:"message_type"`
	Priority           string         `json:"priority,omitempty"`
	FindingFingerprint string         `json:"finding_fingerprint,omitempty"`
	CampaignID         string         `json:"campaign_id"`
	RunID              string         `json:"run_id,omitempty"`
	Timestamp          string         `json:"timestamp"`
	ActionRequested    string         `json:"action_requested,omitempty"`
	Context            map[string]any `json:"context,omitempty"`
}

// Router evaluates findings against an ordered rule set.
type Router struct {
	rules []Rule
}

// New creates a Router with the default rules.
func New() *Router {
	return &Router{rules: DefaultRules()}
}

// NewWithRules creates a Router with a custom rule set, assumed sorted by
// priority.
func NewWithRules(rules []Rule) *Router {
	return &Router{rules: rules}
}

// DefaultRules returns the standing handoff policy, highest priority first.
func DefaultRules() []Rule {
	return []Rule{
		{
			SeverityIn:    []string{"critical", "high"},
			LabelContains: "security",
			TargetAgent:   AgentSecurity,
			Labels:        []string{"handoff:security-agent", "severity:high"},
			Priority:      1,
		},
		{
			LabelContains: "credential",
			TargetAgent:   AgentSecurity,
			Labels:        []string{"handoff:security-agent"},
			Priority:      2,
		},
		{
			SourceAgent:   AgentSecurity,
			LabelContains: "code-quality",
			TargetAgent:   AgentGeneral,
			Labels:        []string{"handoff:general-agent"},
			Priority:      3,
		},
		{
			LabelContains: "dependency",
			TargetAgent:   AgentGeneral,
			Labels:        []string{"handoff:general-agent"},
			Priority:      4,
		},
		{
			CampaignPrefix: "xa-upstream",
			TargetAgent:    AgentUpstream,
			Labels:         []string{"handoff:upstream-agent"},
			Priority:       5,
		},
	}
}

// Route evaluates each finding against the rules, first match wins.
// Non-matching findings are dropped.
func (r *Router) Route(cam *campaign.Campaign, runID string, findings []campaign.Finding) []RoutedFinding {
	var routed []RoutedFinding
	for _, f := range findings {
		rule, ok := r.match(cam, f)
		if !ok {
			continue
		}
		fp := f.Fingerprint
		if fp == "" {
			fp = Fingerprint(cam.ID, f.Title)
		}
		routed = append(routed, RoutedFinding{
			Finding:     f,
			TargetAgent: rule.TargetAgent,
			Labels:      rule.Labels,
			Meta: Meta{
				Version:            "1",
				From:               cam.Agent,
				To:                 rule.TargetAgent,
				MessageType:        "handoff",
				Priority:           f.Severity,
				FindingFingerprint: fp,
				CampaignID:         cam.ID,
				RunID:              runID,
				Timestamp:          time.Now().UTC().Format(time.RFC3339),
				ActionRequested:    "review",
			},
		})
	}
	return routed
}

func (r *Router) match(cam *campaign.Campaign, f campaign.Finding) (Rule, bool) {
	for _, rule := range r.rules {
		if ruleMatches(rule, cam, f) {
			return rule, true
		}
	}
	return Rule{}, false
}

func ruleMatches(rule Rule, cam *campaign.Campaign, f campaign.Finding) bool {
	if rule.SourceAgent != "" && cam.Agent != rule.SourceAgent {
		return false
	}
	if len(rule.SeverityIn) > 0 && !contains(rule.SeverityIn, f.Severity) {
		return false
	}
	if rule.LabelContains != "" && !labelContains(f.Labels, rule.LabelContains) {
		return false
	}
	if rule.CampaignPrefix != "" && !strings.HasPrefix(cam.ID, rule.CampaignPrefix) {
		return false
	}
	return true
}

// Fingerprint derives a stable dedup key for a finding that lacks one.
func Fingerprint(campaignID, findingTitle string) string {
	h := sha256.Sum256([]byte(campaignID + ":" + findingTitle))
	return fmt.Sprintf("%x", h)
}

// FormatMeta renders a Meta block as an rj-meta HTML comment.
func FormatMeta(meta Meta) string {
	b, _ := json.MarshalIndent(meta, "", "  ")
	return fmt.Sprintf("\n<!-- rj-meta\n%s\n-->\n", string(b))
}

// ParseMeta extracts the first rj-meta block from free-form text, typically
// a Discussion comment written by another agent.
func ParseMeta(text string) (Meta, bool) {
	start := strings.Index(text, "<!-- rj-meta")
	if start == -1 {
		return Meta{}, false
	}
	end := strings.Index(text[start:], "-->")
	if end == -1 {
		return Meta{}, false
	}

	jsonStart := start + len("<!-- rj-meta\n")
	jsonEnd := start + end
	if jsonStart >= jsonEnd {
		return Meta{}, false
	}

	var meta Meta
	if err := json.Unmarshal([]byte(strings.TrimSpace(text[jsonStart:jsonEnd])), &meta); err != nil {
		return Meta{}, false
	}
	return meta, true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func labelContains(labels []string, substr string) bool {
	for _, l := range labels {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}
