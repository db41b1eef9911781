package router

import (
	"strings"
	"testing"

	"github.com/sidlabs/sid/internal/campaign"
)

func testCampaign(id, agent string) *campaign.Campaign {
	return &campaign.Campaign{ID: id, Agent: agent}
}

func TestRouteSecuritySeverity(t *testing.T) {
	r := New()
	findings := []campaign.Finding{
		{Title: "exposed port", Severity: "critical", Labels: []string{"security"}},
		{Title: "style nit", Severity: "low", Labels: []string{"security"}},
	}
	routed := r.Route(testCampaign("infra-scan", "gateway-direct"), "infra-scan-1", findings)
	if len(routed) != 1 {
		t.Fatalf("routed %d findings, want 1 (low severity security not rule 1)", len(routed))
	}
	if routed[0].TargetAgent != AgentSecurity {
		t.Errorf("target = %q", routed[0].TargetAgent)
	}
	want := []string{"handoff:security-agent", "severity:high"}
	for i, label := range want {
		if routed[0].Labels[i] != label {
			t.Errorf("labels = %v, want %v", routed[0].Labels, want)
		}
	}
}

func TestRouteCredentialLabel(t *testing.T) {
	r := New()
	findings := []campaign.Finding{
		{Title: "token in log", Severity: "medium", Labels: []string{"credential-exposure"}},
	}
	routed := r.Route(testCampaign("log-audit", "generalist"), "run-1", findings)
	if len(routed) != 1 || routed[0].TargetAgent != AgentSecurity {
		t.Fatalf("routed = %+v", routed)
	}
	if len(routed[0].Labels) != 1 || routed[0].Labels[0] != "handoff:security-agent" {
		t.Errorf("labels = %v", routed[0].Labels)
	}
}

func TestRouteSourceAgentGate(t *testing.T) {
	r := New()
	findings := []campaign.Finding{
		{Title: "dup code", Severity: "low", Labels: []string{"code-quality"}},
	}

	// Rule 3 only fires for findings sourced from the security agent.
	if routed := r.Route(testCampaign("scan", AgentSecurity), "run-1", findings); len(routed) != 1 ||
		routed[0].TargetAgent != AgentGeneral {
		t.Errorf("security-sourced code-quality: routed = %+v", routed)
	}
	if routed := r.Route(testCampaign("scan", "generalist"), "run-1", findings); len(routed) != 0 {
		t.Errorf("other-sourced code-quality must not match: %+v", routed)
	}
}

func TestRouteDependencyLabel(t *testing.T) {
	r := New()
	findings := []campaign.Finding{
		{Title: "lib outdated", Severity: "medium", Labels: []string{"dependency-health"}},
	}
	routed := r.Route(testCampaign("deps", "gateway-direct"), "run-1", findings)
	if len(routed) != 1 || routed[0].TargetAgent != AgentGeneral {
		t.Fatalf("routed = %+v", routed)
	}
	if routed[0].Labels[0] != "handoff:general-agent" {
		t.Errorf("labels = %v", routed[0].Labels)
	}
}

func TestRouteCampaignPrefix(t *testing.T) {
	r := New()
	findings := []campaign.Finding{{Title: "anything", Severity: "low"}}

	if routed := r.Route(testCampaign("xa-upstream-sync", "gateway-direct"), "run-1", findings); len(routed) != 1 ||
		routed[0].TargetAgent != AgentUpstream {
		t.Errorf("xa-upstream prefix: routed = %+v", routed)
	}
	if routed := r.Route(testCampaign("other", "gateway-direct"), "run-1", findings); len(routed) != 0 {
		t.Errorf("non-matching campaign must not route: %+v", routed)
	}
}

func TestRouteFirstMatchWins(t *testing.T) {
	r := New()
	// Matches rule 1 (security+high) and rule 2 (credential); rule 1 wins.
	findings := []campaign.Finding{
		{Title: "leaked key", Severity: "high", Labels: []string{"security", "credential"}},
	}
	routed := r.Route(testCampaign("scan", "gateway-direct"), "run-1", findings)
	if len(routed) != 1 {
		t.Fatal("no route")
	}
	if len(routed[0].Labels) != 2 || routed[0].Labels[1] != "severity:high" {
		t.Errorf("rule 1 must win: labels = %v", routed[0].Labels)
	}
}

func TestRouteMetaPopulation(t *testing.T) {
	r := New()
	findings := []campaign.Finding{
		{Title: "leaked key", Severity: "high", Labels: []string{"security"}, Fingerprint: "fp9"},
	}
	routed := r.Route(testCampaign("scan", "gateway-direct"), "scan-42", findings)
	if len(routed) != 1 {
		t.Fatal("no route")
	}
	meta := routed[0].Meta
	if meta.Version != "1" || meta.MessageType != "handoff" || meta.ActionRequested != "review" {
		t.Errorf("meta = %+v", meta)
	}
	if meta.From != "gateway-direct" || meta.To != AgentSecurity {
		t.Errorf("from/to = %q/%q", meta.From, meta.To)
	}
	if meta.Priority != "high" || meta.FindingFingerprint != "fp9" {
		t.Errorf("priority/fingerprint = %q/%q", meta.Priority, meta.FindingFingerprint)
	}
	if meta.CampaignID != "scan" || meta.RunID != "scan-42" {
		t.Errorf("campaign/run = %q/%q", meta.CampaignID, meta.RunID)
	}
	if meta.Timestamp == "" {
		t.Error("timestamp missing")
	}
}

func TestRouteDerivesFingerprint(t *testing.T) {
	r := New()
	findings := []campaign.Finding{
		{Title: "leaked key", Severity: "critical", Labels: []string{"security"}},
	}
	routed := r.Route(testCampaign("scan", "gateway-direct"), "run-1", findings)
	if len(routed) != 1 {
		t.Fatal("no route")
	}
	if want := Fingerprint("scan", "leaked key"); routed[0].Meta.FindingFingerprint != want {
		t.Errorf("fingerprint = %q, want derived %q", routed[0].Meta.FindingFingerprint, want)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("scan", "leaked key")
	if a != Fingerprint("scan", "leaked key") {
		t.Error("fingerprint not stable")
	}
	if a == Fingerprint("scan", "other title") || a == Fingerprint("other", "leaked key") {
		t.Error("fingerprint not unique per campaign:title")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestMetaRoundTrip(t *testing.T) {
	meta := Meta{
		Version:            "1",
		From:               "gateway-direct",
		To:                 AgentSecurity,
		MessageType:        "handoff",
		Priority:           "high",
		FindingFingerprint: "fp9",
		CampaignID:         "scan",
		RunID:              "scan-42",
		Timestamp:          "2026-03-01T04:00:00Z",
		ActionRequested:    "review",
		Context:            map[string]any{"note": "see discussion"},
	}

	text := "Some discussion prose.\n" + FormatMeta(meta) + "\nTrailing commentary."
	parsed, ok := ParseMeta(text)
	if !ok {
		t.Fatal("ParseMeta failed on formatted block")
	}
	if parsed.Version != meta.Version || parsed.From != meta.From || parsed.To != meta.To ||
		parsed.MessageType != meta.MessageType || parsed.Priority != meta.Priority ||
		parsed.FindingFingerprint != meta.FindingFingerprint || parsed.CampaignID != meta.CampaignID ||
		parsed.RunID != meta.RunID || parsed.Timestamp != meta.Timestamp ||
		parsed.ActionRequested != meta.ActionRequested {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", parsed, meta)
	}
	if parsed.Context["note"] != "see discussion" {
		t.Errorf("context = %v", parsed.Context)
	}
}

func TestParseMetaRejects(t *testing.T) {
	if _, ok := ParseMeta("no block here"); ok {
		t.Error("text without a block must not parse")
	}
	if _, ok := ParseMeta("<!-- rj-meta\n{broken json\n-->"); ok {
		t.Error("invalid JSON must not parse")
	}
	if _, ok := ParseMeta("<!-- rj-meta\n{}"); ok {
		t.Error("unterminated comment must not parse")
	}
}

func TestFormatMetaShape(t *testing.T) {
	text := FormatMeta(Meta{Version: "1", MessageType: "handoff", CampaignID: "scan"})
	if !strings.Contains(text, "<!-- rj-meta\n") || !strings.Contains(text, "\n-->") {
		t.Errorf("unexpected block shape: %q", text)
	}
}
