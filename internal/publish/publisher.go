// Package publish creates sanitized Discussion posts for completed
// campaign runs and fires the repository-dispatch event that downstream
// read-only aggregators listen for.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sidlabs/sid/internal/campaign"
	"github.com/sidlabs/sid/internal/router"
)

// Discussion category names, resolved to node IDs at Init.
const (
	categoryReports  = "Agent Reports"
	categorySecurity = "Security Advisories"
	categoryDigest   = "Weekly Digest"
)

// Publisher writes campaign results to the forge's Discussions.
type Publisher struct {
	httpClient *http.Client
	graphqlURL string
	restURL    string
	repoOwner  string
	repoName   string
	limiter    *rate.Limiter

	mu    sync.Mutex
	token string

	// repoID and categoryIDs are resolved once by Init.
	repoID      string
	categoryIDs map[string]string
}

// New creates a Publisher for the given repository.
func New(token, repoOwner, repoName string) *Publisher {
	return &Publisher{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		graphqlURL:  "https://api.github.com/graphql",
		restURL:     "https://api.github.com",
		repoOwner:   repoOwner,
		repoName:    repoName,
		limiter:     rate.NewLimiter(rate.Every(time.Second), 5),
		token:       token,
		categoryIDs: make(map[string]string),
	}
}

// SetEndpoints overrides the forge endpoints, for tests.
func (p *Publisher) SetEndpoints(graphqlURL, restURL string) {
	p.graphqlURL = graphqlURL
	p.restURL = restURL
}

// UpdateToken replaces the stored token after an App token refresh.
func (p *Publisher) UpdateToken(token string) {
	p.mu.Lock()
	p.token = token
	p.mu.Unlock()
}

// Init resolves the repository node ID and the Discussion category IDs.
// Must be called before Publish.
func (p *Publisher) Init(ctx context.Context) error {
	query := `query($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {
    id
    discussionCategories(first: 25) {
      nodes { id name }
    }
  }
}`
	resp, err := p.graphql(ctx, query, map[string]string{"owner": p.repoOwner, "name": p.repoName})
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	var result struct {
		Data struct {
			Repository struct {
				ID                   string `json:"id"`
				DiscussionCategories struct {
					Nodes []struct {
						ID   string `json:"id"`
						Name string `json:"name"`
					} `json:"nodes"`
				} `json:"discussionCategories"`
			} `json:"repository"`
		} `json:"data"`
		Errors []graphqlError `json:"errors"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return fmt.Errorf("parse init response: %w", err)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", result.Errors[0].Message)
	}

	p.repoID = result.Data.Repository.ID
	for _, cat := range result.Data.Repository.DiscussionCategories.Nodes {
		p.categoryIDs[cat.Name] = cat.ID
	}
	slog.Info("publisher.initialized",
		"repo", p.repoOwner+"/"+p.repoName,
		"categories", len(p.categoryIDs),
	)
	return nil
}

// Publish creates a Discussion for the result and fires the
// repository-dispatch status event. Returns the Discussion URL and node ID.
func (p *Publisher) Publish(ctx context.Context, cam *campaign.Campaign, result *campaign.CampaignResult) (url, discussionID string, err error) {
	if p.repoID == "" {
		return "", "", fmt.Errorf("publisher not initialized")
	}

	categoryName := categoryFor(cam)
	categoryID, ok := p.categoryIDs[categoryName]
	if !ok {
		return "", "", fmt.Errorf("discussion category %q not found", categoryName)
	}

	mutation := `mutation($repoId: ID!, $categoryId: ID!, $title: String!, $body: String!) {
  createDiscussion(input: {repositoryId: $repoId, categoryId: $categoryId, title: $title, body: $body}) {
    discussion { id url number }
  }
}`
	vars := map[string]string{
		"repoId":     p.repoID,
		"categoryId": categoryID,
		"title":      formatTitle(cam, result),
		"body":       formatBody(cam, result, p.repoOwner, p.repoName),
	}
	resp, err := p.graphql(ctx, mutation, vars)
	if err != nil {
		return "", "", fmt.Errorf("create discussion: %w", err)
	}

	var out struct {
		Data struct {
			CreateDiscussion struct {
				Discussion struct {
					ID     string `json:"id"`
					URL    string `json:"url"`
					Number int    `json:"number"`
				} `json:"discussion"`
			} `json:"createDiscussion"`
		} `json:"data"`
		Errors []graphqlError `json:"errors"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", "", fmt.Errorf("parse mutation response: %w", err)
	}
	if len(out.Errors) > 0 {
		return "", "", fmt.Errorf("graphql error: %s", out.Errors[0].Message)
	}

	d := out.Data.CreateDiscussion.Discussion
	slog.Info("publisher.discussion_created", "campaign", cam.ID, "number", d.Number, "url", d.URL)

	p.fireRepositoryDispatch(ctx, cam.ID, result.RunID)
	return d.URL, d.ID, nil
}

// AddComment appends a comment to a Discussion. Used by the router
// integration to deliver handoff metadata.
func (p *Publisher) AddComment(ctx context.Context, discussionID, body string) error {
	mutation := `mutation($discussionId: ID!, $body: String!) {
  addDiscussionComment(input: {discussionId: $discussionId, body: $body}) {
    comment { id }
  }
}`
	resp, err := p.graphql(ctx, mutation, map[string]string{"discussionId": discussionID, "body": body})
	if err != nil {
		return fmt.Errorf("add comment: %w", err)
	}
	var out struct {
		Errors []graphqlError `json:"errors"`
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return fmt.Errorf("parse comment response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", out.Errors[0].Message)
	}
	return nil
}

// categoryFor maps a campaign to its Discussion category.
func categoryFor(cam *campaign.Campaign) string {
	if strings.Contains(cam.ID, "weekly-digest") {
		return categoryDigest
	}
	if strings.Contains(cam.ID, "security") || cam.Agent == router.AgentSecurity {
		return categorySecurity
	}
	return categoryReports
}

// formatTitle renders "[STATUS] name | finished-at".
func formatTitle(cam *campaign.Campaign, result *campaign.CampaignResult) string {
	status := strings.ToUpper(result.Status)
	if result.Status == campaign.StatusSuccess {
		status = "PASS"
	}
	ts := result.FinishedAt
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		ts = t.Format("2006-01-02 15:04 UTC")
	}
	return fmt.Sprintf("[%s] %s | %s", status, cam.Name, ts)
}

// severityOrder ranks finding severities for the summary section.
var severityOrder = map[string]int{"critical": 0, "high": 1, "medium": 2, "low": 3}

// formatBody renders the Discussion markdown. Every interpolated value
// passes through the sanitizer first; the trailing rj-meta marker is
// appended as produced by router.FormatMeta.
func formatBody(cam *campaign.Campaign, result *campaign.CampaignResult, repoOwner, repoName string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Campaign: %s\n", SanitizeString(cam.Name))
	fmt.Fprintf(&b, "**Run**: `%s` | **Agent**: %s", SanitizeString(result.RunID), SanitizeString(result.Agent))
	if start, errS := time.Parse(time.RFC3339, result.StartedAt); errS == nil {
		if end, errE := time.Parse(time.RFC3339, result.FinishedAt); errE == nil {
			fmt.Fprintf(&b, " | **Duration**: %s", end.Sub(start).Round(time.Second))
		}
	}
	fmt.Fprintf(&b, " | **Tool Calls**: %d\n\n", result.ToolCalls)

	switch result.Status {
	case campaign.StatusSuccess:
		b.WriteString("> **Status**: PASS\n\n")
	case campaign.StatusFailure:
		fmt.Fprintf(&b, "> **Status**: FAIL -- %s\n\n", SanitizeString(result.Error))
	case campaign.StatusTimeout:
		b.WriteString("> **Status**: TIMEOUT\n\n")
	default:
		fmt.Fprintf(&b, "> **Status**: %s\n\n", SanitizeString(strings.ToUpper(result.Status)))
	}

	if len(result.KPIs) > 0 {
		b.WriteString("### KPIs\n")
		b.WriteString("| Metric | Value |\n|--------|-------|\n")
		keys := make([]string, 0, len(result.KPIs))
		for k := range result.KPIs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "| %s | %v |\n", SanitizeString(k), SanitizeValue(result.KPIs[k]))
		}
		b.WriteString("\n")
	}

	if len(result.ToolTrace) > 0 {
		fmt.Fprintf(&b, "<details>\n<summary>%d tool calls — expand trace</summary>\n\n", len(result.ToolTrace))
		b.WriteString("| Time | Tool | Summary |\n|------|------|---------|\n")
		for _, entry := range result.ToolTrace {
			ts := entry.Timestamp
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				ts = t.Format("15:04:05")
			}
			summary := SanitizeString(entry.Summary)
			if entry.IsError {
				summary = "**ERROR**: " + summary
			}
			fmt.Fprintf(&b, "| %s | `%s` | %s |\n", SanitizeString(ts), SanitizeString(entry.Tool), summary)
		}
		b.WriteString("\n</details>\n\n")
	}

	if len(result.Findings) > 0 {
		fmt.Fprintf(&b, "### Findings (%d)\n", len(result.Findings))
		findings := make([]campaign.Finding, len(result.Findings))
		copy(findings, result.Findings)
		sort.SliceStable(findings, func(i, j int) bool {
			return severityOrder[findings[i].Severity] < severityOrder[findings[j].Severity]
		})
		for _, f := range findings {
			fmt.Fprintf(&b, "- **[%s]** %s\n", SanitizeString(f.Severity), SanitizeString(f.Title))
		}
		b.WriteString("\n")
	}

	b.WriteString("---\n")
	fmt.Fprintf(&b, "*[Campaign definition](https://github.com/%s/%s/tree/main/campaigns/) | Generated by sid*\n", SanitizeString(repoOwner), SanitizeString(repoName))

	// Machine-readable marker so responding agents can recognize runner
	// posts without scraping the prose.
	b.WriteString(router.FormatMeta(router.Meta{
		Version:     "1",
		From:        cam.Agent,
		MessageType: "status",
		CampaignID:  cam.ID,
		RunID:       result.RunID,
		Timestamp:   result.FinishedAt,
	}))

	return b.String()
}

// fireRepositoryDispatch emits the agent-status-update event. Best effort.
func (p *Publisher) fireRepositoryDispatch(ctx context.Context, campaignID, runID string) {
	url := fmt.Sprintf("%s/repos/%s/%s/dispatches", p.restURL, p.repoOwner, p.repoName)
	body, _ := json.Marshal(map[string]any{
		"event_type": "agent-status-update",
		"client_payload": map[string]string{
			"campaign_id": campaignID,
			"run_id":      runID,
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("publisher.dispatch_error", "error", err)
		return
	}
	p.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		slog.Warn("publisher.dispatch_error", "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		slog.Warn("publisher.dispatch_status", "status", resp.StatusCode)
	}
}

// graphql executes one query against the forge's GraphQL endpoint.
func (p *Publisher) graphql(ctx context.Context, query string, variables any) (json.RawMessage, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	p.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graphql returned %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

type graphqlError struct {
	Message string `json:"message"`
}

func (p *Publisher) setAuth(req *http.Request) {
	p.mu.Lock()
	token := p.token
	p.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}
