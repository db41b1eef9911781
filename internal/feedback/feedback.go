// Package feedback turns campaign findings into durable forge artifacts:
// issues keyed by finding fingerprint, and remediation pull requests for
// findings that carry complete fix hints.
package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/go-github/v68/github"
	"golang.org/x/time/rate"

	"github.com/sidlabs/sid/internal/campaign"
)

// defaultBranchPrefix is used when a campaign sets no prBranchPrefix.
const defaultBranchPrefix = "sid/fix-"

// Handler files issues and PRs on behalf of the bot identity.
type Handler struct {
	limiter *rate.Limiter

	mu sync.Mutex
	gh *github.Client
}

// New creates a Handler authenticated with the given token.
func New(token string) *Handler {
	return &Handler{
		gh:      github.NewClient(nil).WithAuthToken(token),
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// NewWithClient creates a Handler from an existing client. Used in tests to
// point at an httptest server.
func NewWithClient(gh *github.Client) *Handler {
	return &Handler{gh: gh, limiter: rate.NewLimiter(rate.Inf, 1)}
}

// UpdateToken swaps the credential after an App token refresh, keeping the
// configured API endpoint.
func (h *Handler) UpdateToken(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	base, upload := h.gh.BaseURL, h.gh.UploadURL
	h.gh = github.NewClient(nil).WithAuthToken(token)
	h.gh.BaseURL, h.gh.UploadURL = base, upload
}

func (h *Handler) client() *github.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gh
}

func (h *Handler) wait(ctx context.Context) error {
	return h.limiter.Wait(ctx)
}

// ProcessFindings creates issues for new findings and, when enabled, closes
// issues whose findings disappeared since the previous run. Individual
// forge failures are logged and skipped; they never fail the run.
func (h *Handler) ProcessFindings(ctx context.Context, cam *campaign.Campaign, findings, previous []campaign.Finding) error {
	if !cam.Feedback.CreateIssues {
		return nil
	}
	repo := cam.Outputs.IssueRepo
	owner, name, ok := campaign.SplitIssueRepo(repo)
	if !ok {
		return fmt.Errorf("campaign %s: issueRepo %q is not owner/repo", cam.ID, repo)
	}

	for _, f := range findings {
		existing, err := h.findExistingIssue(ctx, repo, f)
		if err != nil {
			slog.Warn("feedback.issue_search_error", "campaign", cam.ID, "finding", f.Title, "error", err)
			continue
		}
		if existing != nil {
			slog.Info("feedback.issue_exists", "campaign", cam.ID, "issue", existing.GetNumber(), "finding", f.Title)
			continue
		}

		labels := append([]string{}, f.Labels...)
		labels = append(labels, cam.Outputs.IssueLabels...)

		if err := h.wait(ctx); err != nil {
			return err
		}
		issue, _, err := h.client().Issues.Create(ctx, owner, name, &github.IssueRequest{
			Title:  github.Ptr(f.Title),
			Body:   github.Ptr(f.Body),
			Labels: &labels,
		})
		if err != nil {
			slog.Warn("feedback.issue_create_error", "campaign", cam.ID, "finding", f.Title, "error", err)
			continue
		}
		slog.Info("feedback.issue_created", "campaign", cam.ID, "issue", issue.GetNumber(), "finding", f.Title)
	}

	if cam.Feedback.CloseResolvedIssues && len(previous) > 0 {
		h.closeResolved(ctx, cam, repo, owner, name, findings, previous)
	}
	return nil
}

// findExistingIssue searches the issue repo for an open issue whose body
// contains the finding's dedup key.
func (h *Handler) findExistingIssue(ctx context.Context, repo string, f campaign.Finding) (*github.Issue, error) {
	if err := h.wait(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("%s repo:%s state:open in:body", f.DedupKey(), repo)
	result, _, err := h.client().Search.Issues(ctx, query, &github.SearchOptions{})
	if err != nil {
		return nil, err
	}
	if len(result.Issues) > 0 {
		return result.Issues[0], nil
	}
	return nil, nil
}

// closeResolved closes issues for findings present in the previous run but
// absent from the current one.
func (h *Handler) closeResolved(ctx context.Context, cam *campaign.Campaign, repo, owner, name string, current, previous []campaign.Finding) {
	currentKeys := make(map[string]bool, len(current))
	for _, f := range current {
		currentKeys[f.DedupKey()] = true
	}

	for _, prev := range previous {
		if currentKeys[prev.DedupKey()] {
			continue
		}
		existing, err := h.findExistingIssue(ctx, repo, prev)
		if err != nil || existing == nil || existing.GetState() != "open" {
			continue
		}

		comment := fmt.Sprintf("This issue was automatically resolved. Campaign `%s` no longer reports this finding.", cam.ID)
		if err := h.wait(ctx); err != nil {
			return
		}
		if _, _, err := h.client().Issues.CreateComment(ctx, owner, name, existing.GetNumber(), &github.IssueComment{
			Body: github.Ptr(comment),
		}); err != nil {
			slog.Warn("feedback.issue_comment_error", "campaign", cam.ID, "issue", existing.GetNumber(), "error", err)
			continue
		}
		if _, _, err := h.client().Issues.Edit(ctx, owner, name, existing.GetNumber(), &github.IssueRequest{
			State: github.Ptr("closed"),
		}); err != nil {
			slog.Warn("feedback.issue_close_error", "campaign", cam.ID, "issue", existing.GetNumber(), "error", err)
			continue
		}
		slog.Info("feedback.issue_closed", "campaign", cam.ID, "issue", existing.GetNumber())
	}
}

// ProcessPRs opens a remediation pull request for every fixable finding
// with complete hints. Guarded by the campaign's feedback flags and the
// read-only guardrail.
func (h *Handler) ProcessPRs(ctx context.Context, cam *campaign.Campaign, findings []campaign.Finding) error {
	if !cam.Feedback.CreatePRs || cam.Guardrails.ReadOnly {
		return nil
	}
	owner, name, ok := campaign.SplitIssueRepo(cam.Outputs.IssueRepo)
	if !ok {
		return fmt.Errorf("campaign %s: issueRepo %q is not owner/repo", cam.ID, cam.Outputs.IssueRepo)
	}

	prefix := cam.Outputs.PRBranchPrefix
	if prefix == "" {
		prefix = defaultBranchPrefix
	}
	base := cam.BaseBranch()

	for _, f := range findings {
		if !f.Fixable {
			continue
		}
		file := f.RemediationHints["file"]
		find := f.RemediationHints["find"]
		replace := f.RemediationHints["replace"]
		if file == "" || find == "" || replace == "" {
			slog.Info("feedback.pr_hints_incomplete", "campaign", cam.ID, "finding", f.Title)
			continue
		}

		branch := BranchName(prefix, f)

		exists, err := h.prExists(ctx, owner, name, branch)
		if err != nil {
			slog.Warn("feedback.pr_list_error", "campaign", cam.ID, "branch", branch, "error", err)
			continue
		}
		if exists {
			slog.Info("feedback.pr_exists", "campaign", cam.ID, "branch", branch)
			continue
		}

		if err := h.createBranch(ctx, owner, name, branch, base); err != nil {
			slog.Warn("feedback.branch_error", "campaign", cam.ID, "branch", branch, "error", err)
			continue
		}

		commitMsg := f.RemediationHints["commit_message"]
		if commitMsg == "" {
			commitMsg = fmt.Sprintf("fix: %s", f.Title)
		}
		if err := h.patchFile(ctx, owner, name, branch, file, find, replace, commitMsg); err != nil {
			slog.Warn("feedback.patch_error", "campaign", cam.ID, "branch", branch, "file", file, "error", err)
			continue
		}

		if err := h.wait(ctx); err != nil {
			return err
		}
		pr, _, err := h.client().PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
			Title: github.Ptr(fmt.Sprintf("fix: %s", f.Title)),
			Head:  github.Ptr(branch),
			Base:  github.Ptr(base),
			Body:  github.Ptr(buildPRBody(cam, f)),
		})
		if err != nil {
			slog.Warn("feedback.pr_create_error", "campaign", cam.ID, "branch", branch, "error", err)
			continue
		}
		slog.Info("feedback.pr_created", "campaign", cam.ID, "url", pr.GetHTMLURL(), "finding", f.Title)
	}
	return nil
}

// BranchName derives the deterministic remediation branch for a finding:
// prefix + lowercased fingerprint with each non-alphanumeric replaced by "-",
// truncated to 24 characters.
func BranchName(prefix string, f campaign.Finding) string {
	suffix := strings.Map(func(r rune) rune {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 32
		default:
			return '-'
		}
	}, f.DedupKey())
	if len(suffix) > 24 {
		suffix = suffix[:24]
	}
	return prefix + suffix
}

// prExists reports whether an open PR already has the given head branch.
func (h *Handler) prExists(ctx context.Context, owner, repo, branch string) (bool, error) {
	if err := h.wait(ctx); err != nil {
		return false, err
	}
	prs, _, err := h.client().PullRequests.List(ctx, owner, repo, &github.PullRequestListOptions{
		State: "open",
		Head:  owner + ":" + branch,
	})
	if err != nil {
		return false, err
	}
	return len(prs) > 0, nil
}

// createBranch creates refs/heads/<branch> at the SHA of the base branch.
func (h *Handler) createBranch(ctx context.Context, owner, repo, branch, base string) error {
	if err := h.wait(ctx); err != nil {
		return err
	}
	ref, _, err := h.client().Git.GetRef(ctx, owner, repo, "heads/"+base)
	if err != nil {
		return fmt.Errorf("get ref %s: %w", base, err)
	}
	if err := h.wait(ctx); err != nil {
		return err
	}
	_, _, err = h.client().Git.CreateRef(ctx, owner, repo, &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branch),
		Object: &github.GitObject{SHA: ref.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("create ref %s: %w", branch, err)
	}
	return nil
}

// patchFile applies a single-occurrence literal substitution to a file on
// the remediation branch. The PR is abandoned when the literal is absent.
func (h *Handler) patchFile(ctx context.Context, owner, repo, branch, path, find, replace, message string) error {
	if err := h.wait(ctx); err != nil {
		return err
	}
	file, _, _, err := h.client().Repositories.GetContents(ctx, owner, repo, path, &github.RepositoryContentGetOptions{Ref: branch})
	if err != nil {
		return fmt.Errorf("get file %s: %w", path, err)
	}
	content, err := file.GetContent()
	if err != nil {
		return fmt.Errorf("decode file %s: %w", path, err)
	}

	patched := strings.Replace(content, find, replace, 1)
	if patched == content {
		return fmt.Errorf("find text not found in %s", path)
	}

	if err := h.wait(ctx); err != nil {
		return err
	}
	_, _, err = h.client().Repositories.UpdateFile(ctx, owner, repo, path, &github.RepositoryContentFileOptions{
		Message: github.Ptr(message),
		Content: []byte(patched),
		SHA:     github.Ptr(file.GetSHA()),
		Branch:  github.Ptr(branch),
	})
	if err != nil {
		return fmt.Errorf("put file %s: %w", path, err)
	}
	return nil
}

// buildPRBody renders the PR description, honoring the campaign's template
// when present.
func buildPRBody(cam *campaign.Campaign, f campaign.Finding) string {
	if tpl := cam.Outputs.PRBodyTemplate; tpl != "" {
		body := strings.ReplaceAll(tpl, "{{title}}", f.Title)
		body = strings.ReplaceAll(body, "{{severity}}", f.Severity)
		body = strings.ReplaceAll(body, "{{campaign}}", cam.ID)
		body = strings.ReplaceAll(body, "{{fingerprint}}", f.Fingerprint)
		return body
	}

	var b strings.Builder
	b.WriteString("## Automated Remediation\n\n")
	fmt.Fprintf(&b, "**Campaign**: `%s`\n", cam.ID)
	fmt.Fprintf(&b, "**Severity**: %s\n", f.Severity)
	if f.RemediationType != "" {
		fmt.Fprintf(&b, "**Type**: %s\n", f.RemediationType)
	}
	fmt.Fprintf(&b, "**Fingerprint**: `%s`\n\n", f.Fingerprint)
	if f.Body != "" {
		b.WriteString("### Details\n\n")
		b.WriteString(f.Body)
		b.WriteString("\n\n")
	}
	b.WriteString("---\n*Opened automatically by the campaign runner*\n")
	return b.String()
}
