// Package scheduler drives campaign execution: it evaluates triggers on an
// interval, runs due campaigns through the dispatcher, and fans results out
// to the collector, feedback handler, publisher, and finding router.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sidlabs/sid/internal/campaign"
	"github.com/sidlabs/sid/internal/cron"
	"github.com/sidlabs/sid/internal/dispatch"
	"github.com/sidlabs/sid/internal/router"
)

// ErrKillSwitchActive is returned by RunCampaign when the global kill
// switch refuses the dispatch. No result is recorded in that case.
var ErrKillSwitchActive = errors.New("global kill switch active")

// SmokeTestCampaignID is the well-known campaign run once after startup to
// validate the gateway, secret store, and dispatch pipeline.
const SmokeTestCampaignID = "gateway-health"

// DefaultKillStaleAfter bounds how long an armed kill switch is honored
// before the scheduler assumes it was forgotten and auto-clears it.
const DefaultKillStaleAfter = 6 * time.Hour

// Dispatcher executes a campaign and reports its outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, cam *campaign.Campaign, runID string) (*dispatch.Result, error)
}

// Collector persists results and owns the kill switch.
type Collector interface {
	StoreResult(ctx context.Context, cam *campaign.Campaign, result *campaign.CampaignResult) error
	PreviousFindings(ctx context.Context, cam *campaign.Campaign) []campaign.Finding
	KillSwitchActive(ctx context.Context) (bool, error)
	ClearKillSwitch(ctx context.Context) error
}

// FeedbackHandler files issues and remediation PRs for findings.
type FeedbackHandler interface {
	ProcessFindings(ctx context.Context, cam *campaign.Campaign, findings, previous []campaign.Finding) error
	ProcessPRs(ctx context.Context, cam *campaign.Campaign, findings []campaign.Finding) error
}

// Publisher posts results as Discussions.
type Publisher interface {
	Publish(ctx context.Context, cam *campaign.Campaign, result *campaign.CampaignResult) (url, discussionID string, err error)
	AddComment(ctx context.Context, discussionID, body string) error
}

// TokenProvider refreshes the bot credential before each run.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Scheduler owns the registry reference and the per-process completion set.
type Scheduler struct {
	registry   *campaign.Registry
	dispatcher Dispatcher
	collector  Collector

	feedback  FeedbackHandler // optional
	publisher Publisher       // optional
	router    *router.Router  // optional
	tokens    TokenProvider   // optional

	// OnResult is invoked after each recorded run. The API server installs
	// itself here to populate the /status cache.
	OnResult func(*campaign.CampaignResult)

	// completed tracks campaign IDs that have finished a run in this
	// process. It grows monotonically: once a dependency has fired,
	// downstream campaigns stay eligible for the process lifetime.
	// MarkCompleted is reachable from API goroutines, hence the mutex.
	completedMu sync.Mutex
	completed   map[string]bool

	killStaleAfter time.Duration
	killMu         sync.Mutex
	killFirstSeen  time.Time
}

// New creates a Scheduler over the given registry and required
// collaborators.
func New(registry *campaign.Registry, dispatcher Dispatcher, collector Collector) *Scheduler {
	return &Scheduler{
		registry:       registry,
		dispatcher:     dispatcher,
		collector:      collector,
		completed:      make(map[string]bool),
		killStaleAfter: DefaultKillStaleAfter,
	}
}

// SetFeedback wires the optional feedback handler.
func (s *Scheduler) SetFeedback(f FeedbackHandler) { s.feedback = f }

// SetPublisher wires the optional publisher and finding router.
func (s *Scheduler) SetPublisher(p Publisher, r *router.Router) {
	s.publisher = p
	s.router = r
}

// SetTokenProvider wires the optional installation-token provider.
func (s *Scheduler) SetTokenProvider(t TokenProvider) { s.tokens = t }

// SetKillStaleAfter overrides the kill-switch staleness bound.
func (s *Scheduler) SetKillStaleAfter(d time.Duration) { s.killStaleAfter = d }

// Run drives RunDue immediately and then on every interval tick until the
// context is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	slog.Info("scheduler.started", "interval", interval, "campaigns", s.registry.Len())
	s.RunDue(ctx, time.Now().UTC())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, time.Now().UTC())
		}
	}
}

// RunDue evaluates every campaign against now in two passes: independent
// campaigns first, then dependency-gated ones whose dependencies are in the
// completion set. Campaigns run serially within a cycle to bound external
// load.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) {
	campaigns := s.registry.All()

	// Pass 1: independent campaigns.
	for id, cam := range campaigns {
		if len(cam.Trigger.DependsOn) > 0 {
			continue
		}
		if !s.isDue(cam, now) {
			continue
		}
		slog.Info("scheduler.trigger", "campaign", id, "pass", 1)
		s.runWithTimeout(ctx, cam)
	}

	// Pass 2: dependency-gated campaigns.
	for id, cam := range campaigns {
		if len(cam.Trigger.DependsOn) == 0 {
			continue
		}
		if !s.dependenciesMet(cam) {
			continue
		}
		slog.Info("scheduler.trigger", "campaign", id, "pass", 2)
		s.runWithTimeout(ctx, cam)
	}
}

func (s *Scheduler) runWithTimeout(ctx context.Context, cam *campaign.Campaign) {
	runCtx, cancel := context.WithTimeout(ctx, cam.MaxDuration())
	defer cancel()
	if err := s.RunCampaign(runCtx, cam); err != nil {
		slog.Warn("scheduler.run_failed", "campaign", cam.ID, "error", err)
		return
	}
	s.MarkCompleted(cam.ID)
}

// MarkCompleted records a campaign as completed for dependency evaluation.
// Used by external triggers that bypass RunDue.
func (s *Scheduler) MarkCompleted(campaignID string) {
	s.completedMu.Lock()
	s.completed[campaignID] = true
	s.completedMu.Unlock()
}

// isDue reports whether a campaign's trigger fires at now.
func (s *Scheduler) isDue(cam *campaign.Campaign, now time.Time) bool {
	trigger := cam.Trigger

	// Manual-only campaigns never auto-trigger.
	if trigger.Schedule == "" && trigger.Event == "manual" {
		return false
	}
	// Forge events are dispatched by the webhook endpoint, not by cron.
	if trigger.Event == "push" || trigger.Event == "pull_request" {
		return false
	}
	// Dependent campaigns belong to pass 2.
	if len(trigger.DependsOn) > 0 {
		return false
	}
	if trigger.Schedule != "" {
		return cron.Matches(trigger.Schedule, now)
	}
	return false
}

func (s *Scheduler) dependenciesMet(cam *campaign.Campaign) bool {
	s.completedMu.Lock()
	defer s.completedMu.Unlock()
	for _, dep := range cam.Trigger.DependsOn {
		if !s.completed[dep] {
			return false
		}
	}
	return true
}

// RunCampaign executes a single campaign end-to-end: guardrail checks,
// dispatch, status mapping, persistence, and the post-run pipeline
// (feedback, publication, handoff routing). A non-nil error means no
// meaningful dispatch happened; partial outcomes are recorded as results.
func (s *Scheduler) RunCampaign(ctx context.Context, cam *campaign.Campaign) error {
	if s.tokens != nil {
		if _, err := s.tokens.Token(ctx); err != nil {
			slog.Warn("scheduler.token_refresh_failed", "campaign", cam.ID, "error", err)
		}
	}

	runID := fmt.Sprintf("%s-%d", cam.ID, time.Now().Unix())
	slog.Info("scheduler.run_starting", "campaign", cam.ID, "run", runID, "agent", cam.Agent)

	if s.killSwitchBlocks(ctx, cam.ID) {
		return ErrKillSwitchActive
	}

	ctx, span := otel.Tracer("sid/scheduler").Start(ctx, "campaign.run")
	span.SetAttributes(
		attribute.String("campaign.id", cam.ID),
		attribute.String("campaign.run_id", runID),
		attribute.String("campaign.agent", cam.Agent),
	)
	defer span.End()

	result := &campaign.CampaignResult{
		CampaignID: cam.ID,
		RunID:      runID,
		Agent:      cam.Agent,
		StartedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	outcome, err := s.dispatcher.Dispatch(ctx, cam, runID)
	if err != nil {
		result.Status = campaign.StatusError
		result.Error = err.Error()
		result.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		span.SetAttributes(attribute.String("campaign.status", result.Status))
		s.storeResult(ctx, cam, result)
		return err
	}

	result.ToolCalls = outcome.ToolCalls
	result.TokensUsed = outcome.TokensUsed
	result.KPIs = outcome.KPIs
	result.ToolTrace = outcome.ToolTrace
	result.Findings = outcome.Findings

	switch {
	case ctx.Err() != nil:
		result.Status = campaign.StatusTimeout
		result.Error = ctx.Err().Error()
	case strings.Contains(outcome.Error, dispatch.BudgetExceededMarker):
		result.Status = campaign.StatusBudgetExceeded
		result.Error = outcome.Error
	case outcome.Error != "":
		result.Status = campaign.StatusFailure
		result.Error = outcome.Error
	default:
		result.Status = campaign.StatusSuccess
	}
	result.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	span.SetAttributes(attribute.String("campaign.status", result.Status))

	slog.Info("scheduler.run_finished",
		"campaign", cam.ID, "run", runID,
		"status", result.Status, "tool_calls", result.ToolCalls, "tokens", result.TokensUsed,
	)

	// Recall the previous findings before /latest is overwritten; the
	// close-resolved diff needs the prior run's view.
	var previous []campaign.Finding
	if s.feedback != nil && cam.Feedback.CloseResolvedIssues {
		previous = s.collector.PreviousFindings(ctx, cam)
	}

	s.storeResult(ctx, cam, result)
	s.processFeedback(ctx, cam, result, previous)
	s.publishResult(ctx, cam, result)

	if s.OnResult != nil {
		s.OnResult(result)
	}
	return nil
}

// storeResult persists the result. Persistence failure is logged; the run
// still reaches the in-memory cache via OnResult.
func (s *Scheduler) storeResult(ctx context.Context, cam *campaign.Campaign, result *campaign.CampaignResult) {
	// A timed-out run context can no longer carry I/O.
	storeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		storeCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
	}
	if err := s.collector.StoreResult(storeCtx, cam, result); err != nil {
		slog.Warn("scheduler.store_failed", "campaign", cam.ID, "run", result.RunID, "error", err)
	}
	if result.Status == campaign.StatusError && s.OnResult != nil {
		s.OnResult(result)
	}
}

func (s *Scheduler) processFeedback(ctx context.Context, cam *campaign.Campaign, result *campaign.CampaignResult, previous []campaign.Finding) {
	if s.feedback == nil {
		return
	}
	if cam.Feedback.CreateIssues {
		if err := s.feedback.ProcessFindings(ctx, cam, result.Findings, previous); err != nil {
			slog.Warn("scheduler.feedback_failed", "campaign", cam.ID, "error", err)
		}
	}
	if cam.Feedback.CreatePRs {
		if err := s.feedback.ProcessPRs(ctx, cam, result.Findings); err != nil {
			slog.Warn("scheduler.pr_feedback_failed", "campaign", cam.ID, "error", err)
		}
	}
}

// publishResult posts the Discussion and, strictly afterwards, delivers
// handoff metadata for routed findings as Discussion comments.
func (s *Scheduler) publishResult(ctx context.Context, cam *campaign.Campaign, result *campaign.CampaignResult) {
	if s.publisher == nil || !cam.Feedback.ShouldPublish(result.Status) {
		return
	}
	url, discussionID, err := s.publisher.Publish(ctx, cam, result)
	if err != nil {
		slog.Warn("scheduler.publish_failed", "campaign", cam.ID, "error", err)
		return
	}
	result.DiscussionURL = url

	if s.router == nil {
		return
	}
	for _, routed := range s.router.Route(cam, result.RunID, result.Findings) {
		body := fmt.Sprintf("**Handoff** → `%s` (labels: %s)\n%s",
			routed.TargetAgent, strings.Join(routed.Labels, ", "), router.FormatMeta(routed.Meta))
		if err := s.publisher.AddComment(ctx, discussionID, body); err != nil {
			slog.Warn("scheduler.handoff_comment_failed",
				"campaign", cam.ID, "target", routed.TargetAgent, "error", err)
		}
	}
}

// killSwitchBlocks checks the global kill switch, auto-clearing it when it
// has been armed longer than the staleness bound.
func (s *Scheduler) killSwitchBlocks(ctx context.Context, campaignID string) bool {
	active, err := s.collector.KillSwitchActive(ctx)
	if err != nil {
		slog.Warn("scheduler.kill_check_failed", "campaign", campaignID, "error", err)
		return false
	}

	s.killMu.Lock()
	defer s.killMu.Unlock()

	if !active {
		s.killFirstSeen = time.Time{}
		return false
	}

	now := time.Now()
	if s.killFirstSeen.IsZero() {
		s.killFirstSeen = now
	}
	if now.Sub(s.killFirstSeen) > s.killStaleAfter {
		slog.Warn("scheduler.kill_switch_stale", "armed_for", now.Sub(s.killFirstSeen), "action", "auto-clear")
		if err := s.collector.ClearKillSwitch(ctx); err != nil {
			slog.Warn("scheduler.kill_clear_failed", "error", err)
			return true
		}
		s.killFirstSeen = time.Time{}
		return false
	}

	slog.Info("scheduler.kill_switch_active", "campaign", campaignID)
	return true
}

// Startup clears a kill switch left armed by a previous deployment and runs
// the post-deploy smoke test when its campaign is loaded. Failures are
// logged, never fatal.
func (s *Scheduler) Startup(ctx context.Context) {
	if active, err := s.collector.KillSwitchActive(ctx); err != nil {
		slog.Warn("scheduler.startup_kill_check_failed", "error", err)
	} else if active {
		slog.Warn("scheduler.startup_kill_clear", "reason", "kill switch armed from previous deployment")
		if err := s.collector.ClearKillSwitch(ctx); err != nil {
			slog.Warn("scheduler.startup_kill_clear_failed", "error", err)
		}
	}

	if smoke, ok := s.registry.Get(SmokeTestCampaignID); ok {
		slog.Info("scheduler.smoke_test", "campaign", SmokeTestCampaignID)
		smokeCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := s.RunCampaign(smokeCtx, smoke); err != nil {
			slog.Warn("scheduler.smoke_test_failed", "error", err)
		}
	}
}
