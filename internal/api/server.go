// Package api exposes the runner's HTTP control surface: health, campaign
// listing, manual triggering, last-result status, and webhook ingestion.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidlabs/sid/internal/campaign"
)

// Runner is the slice of the scheduler the API server drives.
type Runner interface {
	RunCampaign(ctx context.Context, cam *campaign.Campaign) error
	MarkCompleted(campaignID string)
}

// Server handles the control endpoints and caches last results per
// campaign for /status.
type Server struct {
	registry *campaign.Registry
	runner   Runner

	// WebhookSecret authenticates /webhook posts when non-empty. Production
	// deployments must configure it; without a secret all posts are
	// accepted.
	WebhookSecret string

	mu          sync.Mutex
	lastResults map[string]*campaign.CampaignResult
}

// NewServer creates a Server over the given registry and runner.
func NewServer(registry *campaign.Registry, runner Runner) *Server {
	return &Server{
		registry:    registry,
		runner:      runner,
		lastResults: make(map[string]*campaign.CampaignResult),
	}
}

// Handler returns the route table as an http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /campaigns", s.handleCampaigns)
	mux.HandleFunc("POST /trigger", s.handleTrigger)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	return mux
}

// ListenAndServe starts the server on addr. Blocks until the context is
// cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	slog.Info("api.listening", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// RecordResult stores a result for /status. Installed as the scheduler's
// OnResult observer.
func (s *Server) RecordResult(result *campaign.CampaignResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResults[result.CampaignID] = result
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"service":        "campaign-runner",
		"campaign_count": s.registry.Len(),
	})
}

func (s *Server) handleCampaigns(w http.ResponseWriter, r *http.Request) {
	type campaignInfo struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Agent       string `json:"agent"`
		Schedule    string `json:"schedule,omitempty"`
		MaxDuration string `json:"max_duration"`
	}

	all := s.registry.All()
	campaigns := make([]campaignInfo, 0, len(all))
	for _, c := range all {
		campaigns = append(campaigns, campaignInfo{
			ID:          c.ID,
			Name:        c.Name,
			Agent:       c.Agent,
			Schedule:    c.Trigger.Schedule,
			MaxDuration: c.Guardrails.MaxDuration,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"campaigns": campaigns,
		"count":     len(campaigns),
	})
}

// handleTrigger dispatches a campaign asynchronously under a detached
// context and answers 202 immediately; the outcome is observable via
// /status.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	campaignID := r.URL.Query().Get("campaign")
	if campaignID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing 'campaign' query parameter"})
		return
	}
	cam, ok := s.registry.Get(campaignID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "campaign not found", "campaign_id": campaignID})
		return
	}

	s.dispatchAsync(cam, "manual")

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":      "accepted",
		"campaign_id": campaignID,
	})
}

// dispatchAsync runs a campaign in the background with a fresh context
// bounded by its max duration.
func (s *Server) dispatchAsync(cam *campaign.Campaign, reason string) {
	requestID := uuid.NewString()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cam.MaxDuration())
		defer cancel()
		slog.Info("api.dispatch", "campaign", cam.ID, "reason", reason, "request", requestID)
		if err := s.runner.RunCampaign(ctx, cam); err != nil {
			slog.Warn("api.dispatch_failed", "campaign", cam.ID, "request", requestID, "error", err)
			return
		}
		s.runner.MarkCompleted(cam.ID)
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if campaignID := r.URL.Query().Get("campaign"); campaignID != "" {
		result, ok := s.lastResults[campaignID]
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"campaign_id": campaignID,
				"status":      "no_runs",
			})
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": s.lastResults,
		"count":   len(s.lastResults),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
