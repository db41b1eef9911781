package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/sidlabs/sid/internal/campaign"
)

// WebhookPayload is the normalized representation of forge push/PR events.
type WebhookPayload struct {
	Event        string   `json:"event"` // "push", "pull_request"
	Forge        string   `json:"forge"`
	Ref          string   `json:"ref"`
	Repo         string   `json:"repo"` // "org/repo"
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// handleWebhook authenticates and parses a normalized forge event, then
// dispatches every matching campaign asynchronously.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if s.WebhookSecret != "" && !s.authenticateWebhook(r, body) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "parse: "+err.Error(), http.StatusBadRequest)
		return
	}
	if payload.Event == "" {
		payload.Event = r.Header.Get("X-GitHub-Event")
	}
	if payload.Event == "" || payload.Repo == "" {
		http.Error(w, "missing event or repo", http.StatusBadRequest)
		return
	}

	triggered := s.matchAndDispatch(payload)
	writeJSON(w, http.StatusOK, map[string]any{
		"triggered": triggered,
		"count":     len(triggered),
	})
}

// authenticateWebhook accepts either an HMAC-SHA256 signature header
// (sha256=<hex> over the raw body) or a header carrying the shared secret
// verbatim, compared in constant time.
func (s *Server) authenticateWebhook(r *http.Request, body []byte) bool {
	if sig := r.Header.Get("X-Hub-Signature-256"); sig != "" {
		sigHex, ok := strings.CutPrefix(sig, "sha256=")
		if !ok {
			return false
		}
		mac := hmac.New(sha256.New, []byte(s.WebhookSecret))
		mac.Write(body)
		expected := hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(sigHex), []byte(expected))
	}
	if token := r.Header.Get("X-Gitlab-Token"); token != "" {
		return hmac.Equal([]byte(token), []byte(s.WebhookSecret))
	}
	return false
}

// matchAndDispatch returns the IDs of campaigns triggered by the payload.
// A campaign matches when its trigger event equals the incoming event, one
// of its targets covers the repo ("*" is a wildcard), and — when path
// filters are set — at least one changed file matches a filter glob.
func (s *Server) matchAndDispatch(payload WebhookPayload) []string {
	triggered := []string{}
	for id, cam := range s.registry.All() {
		if cam.Trigger.Event != payload.Event {
			continue
		}
		if !targetsMatch(cam.Targets, payload.Repo) {
			continue
		}
		if len(cam.Trigger.PathFilters) > 0 && !pathFiltersMatch(cam.Trigger.PathFilters, payload.ChangedFiles) {
			continue
		}
		triggered = append(triggered, id)
		slog.Info("api.webhook_trigger", "campaign", id, "event", payload.Event, "repo", payload.Repo)
		s.dispatchAsync(cam, "webhook")
	}
	return triggered
}

func targetsMatch(targets []campaign.Target, repo string) bool {
	for _, t := range targets {
		if t.Repo == "*" || t.Org+"/"+t.Repo == repo {
			return true
		}
	}
	return false
}

// pathFiltersMatch reports whether any changed file matches any filter
// glob. Filters are matched against the full path and, for simple
// patterns, the basename.
func pathFiltersMatch(filters, changedFiles []string) bool {
	for _, pattern := range filters {
		for _, file := range changedFiles {
			if matched, err := filepath.Match(pattern, file); err == nil && matched {
				return true
			}
			if matched, err := filepath.Match(pattern, filepath.Base(file)); err == nil && matched {
				return true
			}
		}
	}
	return false
}
