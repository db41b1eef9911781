package api

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sidlabs/sid/internal/campaign"
)

func webhookServer() (*Server, *fakeRunner) {
	registry := campaign.NewRegistry(map[string]*campaign.Campaign{
		"ci-watch": {
			ID:      "ci-watch",
			Trigger: campaign.Trigger{Event: "push", PathFilters: []string{"*.yaml", "deploy/*"}},
			Targets: []campaign.Target{{Forge: "github", Org: "acme", Repo: "app"}},
		},
		"pr-review": {
			ID:      "pr-review",
			Trigger: campaign.Trigger{Event: "pull_request"},
			Targets: []campaign.Target{{Forge: "github", Org: "acme", Repo: "*"}},
		},
		"nightly": {
			ID:      "nightly",
			Trigger: campaign.Trigger{Schedule: "0 4 * * *"},
			Targets: []campaign.Target{{Forge: "github", Org: "acme", Repo: "app"}},
		},
	})
	runner := newFakeRunner()
	return NewServer(registry, runner), runner
}

func postWebhook(t *testing.T, srv *Server, payload WebhookPayload, modify func(*http.Request)) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if modify != nil {
		modify(req)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var decoded map[string]any
	json.Unmarshal(rec.Body.Bytes(), &decoded)
	return rec, decoded
}

func triggeredIDs(body map[string]any) []string {
	raw, _ := body["triggered"].([]any)
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		ids = append(ids, v.(string))
	}
	return ids
}

func TestWebhookPushWithPathFilter(t *testing.T) {
	srv, runner := webhookServer()
	rec, body := postWebhook(t, srv, WebhookPayload{
		Event:        "push",
		Repo:         "acme/app",
		ChangedFiles: []string{"deploy/prod.yaml"},
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ids := triggeredIDs(body); len(ids) != 1 || ids[0] != "ci-watch" {
		t.Fatalf("triggered = %v", ids)
	}
	runner.waitFor(t, "ci-watch")
}

func TestWebhookPathFilterMiss(t *testing.T) {
	srv, _ := webhookServer()
	_, body := postWebhook(t, srv, WebhookPayload{
		Event:        "push",
		Repo:         "acme/app",
		ChangedFiles: []string{"README.md"},
	}, nil)
	if ids := triggeredIDs(body); len(ids) != 0 {
		t.Errorf("triggered = %v, want none", ids)
	}
}

// Non-empty path filters with no changed files reported: no match.
func TestWebhookPathFilterEmptyChangedFiles(t *testing.T) {
	srv, _ := webhookServer()
	_, body := postWebhook(t, srv, WebhookPayload{Event: "push", Repo: "acme/app"}, nil)
	if ids := triggeredIDs(body); len(ids) != 0 {
		t.Errorf("triggered = %v, want none", ids)
	}
}

func TestWebhookWildcardRepo(t *testing.T) {
	srv, runner := webhookServer()
	_, body := postWebhook(t, srv, WebhookPayload{Event: "pull_request", Repo: "acme/anything"}, nil)
	if ids := triggeredIDs(body); len(ids) != 1 || ids[0] != "pr-review" {
		t.Fatalf("triggered = %v", ids)
	}
	runner.waitFor(t, "pr-review")
}

func TestWebhookRepoMismatch(t *testing.T) {
	srv, _ := webhookServer()
	_, body := postWebhook(t, srv, WebhookPayload{
		Event:        "push",
		Repo:         "other/app",
		ChangedFiles: []string{"deploy/x"},
	}, nil)
	if ids := triggeredIDs(body); len(ids) != 0 {
		t.Errorf("triggered = %v", ids)
	}
}

// Cron-only campaigns cannot be webhook-triggered.
func TestWebhookCronOnlyNotTriggered(t *testing.T) {
	srv, _ := webhookServer()
	_, body := postWebhook(t, srv, WebhookPayload{Event: "schedule", Repo: "acme/app"}, nil)
	if ids := triggeredIDs(body); len(ids) != 0 {
		t.Errorf("triggered = %v", ids)
	}
}

func TestWebhookEventFromHeader(t *testing.T) {
	srv, runner := webhookServer()
	_, body := postWebhook(t, srv, WebhookPayload{Repo: "acme/whatever"}, func(req *http.Request) {
		req.Header.Set("X-GitHub-Event", "pull_request")
	})
	if ids := triggeredIDs(body); len(ids) != 1 || ids[0] != "pr-review" {
		t.Fatalf("triggered = %v", ids)
	}
	runner.waitFor(t, "pr-review")
}

func TestWebhookMissingFields(t *testing.T) {
	srv, _ := webhookServer()
	rec, _ := postWebhook(t, srv, WebhookPayload{Event: "push"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func signed(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookHMAC(t *testing.T) {
	srv, runner := webhookServer()
	srv.WebhookSecret = "shh"

	payload := WebhookPayload{Event: "pull_request", Repo: "acme/app"}
	body, _ := json.Marshal(payload)

	// Valid signature passes.
	rec, decoded := postWebhook(t, srv, payload, func(req *http.Request) {
		req.Header.Set("X-Hub-Signature-256", signed("shh", body))
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid signature: status = %d", rec.Code)
	}
	if ids := triggeredIDs(decoded); len(ids) != 1 {
		t.Fatalf("triggered = %v", ids)
	}
	runner.waitFor(t, "pr-review")

	// Wrong signature rejected.
	rec, _ = postWebhook(t, srv, payload, func(req *http.Request) {
		req.Header.Set("X-Hub-Signature-256", signed("wrong", body))
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("invalid signature: status = %d, want 403", rec.Code)
	}

	// No auth header at all rejected.
	rec, _ = postWebhook(t, srv, payload, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("missing signature: status = %d, want 403", rec.Code)
	}
}

func TestWebhookVerbatimToken(t *testing.T) {
	srv, runner := webhookServer()
	srv.WebhookSecret = "shh"

	payload := WebhookPayload{Event: "pull_request", Repo: "acme/app"}

	rec, _ := postWebhook(t, srv, payload, func(req *http.Request) {
		req.Header.Set("X-Gitlab-Token", "shh")
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d", rec.Code)
	}
	runner.waitFor(t, "pr-review")

	rec, _ = postWebhook(t, srv, payload, func(req *http.Request) {
		req.Header.Set("X-Gitlab-Token", "nope")
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong token: status = %d, want 403", rec.Code)
	}
}

func TestWebhookNoSecretAcceptsAll(t *testing.T) {
	srv, runner := webhookServer()
	rec, _ := postWebhook(t, srv, WebhookPayload{Event: "pull_request", Repo: "acme/app"}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	runner.waitFor(t, "pr-review")
}

func TestPathFiltersMatch(t *testing.T) {
	tests := []struct {
		name    string
		filters []string
		files   []string
		want    bool
	}{
		{"exact glob", []string{"*.yaml"}, []string{"config.yaml"}, true},
		{"dir glob", []string{"deploy/*"}, []string{"deploy/prod.yaml"}, true},
		{"basename fallback", []string{"*.yaml"}, []string{"nested/dir/config.yaml"}, true},
		{"no match", []string{"*.yaml"}, []string{"main.go"}, false},
		{"empty files", []string{"*.yaml"}, nil, false},
		{"second filter hits", []string{"*.md", "*.go"}, []string{"main.go"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pathFiltersMatch(tt.filters, tt.files); got != tt.want {
				t.Errorf("pathFiltersMatch(%v, %v) = %v, want %v", tt.filters, tt.files, got, tt.want)
			}
		})
	}
}
