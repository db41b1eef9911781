// Package config holds the runner's own settings (as opposed to campaign
// definitions, which live in internal/campaign). Settings come from an
// optional JSON5 file overlaid with environment variables; command-line
// flags override both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"
)

// Agents lists the agent tags the runner knows how to reach. Each gets an
// --agent-url-<name> flag and a SID_AGENT_URL_<NAME> env var.
var Agents = []string{"hexstrike", "generalist", "upstream"}

// Config is the runner configuration.
type Config struct {
	// CampaignsDir contains index.json and the campaign definitions.
	CampaignsDir string `json:"campaignsDir"`
	// GatewayURL is the tool gateway base URL.
	GatewayURL string `json:"gatewayUrl"`
	// AgentURLs maps agent tags to sidecar base URLs. An empty value means
	// the agent is not configured.
	AgentURLs map[string]string `json:"agentUrls"`
	// IntervalStr is the scheduler cycle period as a duration string.
	IntervalStr string `json:"interval"`
	// APIPort is the control-surface port; 0 disables the API server.
	APIPort int `json:"apiPort"`

	// Publishing target repository.
	RepoOwner string `json:"repoOwner"`
	RepoName  string `json:"repoName"`

	// KillStaleAfterStr bounds how long an armed kill switch is honored
	// before being auto-cleared.
	KillStaleAfterStr string `json:"killStaleAfter"`

	// WebhookSecret authenticates /webhook posts. Production deployments
	// must set it; an empty secret accepts all posts. Env-only, never read
	// from the config file.
	WebhookSecret string `json:"-"`

	Interval       time.Duration `json:"-"`
	KillStaleAfter time.Duration `json:"-"`
}

// Default returns a Config with the deployment defaults.
func Default() *Config {
	return &Config{
		CampaignsDir:   "/etc/campaigns",
		GatewayURL:     "https://gateway:443",
		AgentURLs:      map[string]string{},
		Interval:       60 * time.Second,
		APIPort:        8081,
		RepoOwner:      "sidlabs",
		RepoName:       "sid",
		KillStaleAfter: 6 * time.Hour,
	}
}

// Load reads config from an optional JSON5 file and overlays env vars. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// env overlay only
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnvOverrides()

	if cfg.IntervalStr != "" {
		if d, err := time.ParseDuration(cfg.IntervalStr); err == nil && d > 0 {
			cfg.Interval = d
		}
	}
	if cfg.KillStaleAfterStr != "" {
		if d, err := time.ParseDuration(cfg.KillStaleAfterStr); err == nil && d > 0 {
			cfg.KillStaleAfter = d
		}
	}
	if cfg.AgentURLs == nil {
		cfg.AgentURLs = map[string]string{}
	}
	// Known agents always have an entry, empty when no URL is set, so their
	// runs report "not configured" instead of falling through to direct mode.
	for _, agent := range Agents {
		if _, ok := cfg.AgentURLs[agent]; !ok {
			cfg.AgentURLs[agent] = ""
		}
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env takes precedence
// over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("SID_CAMPAIGNS_DIR", &c.CampaignsDir)
	envStr("SID_GATEWAY_URL", &c.GatewayURL)
	envStr("SID_INTERVAL", &c.IntervalStr)
	envStr("SID_KILL_STALE_AFTER", &c.KillStaleAfterStr)
	envStr("GITHUB_REPO_OWNER", &c.RepoOwner)
	envStr("GITHUB_REPO_NAME", &c.RepoName)
	envStr("SID_WEBHOOK_SECRET", &c.WebhookSecret)

	if v := os.Getenv("SID_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port >= 0 {
			c.APIPort = port
		}
	}

	if c.AgentURLs == nil {
		c.AgentURLs = map[string]string{}
	}
	for _, agent := range Agents {
		if v := os.Getenv("SID_AGENT_URL_" + strings.ToUpper(agent)); v != "" {
			c.AgentURLs[agent] = v
		}
	}
}
