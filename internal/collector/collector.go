// Package collector persists campaign results and the global kill switch
// in the secret store, reached through the gateway's secret-store tools.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sidlabs/sid/internal/campaign"
)

// ToolCaller is the slice of the gateway client the collector needs.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

const (
	getTool = "secret-store-get"
	putTool = "secret-store-put"

	// KillSwitchKey is the secret holding the global halt flag. The value
	// "true" halts all runs; anything else (including absence) proceeds.
	KillSwitchKey = "campaigns/global-kill"
)

// Collector stores and retrieves durable campaign state.
type Collector struct {
	gw ToolCaller
}

// New creates a Collector on top of the given gateway client.
func New(gw ToolCaller) *Collector {
	return &Collector{gw: gw}
}

// StoreResult persists a campaign result at <setecKey>/latest and a
// historical copy at <setecKey>/runs/<run-id>. The history write is
// best-effort; only a /latest failure is reported.
func (c *Collector) StoreResult(ctx context.Context, cam *campaign.Campaign, result *campaign.CampaignResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	latestKey := cam.Outputs.SetecKey + "/latest"
	if _, err := c.gw.CallTool(ctx, putTool, map[string]any{"name": latestKey, "value": string(data)}); err != nil {
		return fmt.Errorf("secret-store put %s: %w", latestKey, err)
	}

	historyKey := fmt.Sprintf("%s/runs/%s", cam.Outputs.SetecKey, result.RunID)
	if _, err := c.gw.CallTool(ctx, putTool, map[string]any{"name": historyKey, "value": string(data)}); err != nil {
		slog.Warn("collector.history_store_failed", "campaign", cam.ID, "key", historyKey, "error", err)
	}
	return nil
}

// PreviousFindings returns the findings of the last stored result for the
// campaign, or nil when there is no usable previous result.
func (c *Collector) PreviousFindings(ctx context.Context, cam *campaign.Campaign) []campaign.Finding {
	text, err := c.gw.CallTool(ctx, getTool, map[string]any{"name": cam.Outputs.SetecKey + "/latest"})
	if err != nil {
		return nil
	}
	var prev campaign.CampaignResult
	if err := json.Unmarshal([]byte(text), &prev); err != nil {
		return nil
	}
	return prev.Findings
}

// KillSwitchActive reports whether the global kill switch is set. A missing
// key reads as inactive.
func (c *Collector) KillSwitchActive(ctx context.Context) (bool, error) {
	text, err := c.gw.CallTool(ctx, getTool, map[string]any{"name": KillSwitchKey})
	if err != nil {
		// Key not found means the switch was never armed.
		return false, nil
	}
	return text == "true", nil
}

// ClearKillSwitch disarms the global kill switch.
func (c *Collector) ClearKillSwitch(ctx context.Context) error {
	_, err := c.gw.CallTool(ctx, putTool, map[string]any{"name": KillSwitchKey, "value": "false"})
	return err
}
