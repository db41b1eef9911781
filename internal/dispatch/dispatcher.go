// Package dispatch routes a campaign to its executor: either a named agent
// sidecar (POST the campaign, poll /status) or the gateway itself, firing
// the campaign's tool list directly.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/sidlabs/sid/internal/campaign"
)

// AgentDirect is the agent tag for direct gateway fan-out.
const AgentDirect = "gateway-direct"

// BudgetExceededMarker prefixes the dispatch error when a token budget is
// blown. The scheduler maps it to the budget_exceeded status by substring,
// so downstream dashboards keyed on the phrase keep working.
const BudgetExceededMarker = "budget exceeded"

// ToolCaller is the slice of the gateway client used for direct fan-out.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// Result is the dispatcher's outcome contract. Malformed agent output is
// coerced field-by-field to zero values, never rejected.
type Result struct {
	ToolCalls  int
	TokensUsed int
	KPIs       map[string]any
	ToolTrace  []campaign.ToolTraceEntry
	Findings   []campaign.Finding
	Error      string
}

// Dispatcher owns the HTTP clients used to reach agents and the gateway.
type Dispatcher struct {
	gw         ToolCaller
	agentURLs  map[string]string
	httpClient *http.Client

	// pollInterval is how often agent /status is polled. Tests shorten it.
	pollInterval time.Duration
}

// New creates a Dispatcher. agentURLs maps agent tags to sidecar base URLs;
// an empty entry means the agent is not configured, and a tag absent from the
// map runs in direct fan-out mode.
func New(gw ToolCaller, agentURLs map[string]string) *Dispatcher {
	return &Dispatcher{
		gw:           gw,
		agentURLs:    agentURLs,
		httpClient:   &http.Client{Timeout: 2 * time.Minute},
		pollInterval: 5 * time.Second,
	}
}

// SetPollInterval overrides the agent status polling cadence.
func (d *Dispatcher) SetPollInterval(interval time.Duration) {
	d.pollInterval = interval
}

// Dispatch executes a campaign and returns its outcome. A returned error
// means the dispatch itself could not be carried out (transport failure);
// tool-level and agent-level failures are reported on Result.Error.
func (d *Dispatcher) Dispatch(ctx context.Context, cam *campaign.Campaign, runID string) (*Result, error) {
	if cam.Agent == "" || cam.Agent == AgentDirect {
		return d.dispatchDirect(ctx, cam, runID)
	}
	if url, ok := d.agentURLs[cam.Agent]; ok {
		if url == "" {
			return &Result{Error: fmt.Sprintf("agent %s not configured", cam.Agent)}, nil
		}
		if err := d.probeAgent(ctx, url); err != nil {
			return &Result{Error: fmt.Sprintf("agent %s unavailable: %v", cam.Agent, err)}, nil
		}
		return d.dispatchToAgent(ctx, cam, runID, url)
	}
	// Unknown tags fall through to the gateway so experimental campaigns
	// still run their tool lists.
	return d.dispatchDirect(ctx, cam, runID)
}

// probeAgent fails fast when the agent sidecar is unreachable.
func (d *Dispatcher) probeAgent(ctx context.Context, agentURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %d", resp.StatusCode)
	}
	return nil
}

// dispatchToAgent posts the campaign to the sidecar and polls for the
// outcome.
func (d *Dispatcher) dispatchToAgent(ctx context.Context, cam *campaign.Campaign, runID, agentURL string) (*Result, error) {
	body, err := json.Marshal(map[string]any{"campaign": cam, "run_id": runID})
	if err != nil {
		return nil, fmt.Errorf("marshal campaign: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL+"/campaign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch to agent: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(respBody))
	}

	slog.Info("dispatch.agent_accepted", "campaign", cam.ID, "run", runID, "agent", cam.Agent)
	return d.pollAgentStatus(ctx, cam, agentURL)
}

// agentStatus is the sidecar's /status payload. Agent implementations vary;
// every field is optional and coerces to its zero value.
type agentStatus struct {
	Status     string `json:"status"`
	LastResult *struct {
		Status     string                    `json:"status"`
		ToolCalls  int                       `json:"tool_calls"`
		TokensUsed int                       `json:"tokens_used"`
		KPIs       map[string]any            `json:"kpis"`
		ToolTrace  []campaign.ToolTraceEntry `json:"tool_trace"`
		Findings   []campaign.Finding        `json:"findings"`
		Error      string                    `json:"error"`
	} `json:"last_result"`
}

// pollAgentStatus polls the agent until it reports anything other than
// "running", or the run context expires.
func (d *Dispatcher) pollAgentStatus(ctx context.Context, cam *campaign.Campaign, agentURL string) (*Result, error) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &Result{Error: "context expired while waiting for agent"}, nil
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, agentURL+"/status", nil)
			if err != nil {
				continue
			}
			resp, err := d.httpClient.Do(req)
			if err != nil {
				slog.Warn("dispatch.status_poll_error", "campaign", cam.ID, "error", err)
				continue
			}

			var status agentStatus
			decodeErr := json.NewDecoder(resp.Body).Decode(&status)
			resp.Body.Close()
			if decodeErr != nil {
				continue
			}
			if status.Status == "running" {
				continue
			}

			result := &Result{KPIs: map[string]any{}}
			if last := status.LastResult; last != nil {
				result.ToolCalls = last.ToolCalls
				result.TokensUsed = last.TokensUsed
				if last.KPIs != nil {
					result.KPIs = last.KPIs
				}
				result.ToolTrace = last.ToolTrace
				result.Findings = last.Findings
				result.Error = last.Error
			}
			return result, nil
		}
	}
}

// dispatchDirect fires the campaign's tool list sequentially through the
// gateway. Individual tool failures are traced and skipped; only context
// cancellation or a blown budget stops the loop early. Response byte
// lengths accumulate as the token-usage proxy.
func (d *Dispatcher) dispatchDirect(ctx context.Context, cam *campaign.Campaign, runID string) (*Result, error) {
	result := &Result{KPIs: map[string]any{}}

	var budget int
	if cam.Guardrails.AIApiBudget != nil {
		budget = cam.Guardrails.AIApiBudget.MaxTokens
	}

	tracer := otel.Tracer("sid/dispatch")
	for _, toolName := range cam.Tools {
		if ctx.Err() != nil {
			result.Error = fmt.Sprintf("context cancelled after %d tool calls", result.ToolCalls)
			break
		}

		callCtx, span := tracer.Start(ctx, "tools/call")
		span.SetAttributes(
			attribute.String("campaign.id", cam.ID),
			attribute.String("tool.name", toolName),
		)
		text, err := d.gw.CallTool(callCtx, toolName, map[string]any{
			"_campaign_id": cam.ID,
			"_run_id":      runID,
		})
		span.End()
		result.ToolCalls++

		entry := campaign.ToolTraceEntry{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Tool:      toolName,
		}
		if err != nil {
			entry.Summary = err.Error()
			entry.IsError = true
			result.ToolTrace = append(result.ToolTrace, entry)
			slog.Warn("dispatch.tool_error", "campaign", cam.ID, "tool", toolName, "error", err)
			continue
		}
		result.TokensUsed += len(text)
		entry.Summary = fmt.Sprintf("%d bytes", len(text))
		result.ToolTrace = append(result.ToolTrace, entry)

		if budget > 0 && result.TokensUsed > budget {
			result.Error = fmt.Sprintf("%s: %d tokens used, budget %d", BudgetExceededMarker, result.TokensUsed, budget)
			slog.Warn("dispatch.budget_exceeded", "campaign", cam.ID, "used", result.TokensUsed, "budget", budget)
			break
		}
	}

	return result, nil
}
