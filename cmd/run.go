package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sidlabs/sid/internal/api"
	"github.com/sidlabs/sid/internal/campaign"
	"github.com/sidlabs/sid/internal/collector"
	"github.com/sidlabs/sid/internal/config"
	"github.com/sidlabs/sid/internal/dispatch"
	"github.com/sidlabs/sid/internal/feedback"
	"github.com/sidlabs/sid/internal/gateway"
	"github.com/sidlabs/sid/internal/ghapp"
	"github.com/sidlabs/sid/internal/publish"
	"github.com/sidlabs/sid/internal/router"
	"github.com/sidlabs/sid/internal/scheduler"
	"github.com/sidlabs/sid/internal/tracing"
)

func agentNames() []string { return config.Agents }

// runDaemon wires the runner and drives it until a signal arrives, or runs
// a single cycle / single campaign when --once / --campaign is given.
func runDaemon(cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, "campaign-runner")
	if err != nil {
		slog.Warn("tracing.init_failed", "error", err)
	} else {
		defer shutdownTracing(context.Background())
	}

	campaigns, err := campaign.LoadDir(cfg.CampaignsDir)
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	registry := campaign.NewRegistry(campaigns)

	gw := gateway.New(cfg.GatewayURL)
	if tools, err := gw.ListTools(ctx); err != nil {
		slog.Warn("gateway.tools_list_failed", "url", cfg.GatewayURL, "error", err)
	} else {
		slog.Info("gateway.connected", "url", cfg.GatewayURL, "tools", len(tools))
	}
	dispatcher := dispatch.New(gw, cfg.AgentURLs)
	coll := collector.New(gw)
	sched := scheduler.New(registry, dispatcher, coll)
	sched.SetKillStaleAfter(cfg.KillStaleAfter)

	wireForge(ctx, cfg, sched)

	// Single-campaign mode: run and exit, reporting failure via exit code.
	if campaignID != "" {
		cam, ok := registry.Get(campaignID)
		if !ok {
			return fmt.Errorf("campaign %q not found in registry", campaignID)
		}
		runCtx, cancel := context.WithTimeout(ctx, cam.MaxDuration())
		defer cancel()
		if err := sched.RunCampaign(runCtx, cam); err != nil {
			return fmt.Errorf("campaign %s: %w", campaignID, err)
		}
		return nil
	}

	if once {
		sched.RunDue(ctx, time.Now().UTC())
		return nil
	}

	sched.Startup(ctx)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Run(ctx, cfg.Interval)
		return nil
	})
	g.Go(func() error {
		registry.Watch(ctx, cfg.CampaignsDir)
		return nil
	})
	if cfg.APIPort > 0 {
		srv := api.NewServer(registry, sched)
		srv.WebhookSecret = cfg.WebhookSecret
		sched.OnResult = srv.RecordResult
		g.Go(func() error {
			return srv.ListenAndServe(ctx, fmt.Sprintf(":%d", cfg.APIPort))
		})
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// applyFlags lets explicitly set flags override file and env config.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if campaignsDir != "" {
		cfg.CampaignsDir = campaignsDir
	}
	if gatewayURL != "" {
		cfg.GatewayURL = gatewayURL
	}
	if interval != "" {
		cfg.IntervalStr = interval
		if d, err := time.ParseDuration(interval); err == nil {
			cfg.Interval = d
		}
	}
	if cmd.Flags().Changed("api-port") {
		cfg.APIPort = apiPort
	}
	for agent, url := range agentURLs {
		if url != nil && *url != "" {
			cfg.AgentURLs[agent] = *url
		}
	}
}

// wireForge sets up the bot identity and the forge-facing components. A
// runner without forge credentials still schedules and collects; it just
// cannot file feedback or publish.
func wireForge(ctx context.Context, cfg *config.Config, sched *scheduler.Scheduler) {
	token, provider := resolveForgeToken(ctx)
	if token == "" {
		slog.Info("forge.disabled", "reason", "no credentials configured")
		return
	}

	fb := feedback.New(token)
	sched.SetFeedback(fb)

	pub := publish.New(token, cfg.RepoOwner, cfg.RepoName)
	if err := pub.Init(ctx); err != nil {
		slog.Warn("publisher.init_failed", "error", err)
	} else {
		sched.SetPublisher(pub, router.New())
	}

	if provider != nil {
		provider.AddSink(fb)
		provider.AddSink(pub)
		sched.SetTokenProvider(provider)
		slog.Info("forge.app_token_refresh_enabled")
	}
}

// resolveForgeToken picks the bot credential in priority order: a
// pre-resolved installation token, App credentials (minting installation
// tokens with refresh), then a plain bearer token attributed to its owner.
func resolveForgeToken(ctx context.Context) (string, *ghapp.Provider) {
	if t := os.Getenv("GITHUB_APP_TOKEN"); t != "" {
		slog.Info("forge.token", "source", "pre-resolved installation token")
		return t, nil
	}

	if os.Getenv("GITHUB_APP_ID") != "" && os.Getenv("GITHUB_APP_PRIVATE_KEY") != "" {
		provider, err := ghapp.NewFromEnv()
		if err != nil {
			slog.Warn("forge.app_init_failed", "error", err)
		} else if token, err := provider.Token(ctx); err != nil {
			slog.Warn("forge.app_token_failed", "error", err)
		} else {
			slog.Info("forge.token", "source", "app installation token")
			return token, provider
		}
	}

	if t := os.Getenv("GITHUB_TOKEN"); t != "" {
		slog.Info("forge.token", "source", "bearer token")
		return t, nil
	}
	return "", nil
}
