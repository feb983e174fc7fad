// Command relay runs the multi-tier LLM orchestration substrate: the
// Event Bus, Agent Coordinator, Provider Router, Cost Tracker, Budget
// Enforcer, Tool Registry, Workflow Versioning/A-B testing, and the
// planner/coder/reviewer specialists, wired together and shut down
// gracefully on interrupt.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	relay "github.com/nevindra/relay"
	"github.com/nevindra/relay/code"
	"github.com/nevindra/relay/internal/config"
	"github.com/nevindra/relay/kv/memory"
	"github.com/nevindra/relay/observer"
	"github.com/nevindra/relay/provider/gemini"
)

func main() {
	cfg := config.Load(os.Getenv("RELAY_CONFIG_PATH"))
	logger := slog.Default()

	apiKey := cfg.LLM.APIKey
	if apiKey == "" {
		log.Fatal("RELAY_LLM_API_KEY is required")
	}

	store := memory.New()

	bus := relay.NewBus(cfg.Bus.HistoryCapacity, logger)
	coordinator := relay.NewCoordinator(bus)

	pricing := relay.CostTable{}
	for model, p := range cfg.Observer.Pricing {
		pricing[model] = struct{ InputPerM, OutputPerM float64 }{p.Input, p.Output}
	}

	var inst *observer.Instruments
	observerShutdown := func(context.Context) error { return nil }
	if cfg.Observer.Enabled {
		observerPricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			observerPricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		if len(observerPricing) == 0 {
			observerPricing = observer.DefaultPricing
		}
		var err error
		inst, observerShutdown, err = observer.Init(context.Background(), observerPricing)
		if err != nil {
			logger.Error("observer init failed, continuing unobserved", "error", err)
			inst = nil
			observerShutdown = func(context.Context) error { return nil }
		}
	}

	router := relay.NewRouter(func(requested, actual relay.Tier, provider string) {
		logger.Info("router failover", "requested", requested, "actual", actual, "provider", provider)
	}, logger)
	registerProviders(router, cfg, pricing, inst)

	tools := relay.NewToolRegistry()
	relay.RegisterCodeTools(tools, code.NewSubprocessRunner("python3"))

	tracker := relay.NewCostTracker(store)
	alerts := relay.NewAlertManager(store, func(ctx context.Context, userID string, utilization float64, period relay.Period) {
		logger.Warn("budget alert", "user_id", userID, "utilization", utilization, "period", period)
	})
	budget := relay.NewBudgetEnforcer(store, alerts, logger)

	defaultPeriod := relay.Period(cfg.Budget.DefaultPeriod)

	versions := relay.NewVersionManager(store)
	experiments := relay.NewABTestingManager(store, versions)
	_ = experiments // wired for admin/evaluation use; no request-path role for a single-model entrypoint yet

	planner := relay.NewPlannerAgent("planner-1", coordinator, router, tools, "", budget, tracker, pricing, defaultPeriod, logger)
	coder := relay.NewCoderAgent("coder-1", coordinator, router, tools, "", budget, tracker, pricing, defaultPeriod, logger)
	reviewer := relay.NewReviewerAgent("reviewer-1", coordinator, router, tools, "", budget, tracker, pricing, defaultPeriod, logger)
	planner.Start()
	coder.Start()
	reviewer.Start()

	shutdown := relay.NewShutdownManager(logger)
	shutdown.Register("stop-accepting", relay.PhaseStopAccepting, cfg.Shutdown.StopAcceptingTimeout, true, func(ctx context.Context) error {
		coordinator.StopAccepting()
		return nil
	})
	shutdown.Register("stop-specialists", relay.PhaseStopBackground, cfg.Shutdown.DrainTimeout, false, func(ctx context.Context) error {
		planner.Stop()
		coder.Stop()
		reviewer.Stop()
		return nil
	})
	shutdown.Register("cost-snapshot", relay.PhaseCleanup, cfg.Shutdown.CleanupTimeout, false, func(ctx context.Context) error {
		total, err := tracker.GetGlobalCost(ctx, defaultPeriod)
		if err != nil {
			return err
		}
		logger.Info("final cost state", "period", defaultPeriod, "total", total)
		return nil
	})
	shutdown.Register("observer", relay.PhaseCleanup, cfg.Shutdown.CleanupTimeout, false, func(ctx context.Context) error {
		return observerShutdown(ctx)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	logger.Info("relay orchestration substrate running")
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := shutdown.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown completed with errors", "error", err)
	}
}

func registerProviders(router *relay.Router, cfg config.Config, pricing relay.CostTable, inst *observer.Instruments) {
	model := cfg.LLM.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	var provider relay.Provider = gemini.New(cfg.LLM.APIKey, model)
	if inst != nil {
		provider = observer.WrapProvider(provider, model, inst)
	}

	router.Register(relay.ProviderConfig{
		Provider:            relay.NewRouterAdapter(provider, pricing),
		Tier:                relay.TierCloudCheap,
		Priority:            0,
		HealthCheckInterval: cfg.Router.HealthCheckInterval,
		BreakerThreshold:    cfg.Router.BreakerThreshold,
		BreakerCoolOff:      cfg.Router.BreakerCoolOff,
	})
}
