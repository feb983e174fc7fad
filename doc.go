// Package relay is a multi-tier LLM orchestration substrate: it routes
// chat completions across cost/latency tiers with failover, meters and
// caps spend per user and period, coordinates specialist agents over an
// in-process event bus, and drains cleanly on shutdown.
//
// # Request path
//
// A specialist agent's call to an LLM flows:
//
//	Caller -> Agent.CallLLM -> Budget.CheckBudget -> Router.ChatCompletion
//	       -> Provider driver -> Cost.TrackCost / Budget.DeductBudget -> response
//
// The Router selects a healthy Provider for the requested Tier, retrying
// the next priority provider within the tier and failing over to a
// better tier when every provider in the requested one is unhealthy or
// tripped. BudgetEnforcer gates the call before it is made; CostTracker
// and BudgetEnforcer both reconcile the ledger against the provider's
// reported token usage once the call returns.
//
// # Core interfaces
//
//   - [Provider] — an LLM backend: single-shot chat, tool-augmented
//     chat, and typed-event streaming (provider/gemini,
//     provider/openaicompat)
//   - [RoutableProvider] — the plain-text-streaming surface a Router
//     registers providers under; [RouterAdapter] bridges a Provider to it
//   - [Tool] — a pluggable capability exposed to tool-calling providers
//
// # Included components
//
// Coordination: [Bus] (pub/sub event log), [Coordinator] (agent
// registry and task dispatch), [BaseAgent] and the planner/coder/reviewer
// specialists built on it.
//
// Routing: [Router] (tiered failover and circuit breaking), the
// rate-limit and retry Provider decorators, provider/resolve (config to
// Provider construction).
//
// Accounting: [CostTracker], [BudgetEnforcer], [AlertManager].
//
// Lifecycle: [ShutdownManager] (phased, timeout-bounded graceful
// shutdown).
//
// Experimentation: [VersionManager] and [ABTestingManager] for workflow
// versioning and traffic-split A/B tests.
//
// Persistence: kv/memory and kv/postgres implement the counter/ledger
// storage (kv.Adapter) that cost tracking, budgeting, and versioning sit
// on top of.
//
// See the cmd/relay directory for a complete reference application.
package relay
