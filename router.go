package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Tier ranks providers by cost/quality bucket. Numerically lower tiers
// are cheaper or local; routing and fallback walk upward.
type Tier int

const (
	TierLocalFree Tier = iota
	TierCloudCheap
	TierVision
	TierPremium
	TierBatch
)

func (t Tier) String() string {
	switch t {
	case TierLocalFree:
		return "local_free"
	case TierCloudCheap:
		return "cloud_cheap"
	case TierVision:
		return "vision"
	case TierPremium:
		return "premium"
	case TierBatch:
		return "batch"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// RoutableProvider is the contract the router needs to register a
// driver: non-streaming chat, a plain-text streaming surface (the
// router only relays text chunks to the Streaming Supervisor, never
// typed StreamEvents), a health probe, and a cost function. Real
// drivers (Gemini, OpenAI-compatible) implement the richer
// StreamEvent-based Provider instead; RouterAdapter bridges between
// the two so the router doesn't need every driver to grow a second
// ChatStream method.
type RoutableProvider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	Health(ctx context.Context) bool
	Cost(inTokens, outTokens int, model string) float64
}

// ProviderConfig registers a driver under the router along with its
// routing metadata.
type ProviderConfig struct {
	Provider            RoutableProvider
	Tier                Tier
	Priority            int // lower sorts first within a tier
	Models              []string
	PrivacyCompatible   bool
	HealthCheckInterval time.Duration
	BreakerThreshold    int
	BreakerCoolOff      time.Duration
}

func (c ProviderConfig) supportsModel(model string) bool {
	if len(c.Models) == 0 {
		return true
	}
	for _, m := range c.Models {
		if m == model {
			return true
		}
	}
	return false
}

// CircuitBreakerState is one provider's failure-tracking automaton.
type CircuitBreakerState struct {
	ConsecutiveFailures int
	LastFailure         time.Time
	Open                bool
	LastHealthCheck     time.Time
	IsHealthy           bool
}

// FailoverHook is invoked when a request succeeds on a tier higher than
// the one requested.
type FailoverHook func(requested, actual Tier, provider string)

// Router selects a provider for a (tier, model, privacy) request,
// enforces health and circuit-breaker gates, and cascades to higher
// tiers on exhaustion.
type Router struct {
	mu        sync.Mutex
	providers []*ProviderConfig
	breakers  map[string]*CircuitBreakerState // keyed by provider Name()

	onFailover FailoverHook
	logger     *slog.Logger
}

// NewRouter creates an empty router. onFailover may be nil.
func NewRouter(onFailover FailoverHook, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		breakers:   make(map[string]*CircuitBreakerState),
		onFailover: onFailover,
		logger:     logger,
	}
}

// Register adds a provider under the router.
func (r *Router) Register(cfg ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, &cfg)
	r.breakers[cfg.Provider.Name()] = &CircuitBreakerState{}
}

// candidates returns providers for tier/model/privacy, circuit-breaker
// filtered and priority sorted. Caller holds r.mu.
func (r *Router) candidatesLocked(tier Tier, model string, privacyMode bool, now time.Time) []*ProviderConfig {
	var out []*ProviderConfig
	for _, p := range r.providers {
		if p.Tier != tier || !p.supportsModel(model) {
			continue
		}
		if privacyMode && !p.PrivacyCompatible {
			continue
		}
		b := r.breakers[p.Provider.Name()]
		if b.Open {
			if now.Sub(b.LastFailure) < p.BreakerCoolOff {
				continue
			}
			// Cool-off elapsed: half-close, allow one attempt.
			b.Open = false
			b.ConsecutiveFailures = 0
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// checkHealth consults the cached probe result, refreshing it if stale.
// Probes time out at 10s; a timeout counts as unhealthy but does not by
// itself open the circuit breaker.
func (r *Router) checkHealth(ctx context.Context, cfg *ProviderConfig) bool {
	r.mu.Lock()
	b := r.breakers[cfg.Provider.Name()]
	stale := time.Since(b.LastHealthCheck) >= cfg.HealthCheckInterval
	cached := b.IsHealthy
	r.mu.Unlock()

	if !stale {
		return cached
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	healthy := make(chan bool, 1)
	go func() { healthy <- cfg.Provider.Health(probeCtx) }()

	var ok bool
	select {
	case ok = <-healthy:
	case <-probeCtx.Done():
		ok = false
	}

	r.mu.Lock()
	b.LastHealthCheck = time.Now()
	b.IsHealthy = ok
	r.mu.Unlock()
	return ok
}

func (r *Router) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.breakers[name]
	b.ConsecutiveFailures = 0
	b.Open = false
}

func (r *Router) recordFailure(cfg *ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.breakers[cfg.Provider.Name()]
	b.ConsecutiveFailures++
	b.LastFailure = time.Now()
	if b.ConsecutiveFailures >= cfg.BreakerThreshold {
		b.Open = true
	}
}

// tiersToTry builds the cascading-failover tier list: requested,
// requested+1 (if below PREMIUM), then PREMIUM, deduplicated, in order.
func tiersToTry(requested Tier, enableFailover bool) []Tier {
	if !enableFailover {
		return []Tier{requested}
	}
	tiers := []Tier{requested}
	if requested < TierPremium {
		next := requested + 1
		if next != requested {
			tiers = append(tiers, next)
		}
	}
	if requested != TierPremium {
		alreadyHave := false
		for _, t := range tiers {
			if t == TierPremium {
				alreadyHave = true
			}
		}
		if !alreadyHave {
			tiers = append(tiers, TierPremium)
		}
	}
	return tiers
}

// ChatCompletionOptions configures a single ChatCompletion call.
type ChatCompletionOptions struct {
	Model          string
	PrivacyMode    bool
	EnableFailover bool
}

// ChatCompletion routes a chat request, trying candidates across the
// failover chain in priority order, recording circuit-breaker state as
// it goes, and firing the failover hook if the eventual tier differs
// from the one requested.
func (r *Router) ChatCompletion(ctx context.Context, requested Tier, req ChatRequest, opts ChatCompletionOptions) (ChatResponse, error) {
	tiers := tiersToTry(requested, opts.EnableFailover)

	var lastErr error
	for _, tier := range tiers {
		r.mu.Lock()
		candidates := r.candidatesLocked(tier, opts.Model, opts.PrivacyMode, time.Now())
		r.mu.Unlock()

		for _, cfg := range candidates {
			if !r.checkHealth(ctx, cfg) {
				continue
			}
			resp, err := cfg.Provider.Chat(ctx, req)
			if err != nil {
				r.recordFailure(cfg)
				lastErr = &ProviderTransientError{Provider: cfg.Provider.Name(), Tier: tier, Err: err}
				r.logger.Warn("provider attempt failed", "provider", cfg.Provider.Name(), "tier", tier.String(), "error", err)
				continue
			}
			r.recordSuccess(cfg.Provider.Name())
			if tier != requested && r.onFailover != nil {
				r.onFailover(requested, tier, cfg.Provider.Name())
			}
			return resp, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates registered")
	}
	return ChatResponse{}, &ProviderExhaustedError{TiersTried: tiers, Last: lastErr}
}

// StreamCompletion is the streaming analogue of ChatCompletion. Once a
// provider has delivered its first chunk, failure is surfaced to the
// caller rather than silently retried on the next candidate — restarting
// mid-stream would duplicate already-delivered tokens. This mirrors the
// teacher's retry.go tokensSent guard rather than the original router's
// restart-on-any-error streaming behavior.
func (r *Router) StreamCompletion(ctx context.Context, requested Tier, req ChatRequest, opts ChatCompletionOptions, out chan<- string) (ChatResponse, Tier, error) {
	tiers := tiersToTry(requested, opts.EnableFailover)

	var lastErr error
	for _, tier := range tiers {
		r.mu.Lock()
		candidates := r.candidatesLocked(tier, opts.Model, opts.PrivacyMode, time.Now())
		r.mu.Unlock()

		for _, cfg := range candidates {
			if !r.checkHealth(ctx, cfg) {
				continue
			}

			chunkCh := make(chan string)
			sawChunk := false
			done := make(chan struct{})
			var resp ChatResponse
			var streamErr error

			go func() {
				defer close(done)
				resp, streamErr = cfg.Provider.ChatStream(ctx, req, chunkCh)
			}()

			for chunk := range chunkCh {
				sawChunk = true
				out <- chunk
			}
			<-done

			if streamErr != nil {
				if sawChunk {
					r.recordFailure(cfg)
					return ChatResponse{}, tier, &ProviderTransientError{Provider: cfg.Provider.Name(), Tier: tier, Err: streamErr}
				}
				r.recordFailure(cfg)
				lastErr = &ProviderTransientError{Provider: cfg.Provider.Name(), Tier: tier, Err: streamErr}
				r.logger.Warn("stream attempt failed before first chunk", "provider", cfg.Provider.Name(), "tier", tier.String(), "error", streamErr)
				continue
			}

			r.recordSuccess(cfg.Provider.Name())
			if tier != requested && r.onFailover != nil {
				r.onFailover(requested, tier, cfg.Provider.Name())
			}
			return resp, tier, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no candidates registered")
	}
	return ChatResponse{}, requested, &ProviderExhaustedError{TiersTried: tiers, Last: lastErr}
}

// Status returns a point-in-time snapshot of every registered provider's
// circuit-breaker state, keyed by provider name.
func (r *Router) Status() map[string]CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]CircuitBreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = *b
	}
	return out
}
