package relay

import "context"

// CostTable prices a model's input/output tokens per million tokens, in
// the same shape as the config's per-provider pricing table.
type CostTable map[string]struct{ InputPerM, OutputPerM float64 }

// Price returns the dollar cost of inTokens/outTokens at model's listed
// per-million-token rate, or 0 if the model has no entry or the table
// is nil.
func (c CostTable) Price(model string, inTokens, outTokens int) float64 {
	price, ok := c[model]
	if !ok {
		return 0
	}
	return float64(inTokens)/1_000_000*price.InputPerM + float64(outTokens)/1_000_000*price.OutputPerM
}

// RouterAdapter wraps a Provider (Gemini, OpenAI-compatible, or any
// decorator stack built from them) as a RoutableProvider: its
// ChatStream drains StreamEvent text-deltas onto a plain string
// channel, Health is a cheap liveness probe, and Cost looks up a
// per-model price table (zero if the model isn't priced).
type RouterAdapter struct {
	inner   Provider
	pricing CostTable
}

// NewRouterAdapter wraps inner for registration with a Router. pricing
// may be nil, in which case Cost always returns 0.
func NewRouterAdapter(inner Provider, pricing CostTable) *RouterAdapter {
	return &RouterAdapter{inner: inner, pricing: pricing}
}

func (a *RouterAdapter) Name() string { return a.inner.Name() }

func (a *RouterAdapter) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	return a.inner.Chat(ctx, req)
}

func (a *RouterAdapter) ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error) {
	return a.inner.ChatWithTools(ctx, req, tools)
}

func (a *RouterAdapter) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	events := make(chan StreamEvent)
	done := make(chan struct{})
	var resp ChatResponse
	var err error

	go func() {
		defer close(done)
		resp, err = a.inner.ChatStream(ctx, req, events)
	}()

	for ev := range events {
		if ev.Type == EventTextDelta && ev.Content != "" {
			ch <- ev.Content
		}
	}
	<-done
	return resp, err
}

// Health probes the provider with a minimal, cheap request. An error is
// treated as unhealthy; a response with no error counts as healthy even
// when it is empty.
func (a *RouterAdapter) Health(ctx context.Context) bool {
	_, err := a.inner.Chat(ctx, ChatRequest{Messages: []ChatMessage{UserMessage("ping")}})
	return err == nil
}

// Cost returns the dollar cost of inTokens/outTokens at model's listed
// per-million-token rate, or 0 if the model has no entry.
func (a *RouterAdapter) Cost(inTokens, outTokens int, model string) float64 {
	return a.pricing.Price(model, inTokens, outTokens)
}
