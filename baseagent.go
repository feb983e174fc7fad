package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentActivity is a BaseAgent's own fine-grained activity state,
// distinct from the coordinator's coarser idle/busy/stopped AgentStatus:
// a busy agent is, moment to moment, thinking, executing a tool, or
// waiting on something else.
type AgentActivity string

const (
	ActivityIdle      AgentActivity = "idle"
	ActivityThinking  AgentActivity = "thinking"
	ActivityExecuting AgentActivity = "executing"
	ActivityWaiting   AgentActivity = "waiting"
)

// MemoryEntry is one append-only fact an agent has chosen to remember.
type MemoryEntry struct {
	Key       string
	Value     any
	Timestamp time.Time
}

// BaseAgentStats is a point-in-time snapshot of a BaseAgent's activity.
type BaseAgentStats struct {
	AgentID       string
	AgentType     string
	Activity      AgentActivity
	TotalMessages int
	ToolUsage     map[string]int
	MemorySize    int
}

// TaskFunc implements a specialist's task-processing logic. It receives
// the task payload (typically a map[string]any decoded from an
// Envelope's Content) and returns the result to send back as a
// TaskResult, or an error to send back as an Error envelope.
type TaskFunc func(ctx context.Context, agent *BaseAgent, task map[string]any) (any, error)

// BaseAgent is a message-driven agent: it registers with a Coordinator
// and processes TaskAssignment envelopes asynchronously via a TaskFunc
// closure. Specialist behavior is supplied as a closure (the teacher's
// agentCore uses the same closure-over-struct idiom for
// dynamicPrompt/dynamicModel/inputHandler) rather than a subclass
// hierarchy, since Go has no inheritance.
type BaseAgent struct {
	ID           string
	Type         string
	Capabilities []string
	Tier         Tier
	Model        string
	SystemPrompt string

	coordinator *Coordinator
	router      *Router
	tools       *ToolRegistry
	processTask TaskFunc
	logger      *slog.Logger

	budget      *BudgetEnforcer // nil disables budget gating
	costTracker *CostTracker    // nil disables cost tracking
	pricing     CostTable       // model -> per-million-token price, for budget/cost accounting
	period      Period

	mu             sync.Mutex
	activity       AgentActivity
	currentTask    map[string]any
	memory         []MemoryEntry
	toolUsageCount map[string]int
	messageCount   int
}

// NewBaseAgent wires a specialist's identity, default tier/model, system
// prompt, and task-processing closure to a coordinator/router/tool
// registry. budget and costTracker may be nil to run without spend
// enforcement or accounting (e.g. in tests); period defaults to
// PeriodDaily when empty.
func NewBaseAgent(id, agentType string, capabilities []string, coordinator *Coordinator, router *Router, tools *ToolRegistry, tier Tier, model, systemPrompt string, processTask TaskFunc, budget *BudgetEnforcer, costTracker *CostTracker, pricing CostTable, period Period, logger *slog.Logger) *BaseAgent {
	if logger == nil {
		logger = slog.Default()
	}
	if period == "" {
		period = PeriodDaily
	}
	return &BaseAgent{
		ID:             id,
		Type:           agentType,
		Capabilities:   capabilities,
		Tier:           tier,
		Model:          model,
		SystemPrompt:   systemPrompt,
		coordinator:    coordinator,
		router:         router,
		tools:          tools,
		processTask:    processTask,
		budget:         budget,
		costTracker:    costTracker,
		pricing:        pricing,
		period:         period,
		logger:         logger,
		activity:       ActivityIdle,
		toolUsageCount: make(map[string]int),
	}
}

// Start registers the agent with its coordinator, subscribing
// handleMessage to receive task assignments and events addressed to it.
func (a *BaseAgent) Start() {
	a.coordinator.RegisterAgent(a.ID, a.Type, a.Capabilities, a.handleMessage)
	a.logger.Info("agent started", "agent_id", a.ID, "agent_type", a.Type)
}

// Stop unregisters the agent, ending bus delivery to it.
func (a *BaseAgent) Stop() {
	a.coordinator.UnregisterAgent(a.ID)
	a.logger.Info("agent stopped", "agent_id", a.ID)
}

func (a *BaseAgent) handleMessage(ctx context.Context, env Envelope) {
	a.mu.Lock()
	a.messageCount++
	a.mu.Unlock()

	switch env.Kind {
	case KindTaskAssignment:
		a.handleTaskAssignment(ctx, env)
	case KindAgentRequest, KindSystemEvent:
		// No default behavior; specialists needing these observe the
		// bus directly through their own subscription if they care.
	}
}

func (a *BaseAgent) handleTaskAssignment(ctx context.Context, env Envelope) {
	task, _ := env.Content.(map[string]any)

	a.mu.Lock()
	a.activity = ActivityThinking
	a.currentTask = task
	a.mu.Unlock()

	result, err := a.processTask(ctx, a, task)

	a.mu.Lock()
	a.activity = ActivityIdle
	a.currentTask = nil
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("task processing failed", "agent_id", a.ID, "message_id", env.ID, "error", err)
		a.sendError(ctx, env.ID, err.Error())
		return
	}
	a.sendResult(ctx, env.ID, result)
}

func (a *BaseAgent) sendResult(ctx context.Context, parentID string, result any) {
	a.coordinator.Publish(ctx, Envelope{
		ID:        uuid.NewString(),
		Kind:      KindTaskResult,
		Sender:    a.ID,
		Recipient: "coordinator",
		Content:   result,
		ParentID:  parentID,
	})
}

func (a *BaseAgent) sendError(ctx context.Context, parentID, reason string) {
	a.coordinator.Publish(ctx, Envelope{
		ID:        uuid.NewString(),
		Kind:      KindError,
		Sender:    a.ID,
		Recipient: "coordinator",
		Content:   map[string]string{"error": reason},
		ParentID:  parentID,
	})
}

// CallLLM prepends the agent's system prompt to messages and routes the
// request through tier, gated by the budget enforcer and accounted for
// by the cost tracker: Budget.check runs before the router call,
// Cost.track and Budget.deduct run after it (budget.check ->
// router.chat -> provider driver -> cost.track). userID identifies whose budget/spend the call
// counts against; callers without a specific end user pass the agent's
// own ID. Temperature/max-tokens have no per-call analogue in this
// router's ChatRequest — in this codebase they're functional options
// applied at Provider construction time (see provider/resolve and
// provider/openaicompat), so a specialist wanting non-default sampling
// configures it on the provider itself, not here.
func (a *BaseAgent) CallLLM(ctx context.Context, userID string, tier Tier, messages []ChatMessage) (string, error) {
	if a.budget != nil {
		ok, err := a.budget.CheckBudget(ctx, userID, a.period, 0)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", &BudgetExceededError{UserID: userID, Period: string(a.period)}
		}
	}

	full := append([]ChatMessage{SystemMessage(a.SystemPrompt)}, messages...)
	resp, err := a.router.ChatCompletion(ctx, tier, ChatRequest{Messages: full}, ChatCompletionOptions{
		Model:          a.Model,
		EnableFailover: true,
	})
	if err != nil {
		return "", err
	}

	cost := a.pricing.Price(a.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if a.costTracker != nil {
		if _, err := a.costTracker.TrackCost(ctx, userID, tier, cost, a.period); err != nil {
			a.logger.Error("cost tracking failed", "agent_id", a.ID, "user_id", userID, "error", err)
		}
	}
	if a.budget != nil {
		if err := a.budget.DeductBudget(ctx, userID, a.period, cost); err != nil {
			a.logger.Warn("budget deduction failed after call", "agent_id", a.ID, "user_id", userID, "error", err)
		}
	}

	return resp.Content, nil
}

// UseTool invokes a registered tool by name, updating per-agent usage
// stats. It returns the tool's raw content on success, or an empty
// string with no error if the tool itself reported failure, matching
// the original's "return result.output if result.success else None".
func (a *BaseAgent) UseTool(ctx context.Context, name string, params map[string]any) (string, error) {
	a.mu.Lock()
	a.activity = ActivityExecuting
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.activity = ActivityThinking
		a.mu.Unlock()
	}()

	args, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	result, err := a.tools.Execute(ctx, name, args)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.toolUsageCount[name]++
	a.mu.Unlock()

	if !result.Success {
		return "", nil
	}
	return result.Content, nil
}

// Remember appends a fact to memory. Unlike a map, repeated keys are
// kept as separate entries — Recall returns the most recent.
func (a *BaseAgent) Remember(key string, value any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = append(a.memory, MemoryEntry{Key: key, Value: value, Timestamp: time.Now()})
}

// Recall returns the most recently remembered value for key, or
// fallback if nothing was ever stored under it.
func (a *BaseAgent) Recall(key string, fallback any) any {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.memory) - 1; i >= 0; i-- {
		if a.memory[i].Key == key {
			return a.memory[i].Value
		}
	}
	return fallback
}

// Stats reports the agent's current activity and usage counters.
func (a *BaseAgent) Stats() BaseAgentStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	usage := make(map[string]int, len(a.toolUsageCount))
	for k, v := range a.toolUsageCount {
		usage[k] = v
	}
	return BaseAgentStats{
		AgentID:       a.ID,
		AgentType:     a.Type,
		Activity:      a.activity,
		TotalMessages: a.messageCount,
		ToolUsage:     usage,
		MemorySize:    len(a.memory),
	}
}
