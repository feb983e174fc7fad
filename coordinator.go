package relay

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AgentStatus is an agent's coordinator-tracked lifecycle state.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentStopped AgentStatus = "stopped"
)

// AgentInfo is the coordinator's registry record for one agent.
type AgentInfo struct {
	ID           string
	Type         string
	Capabilities []string
	Status       AgentStatus
	MessageCount int
	LastActivity time.Time
}

// Coordinator is the lifecycle registry and task-assignment surface
// sitting on top of a Bus. Result correlation is history-based per
// SPEC_FULL/§9's design note: WaitForResult polls the bus history
// rather than keeping a per-task future, trading a small latency floor
// for not needing a waiter table keyed by message id.
type Coordinator struct {
	bus *Bus

	mu              sync.Mutex
	agents          map[string]*AgentInfo
	shuttingDown    bool
	pollInterval    time.Duration
}

// NewCoordinator creates a coordinator driving the given bus.
func NewCoordinator(bus *Bus) *Coordinator {
	return &Coordinator{
		bus:          bus,
		agents:       make(map[string]*AgentInfo),
		pollInterval: 100 * time.Millisecond,
	}
}

// RegisterAgent records agent metadata and, if callback is non-nil,
// subscribes it to the bus under its own id.
func (c *Coordinator) RegisterAgent(id, agentType string, capabilities []string, callback Callback) {
	c.mu.Lock()
	c.agents[id] = &AgentInfo{
		ID:           id,
		Type:         agentType,
		Capabilities: capabilities,
		Status:       AgentIdle,
		LastActivity: time.Now(),
	}
	c.mu.Unlock()

	if callback != nil {
		c.bus.Subscribe(id, callback)
	}
}

// UnregisterAgent removes agent metadata and its bus subscriptions.
func (c *Coordinator) UnregisterAgent(id string) {
	c.mu.Lock()
	delete(c.agents, id)
	c.mu.Unlock()
	c.bus.Unsubscribe(id)
}

// StopAccepting enters the coordinator's shutdown mode: further
// AssignTask calls fail fast with ShuttingDownError, matching the
// specification's resolution of "broadcast delivery during shutdown" —
// new work is refused, but Publish for in-flight work is unaffected.
func (c *Coordinator) StopAccepting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
}

// AssignTask publishes a TaskAssignment addressed to agentID, flips its
// status to busy, and returns the assigned message id.
func (c *Coordinator) AssignTask(ctx context.Context, agentID string, payload any, priority int) (string, error) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return "", &ShuttingDownError{Operation: "assign_task"}
	}
	info, ok := c.agents[agentID]
	c.mu.Unlock()
	if !ok {
		return "", &ValidationError{Field: "agent_id", Reason: "not registered: " + agentID}
	}

	env := Envelope{
		ID:        uuid.NewString(),
		Kind:      KindTaskAssignment,
		Sender:    "coordinator",
		Recipient: agentID,
		Content:   payload,
		Metadata:  map[string]string{"priority": strconv.Itoa(priority)},
	}
	c.bus.Publish(ctx, env)

	c.mu.Lock()
	info.Status = AgentBusy
	info.MessageCount++
	info.LastActivity = time.Now()
	c.mu.Unlock()

	return env.ID, nil
}

// Publish exposes the underlying bus to agents that need to send
// results, errors, or requests outside the AssignTask/BroadcastEvent
// shapes (see BaseAgent's sendResult/sendError).
func (c *Coordinator) Publish(ctx context.Context, env Envelope) {
	c.bus.Publish(ctx, env)
}

// BroadcastEvent publishes a SystemEvent to every subscribed agent.
func (c *Coordinator) BroadcastEvent(ctx context.Context, eventType string, data any) {
	c.bus.Publish(ctx, Envelope{
		ID:        uuid.NewString(),
		Kind:      KindSystemEvent,
		Sender:    "coordinator",
		Recipient: Broadcast,
		Content:   data,
		Metadata:  map[string]string{"event_type": eventType},
	})
}

// WaitForResult polls bus history for the most recent TaskResult from
// agentID, returning it or false once timeout elapses. It never blocks
// past timeout regardless of context state.
func (c *Coordinator) WaitForResult(ctx context.Context, agentID string, timeout time.Duration) (Envelope, bool) {
	deadline := time.Now().Add(timeout)
	kind := KindTaskResult
	for {
		history := c.bus.GetHistory(10, HistoryFilter{Kind: &kind, Sender: agentID})
		if len(history) > 0 {
			return history[0], true
		}
		if time.Now().After(deadline) {
			return Envelope{}, false
		}
		select {
		case <-ctx.Done():
			return Envelope{}, false
		case <-time.After(c.pollInterval):
		}
	}
}

// GetAgentStatus returns a snapshot of one agent's registry record.
func (c *Coordinator) GetAgentStatus(id string) (AgentInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.agents[id]
	if !ok {
		return AgentInfo{}, false
	}
	return *info, true
}

// MessageStats returns total message count across all registered agents.
func (c *Coordinator) MessageStats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.agents))
	for id, info := range c.agents {
		out[id] = info.MessageCount
	}
	return out
}
