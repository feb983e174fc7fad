package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// MessageKind tags a bus Envelope's payload shape.
type MessageKind int

const (
	KindTaskAssignment MessageKind = iota
	KindTaskResult
	KindAgentRequest
	KindAgentResponse
	KindSystemEvent
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindTaskAssignment:
		return "task_assignment"
	case KindTaskResult:
		return "task_result"
	case KindAgentRequest:
		return "agent_request"
	case KindAgentResponse:
		return "agent_response"
	case KindSystemEvent:
		return "system_event"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Broadcast is the zero value of a recipient id, meaning "deliver to
// every subscriber except the sender".
const Broadcast = ""

// Envelope is the bus's immutable message shape. Content is left as
// `any` (a tagged variant in spirit, per SPEC_FULL's ambient-config
// note): callers agree out of band on the concrete payload type for a
// given Kind.
type Envelope struct {
	ID        string
	Kind      MessageKind
	Sender    string
	Recipient string // Broadcast ("") means fan out to all but sender
	Content   any
	Metadata  map[string]string
	ParentID  string
	Timestamp time.Time
}

// Callback receives envelopes delivered to a subscriber.
type Callback func(ctx context.Context, env Envelope)

type subscription struct {
	callback Callback
	kinds    map[MessageKind]bool // nil/empty = all kinds
}

// Bus is a typed pub/sub router with bounded history, matching the
// in-memory-best-effort posture the specification allows (no durable
// delivery across process restarts).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]subscription
	history     []Envelope
	historyCap  int
	logger      *slog.Logger
}

// NewBus creates a bus with the given bounded history capacity (the
// specification's default is 1000).
func NewBus(historyCap int, logger *slog.Logger) *Bus {
	if historyCap <= 0 {
		historyCap = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string][]subscription),
		historyCap:  historyCap,
		logger:      logger,
	}
}

// Subscribe registers callback for agentID. Multiple callbacks per agent
// are allowed (idempotent addition — calling Subscribe again just adds
// another one, it never replaces). kinds, if non-empty, filters which
// message kinds this callback receives.
func (b *Bus) Subscribe(agentID string, callback Callback, kinds ...MessageKind) {
	var filter map[MessageKind]bool
	if len(kinds) > 0 {
		filter = make(map[MessageKind]bool, len(kinds))
		for _, k := range kinds {
			filter[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[agentID] = append(b.subscribers[agentID], subscription{callback: callback, kinds: filter})
}

// Unsubscribe removes every callback registered for agentID.
func (b *Bus) Unsubscribe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, agentID)
}

// Publish determines recipients, appends to history, and fans out to
// every matching callback concurrently, awaiting all deliveries before
// returning. The sender never receives its own message. Callback panics
// or errors are logged and do not affect peers or Publish's return —
// Go has no exceptions, so "swallowed" here means recovered panics.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	b.mu.Lock()
	b.history = append(b.history, env)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}

	var targets []subscription
	if env.Recipient != Broadcast {
		targets = append(targets, b.subscribers[env.Recipient]...)
	} else {
		for agentID, subs := range b.subscribers {
			if agentID == env.Sender {
				continue
			}
			targets = append(targets, subs...)
		}
	}
	b.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range targets {
		sub := sub
		if len(sub.kinds) > 0 && !sub.kinds[env.Kind] {
			continue
		}
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("bus subscriber callback panicked", "recover", r, "envelope_id", env.ID)
				}
			}()
			sub.callback(gctx, env)
			return nil
		})
	}
	_ = g.Wait() // callback errors/panics are logged, never propagated
}

// HistoryFilter narrows GetHistory's results.
type HistoryFilter struct {
	Kind   *MessageKind
	Sender string
}

// GetHistory returns up to count most-recent matching envelopes,
// newest-first.
func (b *Bus) GetHistory(count int, filter HistoryFilter) []Envelope {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []Envelope
	for i := len(b.history) - 1; i >= 0 && len(matched) < count; i-- {
		env := b.history[i]
		if filter.Kind != nil && env.Kind != *filter.Kind {
			continue
		}
		if filter.Sender != "" && env.Sender != filter.Sender {
			continue
		}
		matched = append(matched, env)
	}
	return matched
}
