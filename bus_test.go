package relay

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBus(10, nil)

	received := make(chan Envelope, 1)
	b.Subscribe("agent-1", func(ctx context.Context, env Envelope) {
		received <- env
	})

	b.Publish(context.Background(), Envelope{
		Kind:      KindTaskAssignment,
		Sender:    "coordinator",
		Recipient: "agent-1",
		Content:   "hello",
	})

	select {
	case env := <-received:
		if env.Content != "hello" {
			t.Errorf("got content %v, want %q", env.Content, "hello")
		}
		if env.ID == "" {
			t.Error("expected Publish to assign a non-empty ID")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBus_BroadcastExcludesSender(t *testing.T) {
	b := NewBus(10, nil)

	var mu sync.Mutex
	var gotA, gotB bool

	b.Subscribe("a", func(ctx context.Context, env Envelope) {
		mu.Lock()
		gotA = true
		mu.Unlock()
	})
	b.Subscribe("b", func(ctx context.Context, env Envelope) {
		mu.Lock()
		gotB = true
		mu.Unlock()
	})

	b.Publish(context.Background(), Envelope{
		Kind:      KindSystemEvent,
		Sender:    "a",
		Recipient: Broadcast,
	})

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if gotA {
		t.Error("sender should not receive its own broadcast")
	}
	if !gotB {
		t.Error("other subscriber should receive the broadcast")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(10, nil)

	var delivered bool
	b.Subscribe("agent-1", func(ctx context.Context, env Envelope) {
		delivered = true
	})
	b.Unsubscribe("agent-1")

	b.Publish(context.Background(), Envelope{
		Kind:      KindTaskAssignment,
		Recipient: "agent-1",
	})

	time.Sleep(20 * time.Millisecond)
	if delivered {
		t.Error("expected no delivery after Unsubscribe")
	}
}

func TestBus_SubscribeKindFilter(t *testing.T) {
	b := NewBus(10, nil)

	var mu sync.Mutex
	var kinds []MessageKind
	b.Subscribe("agent-1", func(ctx context.Context, env Envelope) {
		mu.Lock()
		kinds = append(kinds, env.Kind)
		mu.Unlock()
	}, KindTaskResult)

	b.Publish(context.Background(), Envelope{Kind: KindTaskAssignment, Recipient: "agent-1"})
	b.Publish(context.Background(), Envelope{Kind: KindTaskResult, Recipient: "agent-1"})
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != KindTaskResult {
		t.Errorf("got kinds %v, want only [KindTaskResult]", kinds)
	}
}

func TestBus_HistoryBounded(t *testing.T) {
	b := NewBus(3, nil)
	for i := 0; i < 5; i++ {
		b.Publish(context.Background(), Envelope{Kind: KindSystemEvent, Sender: "x"})
	}
	history := b.GetHistory(10, HistoryFilter{})
	if len(history) != 3 {
		t.Errorf("got %d history entries, want 3 (bounded capacity)", len(history))
	}
}

func TestBus_GetHistoryFilterByKindAndSender(t *testing.T) {
	b := NewBus(10, nil)
	b.Publish(context.Background(), Envelope{Kind: KindTaskResult, Sender: "worker-1"})
	b.Publish(context.Background(), Envelope{Kind: KindTaskResult, Sender: "worker-2"})
	b.Publish(context.Background(), Envelope{Kind: KindError, Sender: "worker-1"})

	kind := KindTaskResult
	history := b.GetHistory(10, HistoryFilter{Kind: &kind, Sender: "worker-1"})
	if len(history) != 1 {
		t.Fatalf("got %d matches, want 1", len(history))
	}
	if history[0].Sender != "worker-1" || history[0].Kind != KindTaskResult {
		t.Errorf("unexpected match: %+v", history[0])
	}
}

func TestBus_HistoryNewestFirst(t *testing.T) {
	b := NewBus(10, nil)
	b.Publish(context.Background(), Envelope{Kind: KindSystemEvent, Content: "first"})
	b.Publish(context.Background(), Envelope{Kind: KindSystemEvent, Content: "second"})

	history := b.GetHistory(10, HistoryFilter{})
	if len(history) != 2 || history[0].Content != "second" {
		t.Errorf("expected newest-first order, got %+v", history)
	}
}

func TestBus_SubscriberPanicDoesNotAffectPeers(t *testing.T) {
	b := NewBus(10, nil)

	var mu sync.Mutex
	var peerCalled bool
	b.Subscribe("panicky", func(ctx context.Context, env Envelope) {
		panic("boom")
	})
	b.Subscribe("peer", func(ctx context.Context, env Envelope) {
		mu.Lock()
		peerCalled = true
		mu.Unlock()
	})

	b.Publish(context.Background(), Envelope{Kind: KindSystemEvent, Sender: "other", Recipient: Broadcast})

	mu.Lock()
	defer mu.Unlock()
	if !peerCalled {
		t.Error("expected peer callback to run despite panicky subscriber")
	}
}
