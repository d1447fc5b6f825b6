package events_test

import (
	"context"
	"sync"
	"testing"

	"agentline/internal/domain"
	"agentline/internal/events"
)

type memStore struct {
	mu   sync.Mutex
	subs map[string]domain.EventSubscription
}

func newMemStore() *memStore {
	return &memStore{subs: map[string]domain.EventSubscription{}}
}

func (m *memStore) SaveSubscription(_ context.Context, sub domain.EventSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *memStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *memStore) ListSubscriptions(_ context.Context) ([]domain.EventSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.EventSubscription
	for _, s := range m.subs {
		out = append(out, s)
	}
	return out, nil
}

func statusEvent(source, taskID, status string) events.Event {
	return events.Event{
		Type:          events.TaskStatusChanged,
		SourceAgentID: source,
		WorkspaceID:   "ws1",
		Payload:       map[string]any{"taskId": taskID, "status": status},
	}
}

func TestOneShotDeliversOnceAndRemovesSubscription(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	id, err := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A2", EventTypes: []string{events.TaskStatusChanged}, OneShot: true})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if n := bus.Publish(ctx, statusEvent("A1", "T1", domain.TaskCompleted)); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if _, ok := bus.Subscription(id); ok {
		t.Fatalf("one-shot subscription should be gone")
	}
	if n := bus.Publish(ctx, statusEvent("A1", "T1", domain.TaskCompleted)); n != 0 {
		t.Fatalf("second publish should deliver nothing, got %d", n)
	}
	pending := bus.Drain("A2")
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending event, got %d", len(pending))
	}
	if pending[0].SourceAgentID != "A1" || pending[0].SubscriptionID != id {
		t.Fatalf("unexpected pending event %+v", pending[0])
	}
	if bus.Pending("A2") != 0 {
		t.Fatalf("drain should consume the queue")
	}
}

func TestExcludeSelf(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	if _, err := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A1", EventTypes: []string{events.TaskStatusChanged}, ExcludeSelf: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A1", EventTypes: []string{events.TaskStatusChanged}}); err != nil {
		t.Fatal(err)
	}
	if n := bus.Publish(ctx, statusEvent("A1", "T1", domain.TaskInProgress)); n != 1 {
		t.Fatalf("only the non-excluding subscription should match own events, got %d", n)
	}
	if n := bus.Publish(ctx, statusEvent("A9", "T1", domain.TaskInProgress)); n != 2 {
		t.Fatalf("both subscriptions should match foreign events, got %d", n)
	}
}

func TestPriorityOrderThenCreationOrder(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	low, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A", EventTypes: []string{events.TaskCreated}, Priority: 1})
	high, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A", EventTypes: []string{events.TaskCreated}, Priority: 5})
	lowLater, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A", EventTypes: []string{events.TaskCreated}, Priority: 1})

	var order []string
	cancel := bus.Listen("A", func(pe domain.PendingEvent) { order = append(order, pe.SubscriptionID) })
	defer cancel()
	bus.Publish(ctx, events.Event{Type: events.TaskCreated, SourceAgentID: "X"})

	want := []string{high, low, lowLater}
	if len(order) != len(want) {
		t.Fatalf("expected %d deliveries, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery %d: expected %s got %s", i, want[i], order[i])
		}
	}
	queued := bus.Peek("A")
	if queued[0].SubscriptionID != high {
		t.Fatalf("queue should follow priority order")
	}
}

func TestWaitGroupDeliversAtomically(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	const n = 3
	for i, agent := range []string{"S1", "S2", "S3"} {
		_, err := bus.Subscribe(ctx, events.SubscribeOptions{
			AgentID:     "C",
			EventTypes:  []string{events.TaskStatusChanged},
			OneShot:     true,
			WaitGroupID: "G",
			Filter:      domain.SubscriptionFilter{SourceAgentID: agent},
		})
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if got := bus.Publish(ctx, statusEvent("S1", "T1", domain.TaskCompleted)); got != 0 {
		t.Fatalf("first member should be held, got %d", got)
	}
	if got := bus.Publish(ctx, statusEvent("S2", "T2", domain.TaskCompleted)); got != 0 {
		t.Fatalf("second member should be held, got %d", got)
	}
	if bus.Pending("C") != 0 {
		t.Fatalf("nothing should be queued before the group completes")
	}
	groups := bus.ListWaitGroups()
	if len(groups) != 1 || groups[0].Held != 2 || len(groups[0].Fulfilled) != 2 {
		t.Fatalf("unexpected group state %+v", groups)
	}
	if got := bus.Publish(ctx, statusEvent("S3", "T3", domain.TaskCompleted)); got != n {
		t.Fatalf("completing member should release %d events, got %d", n, got)
	}
	if bus.Pending("C") != n {
		t.Fatalf("expected %d pending events", n)
	}
	if len(bus.Subscriptions("C")) != 0 {
		t.Fatalf("one-shot members should be removed after delivery")
	}
	if len(bus.ListWaitGroups()) != 0 {
		t.Fatalf("empty group should be dropped")
	}
}

func TestWaitGroupDroppedWhenAllMembersLeave(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	a, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "C", EventTypes: []string{events.AgentCompleted}, WaitGroupID: "G", Filter: domain.SubscriptionFilter{SourceAgentID: "S1"}})
	b, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "C", EventTypes: []string{events.AgentCompleted}, WaitGroupID: "G", Filter: domain.SubscriptionFilter{SourceAgentID: "S2"}})
	bus.Publish(ctx, events.Event{Type: events.AgentCompleted, SourceAgentID: "S1"})
	if !bus.Unsubscribe(ctx, a) || !bus.Unsubscribe(ctx, b) {
		t.Fatalf("existing subscriptions should report removal")
	}
	if bus.Unsubscribe(ctx, b) {
		t.Fatalf("second unsubscribe should be a no-op")
	}
	if len(bus.ListWaitGroups()) != 0 {
		t.Fatalf("group should be dropped")
	}
	if bus.Pending("C") != 0 {
		t.Fatalf("held events of a dropped group must not be delivered")
	}
}

func TestUnsubscribeReleasesCompletedGroup(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "C", EventTypes: []string{events.AgentCompleted}, WaitGroupID: "G", OneShot: true, Filter: domain.SubscriptionFilter{SourceAgentID: "S1"}})
	pendingMember, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "C", EventTypes: []string{events.AgentCompleted}, WaitGroupID: "G", OneShot: true, Filter: domain.SubscriptionFilter{SourceAgentID: "S2"}})
	bus.Publish(ctx, events.Event{Type: events.AgentCompleted, SourceAgentID: "S1"})
	bus.Unsubscribe(ctx, pendingMember)
	if bus.Pending("C") != 1 {
		t.Fatalf("remaining fulfilled members should be delivered")
	}
}

func TestFilterScopesToTaskAndTerminalStatus(t *testing.T) {
	ctx := context.Background()
	bus := events.NewBus(nil, nil)
	bus.Subscribe(ctx, events.SubscribeOptions{
		AgentID:    "C",
		EventTypes: []string{events.TaskStatusChanged},
		OneShot:    true,
		Filter:     domain.SubscriptionFilter{SourceAgentID: "S1", TaskID: "T1", TerminalOnly: true},
	})
	if n := bus.Publish(ctx, statusEvent("S1", "T1", domain.TaskInProgress)); n != 0 {
		t.Fatalf("non-terminal status should not match")
	}
	if n := bus.Publish(ctx, statusEvent("S1", "T2", domain.TaskCompleted)); n != 0 {
		t.Fatalf("other task should not match")
	}
	if n := bus.Publish(ctx, statusEvent("S2", "T1", domain.TaskCompleted)); n != 0 {
		t.Fatalf("other source should not match")
	}
	if n := bus.Publish(ctx, statusEvent("S1", "T1", domain.TaskNeedsFix)); n != 1 {
		t.Fatalf("terminal status should match")
	}
}

func TestSubscriptionsPersistAndRestore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	bus := events.NewBus(store, nil)
	keep, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A", EventTypes: []string{events.NoteCreated}, WaitGroupID: "G"})
	gone, _ := bus.Subscribe(ctx, events.SubscribeOptions{AgentID: "A", EventTypes: []string{events.NoteCreated}})
	bus.Unsubscribe(ctx, gone)

	restored := events.NewBus(store, nil)
	if err := restored.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	subs := restored.Subscriptions("A")
	if len(subs) != 1 || subs[0].ID != keep {
		t.Fatalf("unexpected restored subscriptions %+v", subs)
	}
	groups := restored.ListWaitGroups()
	if len(groups) != 1 || len(groups[0].Members) != 1 {
		t.Fatalf("wait group should be rebuilt, got %+v", groups)
	}
	next, _ := restored.Subscribe(ctx, events.SubscribeOptions{AgentID: "A", EventTypes: []string{events.NoteCreated}})
	sub, _ := restored.Subscription(next)
	if sub.Seq <= subs[0].Seq {
		t.Fatalf("sequence should continue after restore")
	}
}

func TestSubscribeValidation(t *testing.T) {
	bus := events.NewBus(nil, nil)
	if _, err := bus.Subscribe(context.Background(), events.SubscribeOptions{AgentID: "A"}); err == nil {
		t.Fatalf("expected validation error for empty event types")
	}
}
