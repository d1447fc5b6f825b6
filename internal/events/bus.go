package events

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentline/internal/domain"
)

// Event types published on the bus.
const (
	TaskCreated        = "TASK_CREATED"
	TaskUpdated        = "TASK_UPDATED"
	TaskStatusChanged  = "TASK_STATUS_CHANGED"
	TaskDelegated      = "TASK_DELEGATED"
	AgentCreated       = "AGENT_CREATED"
	AgentStatusChanged = "AGENT_STATUS_CHANGED"
	AgentCompleted     = "AGENT_COMPLETED"
	AgentError         = "AGENT_ERROR"
	MessageReceived    = "MESSAGE_RECEIVED"
	NoteCreated        = "NOTE_CREATED"
	SessionStarted     = "SESSION_STARTED"
	SessionEnded       = "SESSION_ENDED"
)

// Event is a notification handed to Publish.
type Event struct {
	Type          string
	SourceAgentID string
	WorkspaceID   string
	Payload       map[string]any
}

type SubscribeOptions struct {
	AgentID     string
	AgentName   string
	EventTypes  []string
	ExcludeSelf bool
	OneShot     bool
	WaitGroupID string
	Priority    int
	Filter      domain.SubscriptionFilter
}

// Store persists subscriptions.
type Store interface {
	SaveSubscription(ctx context.Context, sub domain.EventSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
	ListSubscriptions(ctx context.Context) ([]domain.EventSubscription, error)
}

// Listener is called with every event enqueued for the agent it was registered for.
type Listener func(domain.PendingEvent)

type listenerEntry struct {
	agentID string
	fn      Listener
}

// Bus holds subscriptions and per-agent pending queues. Publish scans and
// enqueues under one lock, so no subscribe or publish interleaves with it.
// Store calls happen under the lock too: never call the bus while holding a
// database transaction.
type Bus struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
	// OnPublish, when set, observes every publish after the lock is released.
	OnPublish func(evtType string, delivered int)

	mu        sync.Mutex
	subs      map[string]*domain.EventSubscription
	seq       int64
	groups    map[string]*groupState
	pending   map[string][]domain.PendingEvent
	listeners map[int]listenerEntry
	nextLst   int
}

func NewBus(store Store, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		Store:     store,
		Logger:    logger,
		Now:       time.Now,
		subs:      map[string]*domain.EventSubscription{},
		groups:    map[string]*groupState{},
		pending:   map[string][]domain.PendingEvent{},
		listeners: map[int]listenerEntry{},
	}
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// Restore loads persisted subscriptions. Wait groups are rebuilt from their
// members; held events do not survive a restart.
func (b *Bus) Restore(ctx context.Context) error {
	if b.Store == nil {
		return nil
	}
	subs, err := b.Store.ListSubscriptions(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range subs {
		sub := s
		b.subs[sub.ID] = &sub
		if sub.Seq > b.seq {
			b.seq = sub.Seq
		}
		if sub.WaitGroupID != nil {
			b.groupFor(*sub.WaitGroupID).group.Members[sub.ID] = struct{}{}
		}
	}
	return nil
}

func (b *Bus) groupFor(id string) *groupState {
	g, ok := b.groups[id]
	if !ok {
		g = &groupState{group: newWaitGroup(id)}
		b.groups[id] = g
	}
	return g
}

func (b *Bus) Subscribe(ctx context.Context, opts SubscribeOptions) (string, error) {
	if opts.AgentID == "" {
		return "", domain.Invalid("agentId", "is required")
	}
	if len(opts.EventTypes) == 0 {
		return "", domain.Invalid("eventTypes", "must not be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	sub := &domain.EventSubscription{
		ID:          uuid.NewString(),
		AgentID:     opts.AgentID,
		AgentName:   opts.AgentName,
		EventTypes:  append([]string(nil), opts.EventTypes...),
		ExcludeSelf: opts.ExcludeSelf,
		OneShot:     opts.OneShot,
		Priority:    opts.Priority,
		Filter:      opts.Filter,
		Seq:         b.seq,
		CreatedAt:   b.now().UTC().Format(time.RFC3339Nano),
	}
	if opts.WaitGroupID != "" {
		gid := opts.WaitGroupID
		sub.WaitGroupID = &gid
		b.groupFor(gid).group.Members[sub.ID] = struct{}{}
	}
	b.subs[sub.ID] = sub
	if b.Store != nil {
		if err := b.Store.SaveSubscription(ctx, *sub); err != nil {
			b.Logger.Warn("persist subscription failed", "subscription", sub.ID, "err", err)
		}
	}
	return sub.ID, nil
}

// Unsubscribe removes a subscription and reports whether it existed.
// Unknown ids are ignored.
func (b *Bus) Unsubscribe(ctx context.Context, id string) bool {
	b.mu.Lock()
	_, existed := b.subs[id]
	delivered := b.removeLocked(ctx, id)
	b.mu.Unlock()
	b.notify(delivered)
	return existed
}

func (b *Bus) removeLocked(ctx context.Context, id string) []domain.PendingEvent {
	sub, ok := b.subs[id]
	if !ok {
		return nil
	}
	delete(b.subs, id)
	b.persistDelete(ctx, id)
	if sub.WaitGroupID == nil {
		return nil
	}
	g, ok := b.groups[*sub.WaitGroupID]
	if !ok {
		return nil
	}
	delete(g.group.Members, id)
	delete(g.group.Fulfilled, id)
	kept := g.held[:0]
	for _, pe := range g.held {
		if pe.SubscriptionID != id {
			kept = append(kept, pe)
		}
	}
	g.held = kept
	if len(g.group.Members) == 0 {
		delete(b.groups, g.group.ID)
		return nil
	}
	if g.group.Complete() {
		return b.flushLocked(ctx, g)
	}
	return nil
}

func (b *Bus) persistDelete(ctx context.Context, id string) {
	if b.Store == nil {
		return
	}
	if err := b.Store.DeleteSubscription(ctx, id); err != nil {
		b.Logger.Warn("delete subscription failed", "subscription", id, "err", err)
	}
}

func matches(sub *domain.EventSubscription, evt Event) bool {
	found := false
	for _, t := range sub.EventTypes {
		if t == evt.Type {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if sub.ExcludeSelf && sub.AgentID == evt.SourceAgentID {
		return false
	}
	f := sub.Filter
	if f.SourceAgentID != "" && f.SourceAgentID != evt.SourceAgentID {
		return false
	}
	if f.TaskID != "" {
		if id, _ := evt.Payload["taskId"].(string); id != f.TaskID {
			return false
		}
	}
	if f.TerminalOnly && evt.Type == TaskStatusChanged {
		status, _ := evt.Payload["status"].(string)
		if !domain.IsReportableTaskStatus(status) {
			return false
		}
	}
	return true
}

// Publish delivers evt to every matching subscription and returns how many
// pending events were enqueued, including held wait-group events released by it.
func (b *Bus) Publish(ctx context.Context, evt Event) int {
	b.mu.Lock()
	var found []*domain.EventSubscription
	for _, sub := range b.subs {
		if matches(sub, evt) {
			found = append(found, sub)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if found[i].Priority != found[j].Priority {
			return found[i].Priority > found[j].Priority
		}
		return found[i].Seq < found[j].Seq
	})

	ts := b.now().UTC().Format(time.RFC3339Nano)
	var delivered []domain.PendingEvent
	for _, sub := range found {
		pe := domain.PendingEvent{
			ID:             uuid.NewString(),
			AgentID:        sub.AgentID,
			Type:           evt.Type,
			SourceAgentID:  evt.SourceAgentID,
			WorkspaceID:    evt.WorkspaceID,
			Payload:        maps.Clone(evt.Payload),
			Timestamp:      ts,
			SubscriptionID: sub.ID,
		}
		if pe.Payload == nil {
			pe.Payload = map[string]any{}
		}
		if sub.WaitGroupID == nil {
			b.pending[sub.AgentID] = append(b.pending[sub.AgentID], pe)
			delivered = append(delivered, pe)
			if sub.OneShot {
				delete(b.subs, sub.ID)
				b.persistDelete(ctx, sub.ID)
			}
			continue
		}
		g := b.groupFor(*sub.WaitGroupID)
		if _, done := g.group.Fulfilled[sub.ID]; done && sub.OneShot {
			continue
		}
		g.held = append(g.held, pe)
		g.group.Fulfilled[sub.ID] = struct{}{}
		if g.group.Complete() {
			delivered = append(delivered, b.flushLocked(ctx, g)...)
		}
	}
	b.mu.Unlock()

	b.notify(delivered)
	if b.OnPublish != nil {
		b.OnPublish(evt.Type, len(delivered))
	}
	return len(delivered)
}

// flushLocked enqueues every held event of a complete group, deletes its
// one-shot members and resets it.
func (b *Bus) flushLocked(ctx context.Context, g *groupState) []domain.PendingEvent {
	out := g.held
	for _, pe := range out {
		b.pending[pe.AgentID] = append(b.pending[pe.AgentID], pe)
	}
	g.held = nil
	for id := range g.group.Members {
		sub, ok := b.subs[id]
		if !ok || !sub.OneShot {
			continue
		}
		delete(b.subs, id)
		delete(g.group.Members, id)
		b.persistDelete(ctx, id)
	}
	g.group = g.group.Reset()
	if len(g.group.Members) == 0 {
		delete(b.groups, g.group.ID)
	}
	return out
}

func (b *Bus) notify(delivered []domain.PendingEvent) {
	if len(delivered) == 0 {
		return
	}
	b.mu.Lock()
	entries := make([]listenerEntry, 0, len(b.listeners))
	keys := make([]int, 0, len(b.listeners))
	for k := range b.listeners {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	for _, k := range keys {
		entries = append(entries, b.listeners[k])
	}
	b.mu.Unlock()
	for _, pe := range delivered {
		for _, l := range entries {
			if l.agentID == "" || l.agentID == pe.AgentID {
				l.fn(pe)
			}
		}
	}
}

// Listen registers fn for events enqueued for agentID, or for every agent
// when agentID is empty. The returned func removes the listener.
func (b *Bus) Listen(agentID string, fn Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextLst++
	id := b.nextLst
	b.listeners[id] = listenerEntry{agentID: agentID, fn: fn}
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Drain returns and clears the agent's pending events.
func (b *Bus) Drain(agentID string) []domain.PendingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending[agentID]
	delete(b.pending, agentID)
	if out == nil {
		out = []domain.PendingEvent{}
	}
	return out
}

// Peek returns the agent's pending events without consuming them.
func (b *Bus) Peek(agentID string) []domain.PendingEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.PendingEvent{}, b.pending[agentID]...)
}

func (b *Bus) Pending(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[agentID])
}

// Subscription returns a copy of one subscription.
func (b *Bus) Subscription(id string) (domain.EventSubscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return domain.EventSubscription{}, false
	}
	return *sub, true
}

// Subscriptions lists subscriptions in creation order; an empty agentID lists all.
func (b *Bus) Subscriptions(agentID string) []domain.EventSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []domain.EventSubscription{}
	for _, sub := range b.subs {
		if agentID == "" || sub.AgentID == agentID {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (b *Bus) ListWaitGroups() []WaitGroupInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WaitGroupInfo, 0, len(b.groups))
	for _, g := range b.groups {
		out = append(out, g.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
