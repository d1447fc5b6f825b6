package events

import (
	"sort"

	"agentline/internal/domain"
)

// WaitGroup tracks which member subscriptions have seen a matching event.
// Delivery for the group happens exactly when Fulfilled equals Members.
type WaitGroup struct {
	ID        string
	Members   map[string]struct{}
	Fulfilled map[string]struct{}
}

func newWaitGroup(id string) WaitGroup {
	return WaitGroup{ID: id, Members: map[string]struct{}{}, Fulfilled: map[string]struct{}{}}
}

// Complete reports whether every member is fulfilled.
func (g WaitGroup) Complete() bool {
	if len(g.Members) == 0 || len(g.Fulfilled) != len(g.Members) {
		return false
	}
	for id := range g.Members {
		if _, ok := g.Fulfilled[id]; !ok {
			return false
		}
	}
	return true
}

func (g WaitGroup) Reset() WaitGroup {
	g.Fulfilled = map[string]struct{}{}
	return g
}

// WaitGroupInfo is a read-only view of a group for introspection.
type WaitGroupInfo struct {
	ID        string   `json:"id"`
	Members   []string `json:"members"`
	Fulfilled []string `json:"fulfilled"`
	Held      int      `json:"held"`
}

type groupState struct {
	group WaitGroup
	held  []domain.PendingEvent
}

func (s *groupState) info() WaitGroupInfo {
	return WaitGroupInfo{
		ID:        s.group.ID,
		Members:   sortedKeys(s.group.Members),
		Fulfilled: sortedKeys(s.group.Fulfilled),
		Held:      len(s.held),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
