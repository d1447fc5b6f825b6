package toolserver

import (
	"context"

	"agentline/internal/domain"
	"agentline/internal/events"
)

type subscribeArgs struct {
	EventTypes    []string `json:"eventTypes" jsonschema_description:"Event types such as TASK_STATUS_CHANGED or AGENT_COMPLETED."`
	AgentID       string   `json:"agentId,omitempty" jsonschema_description:"Subscriber. Defaults to the connection's agent."`
	ExcludeSelf   bool     `json:"excludeSelf,omitempty"`
	OneShot       bool     `json:"oneShot,omitempty"`
	WaitGroupID   string   `json:"waitGroupId,omitempty" jsonschema_description:"One-shot subscriptions sharing this id are delivered together once every member has matched."`
	Priority      int      `json:"priority,omitempty"`
	SourceAgentID string   `json:"sourceAgentId,omitempty"`
	TaskID        string   `json:"taskId,omitempty"`
	TerminalOnly  bool     `json:"terminalOnly,omitempty"`
}

type subscribed struct {
	SubscriptionID string `json:"subscriptionId"`
	AgentID        string `json:"agentId"`
}

func subscribeToEvents(ctx context.Context, inst *Instance, args subscribeArgs) (subscribed, error) {
	agentID, err := inst.agentID("agentId", args.AgentID)
	if err != nil {
		return subscribed{}, err
	}
	agent, err := inst.srv.Engine.GetAgent(ctx, agentID)
	if err != nil {
		return subscribed{}, err
	}
	id, err := inst.srv.Bus.Subscribe(ctx, events.SubscribeOptions{
		AgentID:     agent.ID,
		AgentName:   agent.Name,
		EventTypes:  args.EventTypes,
		ExcludeSelf: args.ExcludeSelf,
		OneShot:     args.OneShot,
		WaitGroupID: args.WaitGroupID,
		Priority:    args.Priority,
		Filter: domain.SubscriptionFilter{
			SourceAgentID: args.SourceAgentID,
			TaskID:        args.TaskID,
			TerminalOnly:  args.TerminalOnly,
		},
	})
	if err != nil {
		return subscribed{}, err
	}
	return subscribed{SubscriptionID: id, AgentID: agent.ID}, nil
}

type unsubscribeArgs struct {
	SubscriptionID string `json:"subscriptionId"`
}

type unsubscribed struct {
	SubscriptionID string `json:"subscriptionId"`
	Removed        bool   `json:"removed"`
}

func unsubscribeFromEvents(ctx context.Context, inst *Instance, args unsubscribeArgs) (unsubscribed, error) {
	removed := inst.srv.Bus.Unsubscribe(ctx, args.SubscriptionID)
	return unsubscribed{SubscriptionID: args.SubscriptionID, Removed: removed}, nil
}

type subscriptionList struct {
	Subscriptions []domain.EventSubscription `json:"subscriptions"`
}

func listSubscriptions(ctx context.Context, inst *Instance, args agentArgs) (subscriptionList, error) {
	id, err := inst.agentID("agentId", args.AgentID)
	if err != nil {
		return subscriptionList{}, err
	}
	return subscriptionList{Subscriptions: inst.srv.Bus.Subscriptions(id)}, nil
}

type pendingArgs struct {
	AgentID string `json:"agentId,omitempty" jsonschema_description:"Defaults to the connection's agent."`
	Peek    bool   `json:"peek,omitempty"`
}

type pendingList struct {
	AgentID string                `json:"agentId"`
	Events  []domain.PendingEvent `json:"events"`
}

func getPendingEvents(ctx context.Context, inst *Instance, args pendingArgs) (pendingList, error) {
	id, err := inst.agentID("agentId", args.AgentID)
	if err != nil {
		return pendingList{}, err
	}
	if args.Peek {
		return pendingList{AgentID: id, Events: inst.srv.Bus.Peek(id)}, nil
	}
	return pendingList{AgentID: id, Events: inst.srv.Bus.Drain(id)}, nil
}
