package toolserver

import (
	"context"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/mark3labs/mcp-go/mcp"

	"agentline/internal/domain"
)

// toolDef is one entry of the static dispatch table: a typed argument
// struct, a typed result and the schema both were generated from.
type toolDef struct {
	tool      mcp.Tool
	essential bool
	schema    *jsonschema.Schema
	handle    func(ctx context.Context, inst *Instance, req mcp.CallToolRequest) (any, error)
}

func define[A, R any](name, description string, essential bool, fn func(context.Context, *Instance, A) (R, error)) toolDef {
	var zero A
	return toolDef{
		tool:      mcp.NewTool(name, mcp.WithDescription(description), mcp.WithInputSchema[A]()),
		essential: essential,
		schema:    reflectSchema(zero),
		handle: func(ctx context.Context, inst *Instance, req mcp.CallToolRequest) (any, error) {
			var args A
			if err := req.BindArguments(&args); err != nil {
				return nil, domain.Invalid("", err.Error())
			}
			return fn(ctx, inst, args)
		},
	}
}

var (
	catalogOnce sync.Once
	catalogDefs []toolDef
)

func catalog() []toolDef {
	catalogOnce.Do(func() {
		catalogDefs = []toolDef{
			// essential
			define("list_agents", "List agents in a workspace, optionally filtered by parent, status or role.", true, listAgents),
			define("read_agent_conversation", "Read the conversation history of an agent, oldest first.", true, readAgentConversation),
			define("create_agent", "Register a new agent. The parent defaults to the calling agent.", true, createAgent),
			define("delegate_task", "Assign a task to an existing agent: the task moves to IN_PROGRESS and the agent receives the instructions.", true, delegateTask),
			define("delegate_task_to_agent", "Spawn a new specialist agent process for a task. With waitMode immediate or after_all the result arrives later as a pending event.", true, delegateTaskToAgent),
			define("send_message_to_agent", "Send a message to another agent's conversation.", true, sendMessageToAgent),
			define("report_to_parent", "Report the outcome of your task to the agent that delegated it.", true, reportToParent),

			define("create_task", "Create a task in a workspace.", false, createTask),
			define("get_task", "Read one task.", false, getTask),
			define("list_tasks", "List tasks, newest first.", false, listTasks),
			define("update_task_status", "Set the status of a task, optionally with a completion summary.", false, updateTaskStatus),
			define("update_task", "Update task fields. expectedVersion must equal the current version or the write is rejected with VERSION_CONFLICT.", false, updateTask),
			define("delete_task", "Delete a task.", false, deleteTask),
			define("get_agent_status", "Read an agent's status and active tasks.", false, getAgentStatus),
			define("get_agent_summary", "Read a digest of an agent's activity: last response and tool usage.", false, getAgentSummary),
			define("update_agent_status", "Set the status of an agent.", false, updateAgentStatus),
			define("subscribe_to_events", "Subscribe an agent to coordination events.", false, subscribeToEvents),
			define("unsubscribe_from_events", "Remove an event subscription. Unknown or already consumed ids return removed=false.", false, unsubscribeFromEvents),
			define("list_subscriptions", "List the event subscriptions of an agent.", false, listSubscriptions),
			define("get_pending_events", "Return and clear the events delivered to an agent. Set peek to keep them queued.", false, getPendingEvents),
			define("create_note", "Save a note in a workspace.", false, createNote),
			define("list_notes", "List notes, optionally by author or tag.", false, listNotes),
			define("get_note", "Read one note.", false, getNote),
			define("delete_note", "Delete a note.", false, deleteNote),
			define("create_workspace", "Create a workspace.", false, createWorkspace),
			define("list_workspaces", "List workspaces.", false, listWorkspaces),
			define("archive_workspace", "Archive a workspace.", false, archiveWorkspace),
			define("whoami", "Describe the identity this connection acts for.", false, whoami),
			define("git_status", "Show the branch and changed files of the working tree.", false, gitStatus),
			define("git_diff", "Show the working tree diff, optionally against a base revision and for some paths.", false, gitDiff),
			define("git_log", "Show recent commits.", false, gitLog),
		}
	})
	return catalogDefs
}

type noArgs struct{}

// agentID resolves an optional agent argument against the caller.
func (inst *Instance) agentID(field, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if id := inst.Caller().AgentID; id != "" {
		return id, nil
	}
	return "", domain.Invalid(field, "is required when the connection has no agent identity")
}

// workspaceID resolves an optional workspace argument against the caller,
// then against the caller agent's workspace.
func (inst *Instance) workspaceID(ctx context.Context, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	c := inst.Caller()
	if c.WorkspaceID != "" {
		return c.WorkspaceID, nil
	}
	if c.AgentID != "" {
		a, err := inst.srv.Engine.GetAgent(ctx, c.AgentID)
		if err != nil {
			return "", err
		}
		return a.WorkspaceID, nil
	}
	return "", domain.Invalid("workspaceId", "is required when the connection has no workspace identity")
}

func orEmpty[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
