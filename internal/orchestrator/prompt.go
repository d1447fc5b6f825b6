package orchestrator

import (
	"fmt"
	"strings"

	"agentline/internal/domain"
	"agentline/internal/engine"
)

// Bootstrap environment variables injected into every spawned process.
const (
	EnvAgentID       = "AGENTLINE_AGENT_ID"
	EnvTaskID        = "AGENTLINE_TASK_ID"
	EnvSessionID     = "AGENTLINE_SESSION_ID"
	EnvWorkspaceID   = "AGENTLINE_WORKSPACE_ID"
	EnvParentAgentID = "AGENTLINE_PARENT_AGENT_ID"
	EnvRole          = "AGENTLINE_ROLE"
	EnvMCPURL        = "AGENTLINE_MCP_URL"
)

func bootstrapEnv(agent domain.Agent, task domain.Task, sessionID, mcpURL string) map[string]string {
	env := map[string]string{
		EnvAgentID:     agent.ID,
		EnvTaskID:      task.ID,
		EnvSessionID:   sessionID,
		EnvWorkspaceID: agent.WorkspaceID,
		EnvRole:        agent.Role,
	}
	if agent.ParentID != nil {
		env[EnvParentAgentID] = *agent.ParentID
	}
	if mcpURL != "" {
		env[EnvMCPURL] = mcpURL
	}
	return env
}

var roleBriefs = map[string]string{
	domain.RoleCoordinator: "You coordinate other agents: split work into tasks, delegate them and review the reports you receive.",
	domain.RoleImplementor: "You implement the task below in the working directory. Keep changes inside the stated scope.",
	domain.RoleVerifier:    "You verify the task below. Run the verification commands and report a verdict of APPROVED, NOT_APPROVED or BLOCKED.",
	domain.RoleSolo:        "You own the task below end to end.",
}

// BuildPrompt renders the first prompt of a spawned agent. Identity travels
// in the process environment, not in this text.
func BuildPrompt(agent domain.Agent, task domain.Task, additional string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a %s agent.\n", agent.Name, strings.ToLower(agent.Role))
	if brief := roleBriefs[agent.Role]; brief != "" {
		b.WriteString(brief)
		b.WriteString("\n")
	}
	b.WriteString("Use the agentline tools to read your task, message other agents and report back.\n\n")
	b.WriteString(engine.TaskInstruction(task, additional))
	return b.String()
}

// roleForSpecialist maps a specialist name to an agent role.
func roleForSpecialist(specialist string) (string, error) {
	switch strings.ToUpper(strings.TrimSpace(specialist)) {
	case "", "IMPLEMENTOR", "IMPLEMENTER":
		return domain.RoleImplementor, nil
	case "VERIFIER", "REVIEWER":
		return domain.RoleVerifier, nil
	case "COORDINATOR":
		return domain.RoleCoordinator, nil
	case "SOLO":
		return domain.RoleSolo, nil
	}
	return "", domain.Invalid("specialist", "unknown specialist "+specialist)
}
