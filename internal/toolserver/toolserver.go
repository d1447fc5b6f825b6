// Package toolserver exposes the coordination engine as MCP tools over
// streamable HTTP and WebSocket.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"agentline/internal/config"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/events"
	"agentline/internal/git"
	"agentline/internal/metrics"
	"agentline/internal/orchestrator"
)

// Identity headers and query parameters sent by agent processes.
const (
	HeaderAgentID     = "X-Agent-Id"
	HeaderSessionID   = "X-Agent-Session-Id"
	HeaderWorkspaceID = "X-Workspace-Id"

	// NotificationAgentEvent carries bus events to a live client.
	NotificationAgentEvent = "notifications/agent_event"
)

// Tool error codes.
const (
	CodeNotFound                = "NOT_FOUND"
	CodeVersionConflict         = "VERSION_CONFLICT"
	CodeOrchestratorUnavailable = "ORCHESTRATOR_UNAVAILABLE"
	CodeSpawnFailure            = "SPAWN_FAILURE"
	CodeValidation              = "VALIDATION_ERROR"
	CodeConflict                = "CONFLICT"
	CodeInternal                = "INTERNAL"
)

// Delegator spawns and reaches agent processes.
type Delegator interface {
	DelegateTaskWithSpawn(ctx context.Context, req orchestrator.DelegateRequest) (orchestrator.DelegateResult, error)
	SendMessage(ctx context.Context, fromAgentID, toAgentID, content string) (domain.Message, error)
	BindSession(agentID, sessionID string)
}

// Caller is the identity a protocol session acts for.
type Caller struct {
	AgentID     string `json:"agentId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// CallerFromRequest reads identity headers, falling back to query parameters.
func CallerFromRequest(r *http.Request) Caller {
	q := r.URL.Query()
	pick := func(header, param string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return q.Get(param)
	}
	return Caller{
		AgentID:     pick(HeaderAgentID, "agentId"),
		SessionID:   pick(HeaderSessionID, "sessionId"),
		WorkspaceID: pick(HeaderWorkspaceID, "workspaceId"),
	}
}

// Server holds what every protocol instance shares. Mode is server-wide.
type Server struct {
	Engine engine.Engine
	Bus    *events.Bus
	// Delegator is nil when no orchestrator runs; spawning tools then
	// report ORCHESTRATOR_UNAVAILABLE.
	Delegator Delegator
	Git       git.Runner
	Mode      string
	Version   string
	Metrics   *metrics.Collector
	Logger    *slog.Logger
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) version() string {
	if s.Version == "" {
		return "dev"
	}
	return s.Version
}

// Tools lists the tool names registered in the server's mode.
func (s *Server) Tools() []string {
	var names []string
	for _, def := range catalog() {
		if s.includes(def) {
			names = append(names, def.tool.Name)
		}
	}
	return names
}

func (s *Server) includes(def toolDef) bool {
	return def.essential || s.Mode != config.ToolModeEssential
}

// Instance is one protocol session: an MCP server bound to a caller.
type Instance struct {
	srv       *Server
	mcp       *server.MCPServer
	transport string

	mu              sync.Mutex
	caller          Caller
	clientSessionID string
	initialized     bool
	onInitialize    func()
	unlisten        func()
	closed          bool
}

// NewInstance builds a fresh MCP server for one connection.
func (s *Server) NewInstance(caller Caller, transport string) *Instance {
	inst := &Instance{srv: s, caller: caller, transport: transport}
	hooks := &server.Hooks{}
	hooks.AddAfterInitialize(func(ctx context.Context, id any, msg *mcp.InitializeRequest, res *mcp.InitializeResult) {
		inst.mu.Lock()
		inst.initialized = true
		fn := inst.onInitialize
		inst.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	inst.mcp = server.NewMCPServer("agentline", s.version(),
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions(instructions),
	)
	for _, def := range catalog() {
		if s.includes(def) {
			inst.mcp.AddTool(def.tool, inst.handler(def))
		}
	}
	if caller.AgentID != "" && caller.SessionID != "" && s.Delegator != nil {
		s.Delegator.BindSession(caller.AgentID, caller.SessionID)
	}
	if caller.AgentID != "" && s.Bus != nil {
		inst.unlisten = s.Bus.Listen(caller.AgentID, inst.push)
	}
	s.Metrics.SessionOpened(transport)
	return inst
}

const instructions = `agentline coordinates a hierarchy of agents. Read your task with get_task, ` +
	`talk to other agents with send_message_to_agent, and finish with report_to_parent. ` +
	`Coordinators delegate with delegate_task_to_agent and receive results as pending events.`

// MCP returns the underlying MCP server.
func (inst *Instance) MCP() *server.MCPServer { return inst.mcp }

func (inst *Instance) Caller() Caller {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.caller
}

// Initialized reports whether the client completed the initialize handshake.
func (inst *Instance) Initialized() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.initialized
}

func (inst *Instance) setClientSession(id string) {
	inst.mu.Lock()
	inst.clientSessionID = id
	inst.mu.Unlock()
}

// push forwards a delivered bus event to the live client, if any.
func (inst *Instance) push(pe domain.PendingEvent) {
	inst.mu.Lock()
	id, closed := inst.clientSessionID, inst.closed
	inst.mu.Unlock()
	if id == "" || closed {
		return
	}
	err := inst.mcp.SendNotificationToSpecificClient(id, NotificationAgentEvent, map[string]any{"event": pe})
	if err != nil && !errors.Is(err, server.ErrSessionNotFound) {
		inst.srv.logger().Debug("push event failed", "session", id, "event", pe.Type, "err", err)
	}
}

// Close releases the instance. It is safe to call more than once.
func (inst *Instance) Close() {
	inst.mu.Lock()
	if inst.closed {
		inst.mu.Unlock()
		return
	}
	inst.closed = true
	unlisten := inst.unlisten
	inst.mu.Unlock()
	if unlisten != nil {
		unlisten()
	}
	inst.srv.Metrics.SessionClosed(inst.transport)
}

// CallTool runs a tool directly, bypassing the JSON-RPC layer.
func (inst *Instance) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	for _, def := range catalog() {
		if def.tool.Name == req.Params.Name && inst.srv.includes(def) {
			return inst.handler(def)(ctx, req)
		}
	}
	return errorResult(domain.NotFoundf("tool %s", req.Params.Name)), nil
}

func (inst *Instance) handler(def toolDef) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name := def.tool.Name
		var (
			out any
			err error
		)
		args := req.GetArguments()
		if args == nil && req.Params.Arguments != nil {
			err = domain.Invalid("", "arguments must be an object")
		} else if err = validateArgs(def.schema, args); err == nil {
			out, err = def.handle(ctx, inst, req)
		}
		inst.srv.Metrics.ToolCall(name, err != nil)
		if agentID := inst.Caller().AgentID; agentID != "" {
			if cerr := inst.srv.Engine.Repo.IncrementToolCall(ctx, agentID, name); cerr != nil {
				inst.srv.logger().Debug("count tool call failed", "agent", agentID, "tool", name, "err", cerr)
			}
		}
		if err != nil {
			if code := errorCode(err); code == CodeInternal {
				inst.srv.logger().Error("tool failed", "tool", name, "err", err)
			}
			return errorResult(err), nil
		}
		return jsonResult(out), nil
	}
}

type toolError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Hint    string         `json:"hint,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func errorCode(err error) string {
	var verr domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeValidation
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrVersionConflict):
		return CodeVersionConflict
	case errors.Is(err, domain.ErrOrchestratorUnavailable):
		return CodeOrchestratorUnavailable
	case errors.Is(err, domain.ErrSpawnFailure):
		return CodeSpawnFailure
	case errors.Is(err, domain.ErrConflict):
		return CodeConflict
	}
	return CodeInternal
}

func errorResult(err error) *mcp.CallToolResult {
	te := toolError{Code: errorCode(err), Message: err.Error()}
	var vc domain.VersionConflictError
	if errors.As(err, &vc) {
		te.Details = map[string]any{"taskId": vc.TaskID, "expectedVersion": vc.Expected, "currentVersion": vc.Actual}
		te.Hint = "re-read the task and retry with the current version"
	}
	if te.Code == CodeOrchestratorUnavailable {
		te.Hint = "no orchestrator is running; use delegate_task with an existing agent or do the work in this conversation"
	}
	body, _ := json.Marshal(map[string]any{"error": te})
	return mcp.NewToolResultError(string(body))
}

func jsonResult(v any) *mcp.CallToolResult {
	body, err := json.Marshal(v)
	if err != nil {
		return errorResult(err)
	}
	return mcp.NewToolResultText(string(body))
}
