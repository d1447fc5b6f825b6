package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/repo"
)

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

type idPath struct {
	ID string `path:"id"`
}

func requireBody(ctx context.Context) error {
	if len(bodyBytes(ctx)) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return nil
}

func registerWorkspaces(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-workspace",
		Method:        http.MethodPost,
		Path:          "/workspaces",
		Summary:       "Create workspace",
		Tags:          []string{"workspaces"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkspaceRequest `json:"body"`
	}) (*output[domain.Workspace], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		w, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{
			ID:       input.Body.ID,
			Title:    input.Body.Title,
			Metadata: input.Body.Metadata,
			ActorID:  actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workspaces",
		Method:      http.MethodGet,
		Path:        "/workspaces",
		Summary:     "List workspaces",
		Tags:        []string{"workspaces"},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,archived"`
	}) (*output[[]domain.Workspace], error) {
		items, err := e.ListWorkspaces(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(orEmpty(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workspace",
		Method:      http.MethodGet,
		Path:        "/workspaces/{id}",
		Summary:     "Get workspace",
		Tags:        []string{"workspaces"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Workspace], error) {
		w, err := e.GetWorkspace(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-workspace",
		Method:      http.MethodPatch,
		Path:        "/workspaces/{id}",
		Summary:     "Update workspace",
		Tags:        []string{"workspaces"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body UpdateWorkspaceRequest `json:"body"`
	}) (*output[domain.Workspace], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		w, err := e.UpdateWorkspace(ctx, engine.WorkspaceUpdateOptions{
			ID:       input.ID,
			Title:    input.Body.Title,
			Status:   input.Body.Status,
			Metadata: input.Body.Metadata,
			ActorID:  actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(w), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-workspace",
		Method:      http.MethodDelete,
		Path:        "/workspaces/{id}",
		Summary:     "Delete an empty workspace",
		Tags:        []string{"workspaces"},
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteWorkspace(ctx, input.ID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent",
		Tags:          []string{"agents"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*output[domain.Agent], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		a, err := e.CreateAgent(ctx, engine.AgentCreateOptions{
			ID:          input.Body.ID,
			Name:        input.Body.Name,
			Role:        input.Body.Role,
			WorkspaceID: input.Body.WorkspaceID,
			ParentID:    input.Body.ParentID,
			ModelTier:   input.Body.ModelTier,
			Metadata:    input.Body.Metadata,
			ActorID:     actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
		Tags:        []string{"agents"},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspaceId"`
		ParentID    string `query:"parentId"`
		Status      string `query:"status" enum:"PENDING,ACTIVE,COMPLETED,ERROR,CANCELLED"`
		Role        string `query:"role" enum:"COORDINATOR,IMPLEMENTOR,VERIFIER,SOLO"`
	}) (*output[[]domain.Agent], error) {
		items, err := e.ListAgents(ctx, repo.AgentFilters{
			WorkspaceID: input.WorkspaceID,
			ParentID:    input.ParentID,
			Status:      input.Status,
			Role:        input.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(orEmpty(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{id}",
		Summary:     "Get agent",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Agent], error) {
		a, err := e.GetAgent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(a), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-summary",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/summary",
		Summary:     "Agent activity digest",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[engine.AgentSummary], error) {
		s, err := e.GetSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-messages",
		Method:      http.MethodGet,
		Path:        "/agents/{id}/messages",
		Summary:     "Agent conversation",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Role  string `query:"role" enum:"user,assistant,system,tool"`
		Limit int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Message], error) {
		items, err := e.ListMessages(ctx, repo.MessageFilters{AgentID: input.ID, Role: input.Role, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(orEmpty(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-agent",
		Method:      http.MethodDelete,
		Path:        "/agents/{id}",
		Summary:     "Delete agent",
		Tags:        []string{"agents"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteAgent(ctx, input.ID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine, orch Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		b := input.Body
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ID:                   b.ID,
			WorkspaceID:          b.WorkspaceID,
			Title:                b.Title,
			Objective:            b.Objective,
			Scope:                b.Scope,
			AcceptanceCriteria:   b.AcceptanceCriteria,
			VerificationCommands: b.VerificationCommands,
			AssignedTo:           b.AssignedTo,
			Dependencies:         b.Dependencies,
			ParallelGroup:        b.ParallelGroup,
			ActorID:              actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Tags:        []string{"tasks"},
	}, func(ctx context.Context, input *struct {
		WorkspaceID   string `query:"workspaceId"`
		Status        string `query:"status" enum:"PENDING,IN_PROGRESS,REVIEW_REQUIRED,COMPLETED,NEEDS_FIX,BLOCKED,CANCELLED"`
		AssignedTo    string `query:"assignedTo"`
		ParallelGroup string `query:"parallelGroup"`
		Limit         int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Task], error) {
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			WorkspaceID:   input.WorkspaceID,
			Status:        input.Status,
			AssignedTo:    input.AssignedTo,
			ParallelGroup: input.ParallelGroup,
			Limit:         input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(orEmpty(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Task], error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Description: "Pass expectedVersion to reject the write when the task changed since it was read.",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*output[domain.Task], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:              input.ID,
			ExpectedVersion: input.Body.ExpectedVersion,
			ActorID:         actorID(ctx),
			Patch:           input.Body.patch(),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Tags:        []string{"tasks"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.ID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delegate-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/delegate",
		Summary:       "Spawn an agent process for the task",
		Tags:          []string{"tasks"},
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body DelegateTaskRequest `json:"body"`
	}) (*output[delegateResponse], error) {
		if orch == nil {
			return nil, handleError(fmt.Errorf("delegate task %s: %w", input.ID, domain.ErrOrchestratorUnavailable))
		}
		caller := input.Body.CallerAgentID
		if p, ok := principalFromContext(ctx); ok && caller == "" && p.Source == "agent_header" {
			caller = p.ActorID
		}
		res, err := orch.DelegateTaskWithSpawn(ctx, input.Body.request(input.ID, caller))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(delegateResponse(res)), nil
	})
}

func registerNotes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-note",
		Method:        http.MethodPost,
		Path:          "/notes",
		Summary:       "Create note",
		Tags:          []string{"notes"},
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateNoteRequest `json:"body"`
	}) (*output[domain.Note], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		n, err := e.CreateNote(ctx, engine.NoteCreateOptions{
			WorkspaceID: input.Body.WorkspaceID,
			AgentID:     input.Body.AgentID,
			Title:       input.Body.Title,
			Content:     input.Body.Content,
			Tags:        input.Body.Tags,
			ActorID:     actorID(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-notes",
		Method:      http.MethodGet,
		Path:        "/notes",
		Summary:     "List notes",
		Tags:        []string{"notes"},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspaceId"`
		AgentID     string `query:"agentId"`
		Tag         string `query:"tag"`
		Limit       int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Note], error) {
		items, err := e.ListNotes(ctx, repo.NoteFilters{
			WorkspaceID: input.WorkspaceID,
			AgentID:     input.AgentID,
			Tag:         input.Tag,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(orEmpty(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-note",
		Method:      http.MethodGet,
		Path:        "/notes/{id}",
		Summary:     "Get note",
		Tags:        []string{"notes"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Note], error) {
		n, err := e.GetNote(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(n), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-note",
		Method:      http.MethodDelete,
		Path:        "/notes/{id}",
		Summary:     "Delete note",
		Tags:        []string{"notes"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		if err := e.DeleteNote(ctx, input.ID, actorID(ctx)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine, orch Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List agent process sessions",
		Tags:        []string{"sessions"},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspaceId"`
		AgentID     string `query:"agentId"`
		Status      string `query:"status" enum:"RESERVED,RUNNING,EXITED,FAILED,TERMINATED"`
	}) (*output[[]domain.Session], error) {
		items, err := e.ListSessions(ctx, repo.SessionFilters{
			WorkspaceID: input.WorkspaceID,
			AgentID:     input.AgentID,
			Status:      input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(orEmpty(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get session",
		Tags:        []string{"sessions"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*output[domain.Session], error) {
		s, err := e.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-session",
		Method:      http.MethodDelete,
		Path:        "/sessions/{id}",
		Summary:     "Terminate and delete session",
		Tags:        []string{"sessions"},
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct{}, error) {
		var err error
		if orch != nil {
			err = orch.DeleteSession(ctx, input.ID, actorID(ctx))
		} else {
			err = e.DeleteSession(ctx, input.ID, actorID(ctx))
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Recent audit events",
		Tags:        []string{"events"},
	}, func(ctx context.Context, input *struct {
		WorkspaceID string `query:"workspaceId"`
		Limit       int    `query:"limit" default:"50"`
	}) (*output[[]domain.Event], error) {
		items, err := e.ListEvents(ctx, input.WorkspaceID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(orEmpty(items)), nil
	})
}
