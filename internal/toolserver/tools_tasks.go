package toolserver

import (
	"context"

	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/repo"
)

type createTaskArgs struct {
	Title                string   `json:"title" jsonschema:"minLength=1"`
	Objective            string   `json:"objective,omitempty"`
	Scope                string   `json:"scope,omitempty"`
	AcceptanceCriteria   []string `json:"acceptanceCriteria,omitempty"`
	VerificationCommands []string `json:"verificationCommands,omitempty"`
	AssignedTo           string   `json:"assignedTo,omitempty"`
	Dependencies         []string `json:"dependencies,omitempty"`
	ParallelGroup        string   `json:"parallelGroup,omitempty"`
	WorkspaceID          string   `json:"workspaceId,omitempty"`
}

func createTask(ctx context.Context, inst *Instance, args createTaskArgs) (domain.Task, error) {
	ws, err := inst.workspaceID(ctx, args.WorkspaceID)
	if err != nil {
		return domain.Task{}, err
	}
	return inst.srv.Engine.CreateTask(ctx, engine.TaskCreateOptions{
		WorkspaceID:          ws,
		Title:                args.Title,
		Objective:            args.Objective,
		Scope:                args.Scope,
		AcceptanceCriteria:   args.AcceptanceCriteria,
		VerificationCommands: args.VerificationCommands,
		AssignedTo:           args.AssignedTo,
		Dependencies:         args.Dependencies,
		ParallelGroup:        args.ParallelGroup,
		ActorID:              inst.Caller().AgentID,
	})
}

type taskArgs struct {
	TaskID string `json:"taskId"`
}

func getTask(ctx context.Context, inst *Instance, args taskArgs) (domain.Task, error) {
	return inst.srv.Engine.GetTask(ctx, args.TaskID)
}

type listTasksArgs struct {
	WorkspaceID   string `json:"workspaceId,omitempty"`
	Status        string `json:"status,omitempty" jsonschema:"enum=PENDING,enum=IN_PROGRESS,enum=REVIEW_REQUIRED,enum=COMPLETED,enum=NEEDS_FIX,enum=BLOCKED,enum=CANCELLED"`
	AssignedTo    string `json:"assignedTo,omitempty"`
	ParallelGroup string `json:"parallelGroup,omitempty"`
	Limit         int    `json:"limit,omitempty" jsonschema:"minimum=1"`
}

type taskList struct {
	Tasks []domain.Task `json:"tasks"`
}

func listTasks(ctx context.Context, inst *Instance, args listTasksArgs) (taskList, error) {
	ws, err := inst.workspaceID(ctx, args.WorkspaceID)
	if err != nil {
		return taskList{}, err
	}
	tasks, err := inst.srv.Engine.ListTasks(ctx, repo.TaskFilters{
		WorkspaceID:   ws,
		Status:        args.Status,
		AssignedTo:    args.AssignedTo,
		ParallelGroup: args.ParallelGroup,
		Limit:         args.Limit,
	})
	if err != nil {
		return taskList{}, err
	}
	return taskList{Tasks: orEmpty(tasks)}, nil
}

type updateTaskStatusArgs struct {
	TaskID            string  `json:"taskId"`
	Status            string  `json:"status" jsonschema:"enum=PENDING,enum=IN_PROGRESS,enum=REVIEW_REQUIRED,enum=COMPLETED,enum=NEEDS_FIX,enum=BLOCKED,enum=CANCELLED"`
	AgentID           string  `json:"agentId,omitempty" jsonschema_description:"Agent making the change. Defaults to the connection's agent."`
	CompletionSummary *string `json:"completionSummary,omitempty"`
}

func updateTaskStatus(ctx context.Context, inst *Instance, args updateTaskStatusArgs) (domain.Task, error) {
	agentID := args.AgentID
	if agentID == "" {
		agentID = inst.Caller().AgentID
	}
	return inst.srv.Engine.UpdateTaskStatus(ctx, args.TaskID, args.Status, agentID, args.CompletionSummary)
}

type updateTaskArgs struct {
	TaskID               string    `json:"taskId"`
	ExpectedVersion      int       `json:"expectedVersion" jsonschema:"minimum=1"`
	Title                *string   `json:"title,omitempty"`
	Objective            *string   `json:"objective,omitempty"`
	Scope                *string   `json:"scope,omitempty"`
	AcceptanceCriteria   *[]string `json:"acceptanceCriteria,omitempty"`
	VerificationCommands *[]string `json:"verificationCommands,omitempty"`
	AssignedTo           *string   `json:"assignedTo,omitempty"`
	Status               *string   `json:"status,omitempty" jsonschema:"enum=PENDING,enum=IN_PROGRESS,enum=REVIEW_REQUIRED,enum=COMPLETED,enum=NEEDS_FIX,enum=BLOCKED,enum=CANCELLED"`
	Dependencies         *[]string `json:"dependencies,omitempty"`
	ParallelGroup        *string   `json:"parallelGroup,omitempty"`
	CompletionSummary    *string   `json:"completionSummary,omitempty"`
	VerificationVerdict  *string   `json:"verificationVerdict,omitempty" jsonschema:"enum=APPROVED,enum=NOT_APPROVED,enum=BLOCKED"`
	VerificationReport   *string   `json:"verificationReport,omitempty"`
}

func updateTask(ctx context.Context, inst *Instance, args updateTaskArgs) (domain.Task, error) {
	expected := args.ExpectedVersion
	return inst.srv.Engine.UpdateTask(ctx, engine.TaskUpdateOptions{
		ID:              args.TaskID,
		ExpectedVersion: &expected,
		ActorID:         inst.Caller().AgentID,
		Patch: domain.TaskPatch{
			Title:                args.Title,
			Objective:            args.Objective,
			Scope:                args.Scope,
			AcceptanceCriteria:   args.AcceptanceCriteria,
			VerificationCommands: args.VerificationCommands,
			AssignedTo:           args.AssignedTo,
			Status:               args.Status,
			Dependencies:         args.Dependencies,
			ParallelGroup:        args.ParallelGroup,
			CompletionSummary:    args.CompletionSummary,
			VerificationVerdict:  args.VerificationVerdict,
			VerificationReport:   args.VerificationReport,
		},
	})
}

type deleted struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

func deleteTask(ctx context.Context, inst *Instance, args taskArgs) (deleted, error) {
	if err := inst.srv.Engine.DeleteTask(ctx, args.TaskID, inst.Caller().AgentID); err != nil {
		return deleted{}, err
	}
	return deleted{ID: args.TaskID, Deleted: true}, nil
}
