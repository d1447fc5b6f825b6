package toolserver

import (
	"context"

	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/git"
	"agentline/internal/repo"
)

type createNoteArgs struct {
	Title       string   `json:"title" jsonschema:"minLength=1"`
	Content     string   `json:"content"`
	Tags        []string `json:"tags,omitempty"`
	WorkspaceID string   `json:"workspaceId,omitempty"`
}

func createNote(ctx context.Context, inst *Instance, args createNoteArgs) (domain.Note, error) {
	ws, err := inst.workspaceID(ctx, args.WorkspaceID)
	if err != nil {
		return domain.Note{}, err
	}
	caller := inst.Caller().AgentID
	return inst.srv.Engine.CreateNote(ctx, engine.NoteCreateOptions{
		WorkspaceID: ws,
		AgentID:     caller,
		Title:       args.Title,
		Content:     args.Content,
		Tags:        args.Tags,
		ActorID:     caller,
	})
}

type listNotesArgs struct {
	WorkspaceID string `json:"workspaceId,omitempty"`
	AgentID     string `json:"agentId,omitempty" jsonschema_description:"Only notes written by this agent."`
	Tag         string `json:"tag,omitempty"`
	Limit       int    `json:"limit,omitempty" jsonschema:"minimum=1"`
}

type noteList struct {
	Notes []domain.Note `json:"notes"`
}

func listNotes(ctx context.Context, inst *Instance, args listNotesArgs) (noteList, error) {
	ws, err := inst.workspaceID(ctx, args.WorkspaceID)
	if err != nil {
		return noteList{}, err
	}
	notes, err := inst.srv.Engine.ListNotes(ctx, repo.NoteFilters{WorkspaceID: ws, AgentID: args.AgentID, Tag: args.Tag, Limit: args.Limit})
	if err != nil {
		return noteList{}, err
	}
	return noteList{Notes: orEmpty(notes)}, nil
}

type noteArgs struct {
	NoteID string `json:"noteId"`
}

func getNote(ctx context.Context, inst *Instance, args noteArgs) (domain.Note, error) {
	return inst.srv.Engine.GetNote(ctx, args.NoteID)
}

func deleteNote(ctx context.Context, inst *Instance, args noteArgs) (deleted, error) {
	if err := inst.srv.Engine.DeleteNote(ctx, args.NoteID, inst.Caller().AgentID); err != nil {
		return deleted{}, err
	}
	return deleted{ID: args.NoteID, Deleted: true}, nil
}

type createWorkspaceArgs struct {
	Title    string         `json:"title" jsonschema:"minLength=1"`
	ID       string         `json:"id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func createWorkspace(ctx context.Context, inst *Instance, args createWorkspaceArgs) (domain.Workspace, error) {
	return inst.srv.Engine.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{
		ID:       args.ID,
		Title:    args.Title,
		Metadata: args.Metadata,
		ActorID:  inst.Caller().AgentID,
	})
}

type listWorkspacesArgs struct {
	Status string `json:"status,omitempty" jsonschema:"enum=active,enum=archived"`
}

type workspaceList struct {
	Workspaces []domain.Workspace `json:"workspaces"`
}

func listWorkspaces(ctx context.Context, inst *Instance, args listWorkspacesArgs) (workspaceList, error) {
	ws, err := inst.srv.Engine.ListWorkspaces(ctx, args.Status)
	if err != nil {
		return workspaceList{}, err
	}
	return workspaceList{Workspaces: orEmpty(ws)}, nil
}

type workspaceArgs struct {
	WorkspaceID string `json:"workspaceId"`
}

func archiveWorkspace(ctx context.Context, inst *Instance, args workspaceArgs) (domain.Workspace, error) {
	return inst.srv.Engine.ArchiveWorkspace(ctx, args.WorkspaceID, inst.Caller().AgentID)
}

type identity struct {
	Caller Caller        `json:"caller"`
	Agent  *domain.Agent `json:"agent,omitempty"`
	Mode   string        `json:"mode"`
	Tools  []string      `json:"tools"`
}

func whoami(ctx context.Context, inst *Instance, _ noArgs) (identity, error) {
	c := inst.Caller()
	out := identity{Caller: c, Mode: inst.srv.Mode, Tools: inst.srv.Tools()}
	if c.AgentID != "" {
		a, err := inst.srv.Engine.GetAgent(ctx, c.AgentID)
		if err != nil {
			return identity{}, err
		}
		out.Agent = &a
	}
	return out, nil
}

func gitStatus(ctx context.Context, inst *Instance, _ noArgs) (git.Status, error) {
	return inst.srv.Git.Status(ctx)
}

type gitDiffArgs struct {
	Base  string   `json:"base,omitempty" jsonschema_description:"Revision to diff against. Defaults to the index."`
	Paths []string `json:"paths,omitempty"`
}

type diffResult struct {
	Diff string `json:"diff"`
}

func gitDiff(ctx context.Context, inst *Instance, args gitDiffArgs) (diffResult, error) {
	out, err := inst.srv.Git.Diff(ctx, args.Base, args.Paths...)
	if err != nil {
		return diffResult{}, err
	}
	return diffResult{Diff: out}, nil
}

type gitLogArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1"`
}

type commitList struct {
	Commits []git.Commit `json:"commits"`
}

func gitLog(ctx context.Context, inst *Instance, args gitLogArgs) (commitList, error) {
	commits, err := inst.srv.Git.Log(ctx, args.Limit)
	if err != nil {
		return commitList{}, err
	}
	return commitList{Commits: commits}, nil
}
