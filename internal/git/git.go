// Package git runs read-only git commands for the git helper tools.
package git

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Runner executes git in one working directory.
type Runner struct {
	Dir string
}

func NewRunner(dir string) Runner {
	return Runner{Dir: dir}
}

func (r Runner) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimRight(string(out), "\n"), nil
}

type FileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

type Status struct {
	Branch string       `json:"branch"`
	Clean  bool         `json:"clean"`
	Files  []FileStatus `json:"files"`
}

// Status reports the current branch and the porcelain file list.
func (r Runner) Status(ctx context.Context) (Status, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return Status{}, err
	}
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return Status{}, err
	}
	st := Status{Branch: branch, Files: []FileStatus{}}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		st.Files = append(st.Files, FileStatus{Status: strings.TrimSpace(line[:2]), Path: line[3:]})
	}
	st.Clean = len(st.Files) == 0
	return st, nil
}

func (r Runner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Diff returns the working tree diff against base, or against the index when base is empty.
func (r Runner) Diff(ctx context.Context, base string, paths ...string) (string, error) {
	args := []string{"diff"}
	if base != "" {
		args = append(args, base)
	}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return r.run(ctx, args...)
}

type Commit struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

// Log returns up to limit commits from HEAD, newest first.
func (r Runner) Log(ctx context.Context, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := r.run(ctx, "log", "-n", strconv.Itoa(limit), "--pretty=format:%H%x1f%an%x1f%aI%x1f%s")
	if err != nil {
		return nil, err
	}
	commits := []Commit{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\x1f", 4)
		if len(parts) != 4 {
			continue
		}
		commits = append(commits, Commit{Hash: parts[0], Author: parts[1], Date: parts[2], Subject: parts[3]})
	}
	return commits, nil
}
