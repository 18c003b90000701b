// Package worktree defines the Worktree domain entity.
package worktree

import "time"

// Status is the provisioning state of a worktree.
type Status string

const (
	StatusCreating   Status = "creating"
	StatusActive     Status = "active"
	StatusError      Status = "error"
	StatusCleaningUp Status = "cleaning_up"
	StatusDeleted    Status = "deleted"
)

// DatabaseIsolation describes how a worktree's application database is separated
// from the main project.
type DatabaseIsolation string

const (
	IsolationNone     DatabaseIsolation = "none"
	IsolationPrefix   DatabaseIsolation = "prefix"
	IsolationSeparate DatabaseIsolation = "separate"
)

// Worktree is an isolated git working directory bound to one branch.
// It is provisioned elsewhere; agent runs only read its path and branch.
type Worktree struct {
	ID                string            `json:"id"`
	ProjectID         string            `json:"project_id"`
	BranchName        string            `json:"branch_name"`
	Path              string            `json:"path"`
	PreviewURL        string            `json:"preview_url,omitempty"`
	Status            Status            `json:"status"`
	DatabaseIsolation DatabaseIsolation `json:"database_isolation"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Usable reports whether agents may run inside the worktree.
func (w Worktree) Usable() bool {
	return w.Path != "" && (w.Status == StatusActive || w.Status == "")
}
