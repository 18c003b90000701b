// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrTaskRunning indicates a run was requested for a task that is already in progress.
var ErrTaskRunning = errors.New("task is already running")

// ErrDriverNotFound indicates no agent driver is registered under the requested name.
var ErrDriverNotFound = errors.New("agent driver not found")
