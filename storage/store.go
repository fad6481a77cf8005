// Package storage journals generation tasks so pending work survives a
// process restart. A memory store backs tests and single-run deployments; a
// postgres store is used when DATABASE_URL is set.
package storage

import (
	"context"

	"github.com/hibeats/engine/core"
)

// ErrTaskNotFound is returned for unknown task ids.
var ErrTaskNotFound = core.Err("task not found")

// Store abstracts task journal persistence.
type Store interface {
	// SaveTask upserts a task record.
	SaveTask(ctx context.Context, task core.GenerationTask) error
	GetTask(ctx context.Context, taskID string) (core.GenerationTask, error)
	// ListUnfinished returns tasks that still need work: non-terminal
	// status, or a completed batch whose ledger completion write failed.
	ListUnfinished(ctx context.Context) ([]core.GenerationTask, error)
	Close()
}

func unfinished(t core.GenerationTask) bool {
	return !t.Status.Terminal() || t.NeedsCompletion
}
