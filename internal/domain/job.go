package domain

import "time"

type TaskKind string

const (
	// TaskPull walks the owner's change feed and fans changes out to the sync queue.
	TaskPull TaskKind = "pull"
	// TaskSync drains the owner's sync queue one item at a time.
	TaskSync TaskKind = "sync"
	// TaskDrain drains the owner's general work queue.
	TaskDrain TaskKind = "drain"
	// TaskPlan is the downstream plan stage.
	TaskPlan TaskKind = "plan"
)

// Task is the unit the worker pool pops off the runtime queue. Attempt counts
// reschedules caused by transient failures, starting at 0.
type Task struct {
	ID         string    `json:"id"`
	Kind       TaskKind  `json:"kind"`
	OwnerID    string    `json:"owner_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

func (k TaskKind) Valid() bool {
	switch k {
	case TaskPull, TaskSync, TaskDrain, TaskPlan:
		return true
	}
	return false
}
