package core

import (
	"context"
	"time"
)

// Func is a unit of work that produces a result.
type Func func(ctx context.Context) (any, error)

// Action is a fire-and-forget unit of work.
type Action func(ctx context.Context)

// WorkerState represents the current state of a Worker.
type WorkerState uint8

const (
	// WorkerStateIdle means the queue is empty and no goroutine is attached
	WorkerStateIdle WorkerState = iota

	// WorkerStateRunning means a goroutine is draining the queue
	WorkerStateRunning

	// WorkerStateClosed means the worker rejects new work
	WorkerStateClosed
)

// String returns the string representation of WorkerState.
func (s WorkerState) String() string {
	switch s {
	case WorkerStateIdle:
		return "idle"
	case WorkerStateRunning:
		return "running"
	case WorkerStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ComponentState is the lifecycle state of a component.
type ComponentState int32

const (
	ComponentUninitialized ComponentState = iota
	ComponentActivating
	ComponentActive
	ComponentDeactivating
	ComponentInactive
)

// String returns the string representation of ComponentState.
func (s ComponentState) String() string {
	switch s {
	case ComponentUninitialized:
		return "uninitialized"
	case ComponentActivating:
		return "activating"
	case ComponentActive:
		return "active"
	case ComponentDeactivating:
		return "deactivating"
	case ComponentInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// WorkerOptions contains configuration options for creating a Worker.
type WorkerOptions struct {
	// Name is used in log records
	Name string

	// MailboxSize bounds the number of queued work items
	MailboxSize int

	// DefaultTimeout applies when a submission carries no WithTimeout
	DefaultTimeout time.Duration
}

// DefaultWorkerOptions returns sensible default options.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		MailboxSize:    4096,
		DefaultTimeout: 10 * time.Second,
	}
}

// WorkerStats contains runtime statistics for a Worker.
type WorkerStats struct {
	Name string

	State WorkerState

	// Total work items executed, inline calls included
	Processed uint64

	// Work items currently queued
	Queued int

	CreatedAt time.Time

	// Last time a work item finished
	LastActiveAt time.Time
}
