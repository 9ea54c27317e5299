// Package store provides run-step persistence for workflow execution.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested run ID has no persisted state.
var ErrNotFound = errors.New("not found")

// Store persists workflow state step by step during execution.
//
// The engine saves the merged state after every node execution, so the
// most recent record is always sufficient to resume a run after a crash
// or an interrupt, without replaying earlier steps.
//
// Implementations:
//   - MemStore: in-memory, for tests and short-lived runs
//   - SQLiteStore: single-file database, zero-setup local persistence
//   - MySQLStore: shared database for runs that outlive one host
//
// Type parameter S is the state type to persist.
type Store[S any] interface {
	// SaveStep persists the state after a node execution step.
	//
	// Parameters:
	//   - runID: unique identifier for this workflow execution
	//   - step: sequential step number (starts at 1; resets on resume)
	//   - nodeID: ID of the node that produced this state
	//   - state: the workflow state after merging the node's patch
	SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error

	// LoadLatest retrieves the most recently saved state for a run,
	// along with its step number. Returns ErrNotFound if the run has
	// no persisted steps.
	LoadLatest(ctx context.Context, runID string) (state S, step int, err error)
}

// StepRecord is a single persisted execution step.
// Used by Store implementations to track step-by-step progression.
type StepRecord[S any] struct {
	// Step is the sequential step number (1-indexed).
	Step int

	// NodeID identifies which node produced this state.
	NodeID string

	// State is the workflow state after this step completed.
	State S
}
