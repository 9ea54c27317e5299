package flow

import (
	"context"
	"sync"
	"time"

	"github.com/dshills/stageflow/flow/emit"
	"github.com/dshills/stageflow/flow/store"
)

// Reducer merges a sparse patch into the previous state, returning the new
// state. It must be total: every patch field is either applied or ignored,
// never an error. The reducer is the only place state is written, which is
// what makes each step's effects visible atomically to later steps.
type Reducer[S, P any] func(prev S, patch P) S

// Engine orchestrates stateful workflow execution.
//
// The Engine is a single-threaded cooperative executor:
//   - runs one node to completion at a time
//   - merges the node's patch into state via the reducer
//   - persists the merged state after every step
//   - advances along explicit routes or conditional edges
//   - pauses before the designated interrupt node, returning ErrInterrupted
//   - enforces MaxSteps and honors context cancellation
//
// There is no concurrent execution of nodes, and therefore no locking of
// the state value: each node receives an immutable read and returns a
// patch.
//
// Type parameter S is the state type threaded through every step; P is
// the sparse patch type returned by nodes.
type Engine[S, P any] struct {
	mu sync.RWMutex

	reducer   Reducer[S, P]
	nodes     map[string]Node[S, P]
	edges     []Edge[S]
	startNode string
	store     store.Store[S]
	emitter   emit.Emitter
	opts      Options
}

// New creates an Engine.
//
// Parameters:
//   - reducer: merges patches into state (required for Run)
//   - st: persistence backend for per-step state (required for Run)
//   - emitter: observability event receiver (nil disables events)
//   - opts: functional options (MaxSteps, Interrupt, Metrics)
func New[S, P any](reducer Reducer[S, P], st store.Store[S], emitter emit.Emitter, opts ...Option) *Engine[S, P] {
	var options Options
	for _, opt := range opts {
		opt(&options)
	}

	return &Engine[S, P]{
		reducer: reducer,
		nodes:   make(map[string]Node[S, P]),
		edges:   make([]Edge[S], 0),
		store:   st,
		emitter: emitter,
		opts:    options,
	}
}

// Add registers a node in the workflow graph. Node IDs must be unique.
// The interrupt node needs no registered implementation: the engine pauses
// before invoking it and never runs it.
func (e *Engine[S, P]) Add(nodeID string, node Node[S, P]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{
			Message: "duplicate node ID: " + nodeID,
			Code:    "DUPLICATE_NODE",
		}
	}

	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry point for workflow execution. The node must have
// been registered via Add.
func (e *Engine[S, P]) StartAt(nodeID string) error {
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{
			Message: "start node does not exist: " + nodeID,
			Code:    "NODE_NOT_FOUND",
		}
	}

	e.startNode = nodeID
	return nil
}

// Connect creates an edge between two nodes. A nil predicate makes the
// edge unconditional. Node existence is not validated here so graphs can
// be wired in any order; missing nodes surface at execution time.
func (e *Engine[S, P]) Connect(from, to string, predicate Predicate[S]) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge[S]{From: from, To: to, When: predicate})
	return nil
}

// Run executes the workflow from the configured start node until it
// terminates, errors, or reaches the interrupt node.
//
// On interrupt, Run persists the paused state (including any pending
// questions a node placed there) and returns it alongside ErrInterrupted.
// The caller collects external input, injects it into the returned state,
// and calls Resume.
func (e *Engine[S, P]) Run(ctx context.Context, runID string, initial S) (S, error) {
	var zero S

	if err := e.validate(); err != nil {
		return zero, err
	}

	return e.runLoop(ctx, runID, initial, e.startNode)
}

// Resume continues execution after an interrupt.
//
// Per the interrupt contract, the interrupt node itself is never executed:
// Resume advances along the interrupt node's outgoing edge and proceeds
// from there with the (caller-amended) state. The step counter restarts,
// so persisted history reflects save order, not a global sequence.
func (e *Engine[S, P]) Resume(ctx context.Context, runID string, state S) (S, error) {
	var zero S

	if err := e.validate(); err != nil {
		return zero, err
	}
	if e.opts.InterruptNode == "" {
		return zero, &EngineError{
			Message: "no interrupt node configured",
			Code:    "NO_INTERRUPT_NODE",
		}
	}

	next := e.evaluateEdges(e.opts.InterruptNode, state)
	if next == "" {
		return zero, &EngineError{
			Message: "no route from interrupt node: " + e.opts.InterruptNode,
			Code:    "NO_ROUTE",
		}
	}

	if e.emitter != nil {
		e.emitter.Emit(emit.Event{
			RunID:  runID,
			NodeID: next,
			Msg:    "resuming after interrupt",
		})
	}

	return e.runLoop(ctx, runID, state, next)
}

func (e *Engine[S, P]) validate() error {
	if e.reducer == nil {
		return &EngineError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.store == nil {
		return &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	if e.startNode == "" {
		return &EngineError{Message: "start node not set (call StartAt first)", Code: "NO_START_NODE"}
	}
	return nil
}

// runLoop is the shared execution loop behind Run and Resume.
func (e *Engine[S, P]) runLoop(ctx context.Context, runID string, initial S, startNode string) (S, error) {
	var zero S

	currentState := initial
	currentNode := startNode
	step := 0

	for {
		step++

		if e.opts.MaxSteps > 0 && step > e.opts.MaxSteps {
			return zero, ErrMaxStepsExceeded
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		// Pause before invoking the interrupt node. The paused state is
		// persisted first: a crash between here and the caller's own
		// checkpoint must not lose the pending questions.
		if e.opts.InterruptNode != "" && currentNode == e.opts.InterruptNode {
			if err := e.store.SaveStep(ctx, runID, step, currentNode, currentState); err != nil {
				return zero, &EngineError{
					Message: "failed to persist interrupted state: " + err.Error(),
					Code:    "STORE_ERROR",
				}
			}
			if e.opts.Metrics != nil {
				e.opts.Metrics.ObserveInterrupt(runID)
			}
			if e.emitter != nil {
				e.emitter.Emit(emit.Event{
					RunID:  runID,
					Step:   step,
					NodeID: currentNode,
					Msg:    "interrupted for external input",
				})
			}

			// Hand back an isolated copy so caller-side mutation cannot
			// alias whatever the store implementation retained.
			paused, err := DeepCopy(currentState)
			if err != nil {
				paused = currentState
			}
			return paused, ErrInterrupted
		}

		e.mu.RLock()
		nodeImpl, exists := e.nodes[currentNode]
		e.mu.RUnlock()

		if !exists {
			return zero, &EngineError{
				Message: "node not found during execution: " + currentNode,
				Code:    "NODE_NOT_FOUND",
			}
		}

		started := time.Now()
		result := nodeImpl.Run(ctx, currentState)

		if e.opts.Metrics != nil {
			e.opts.Metrics.ObserveStep(runID, currentNode, time.Since(started), result.Err != nil)
		}

		if result.Err != nil {
			if e.emitter != nil {
				e.emitter.Emit(emit.Event{
					RunID:  runID,
					Step:   step,
					NodeID: currentNode,
					Level:  emit.LevelError,
					Msg:    "node failed",
					Meta:   map[string]interface{}{"error": result.Err.Error()},
				})
			}
			return zero, result.Err
		}

		currentState = e.reducer(currentState, result.Patch)

		if err := e.store.SaveStep(ctx, runID, step, currentNode, currentState); err != nil {
			return zero, &EngineError{
				Message: "failed to save step: " + err.Error(),
				Code:    "STORE_ERROR",
			}
		}

		if e.emitter != nil {
			e.emitter.Emit(emit.Event{
				RunID:  runID,
				Step:   step,
				NodeID: currentNode,
				Msg:    "node completed",
			})
		}

		if result.Route.Terminal {
			return currentState, nil
		}

		if result.Route.To != "" {
			currentNode = result.Route.To
			continue
		}

		nextNode := e.evaluateEdges(currentNode, currentState)
		if nextNode == "" {
			if e.emitter != nil {
				e.emitter.Emit(emit.Event{
					RunID:  runID,
					Step:   step,
					NodeID: currentNode,
					Level:  emit.LevelError,
					Msg:    "no matching route",
				})
			}
			return zero, ErrNoRoute
		}

		currentNode = nextNode
	}
}

// evaluateEdges finds the first matching edge from the given node.
// Unconditional edges always match; conditional edges match when their
// predicate returns true. First match wins, in registration order.
// Returns the empty string if nothing matches.
func (e *Engine[S, P]) evaluateEdges(fromNode string, state S) string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, edge := range e.edges {
		if edge.From != fromNode {
			continue
		}
		if edge.When == nil || edge.When(state) {
			return edge.To
		}
	}
	return ""
}

// LoadLatest retrieves the most recently persisted state for a run, step
// number included. Use it to recover a run after a crash or to re-enter
// an interrupted run from a fresh process.
func (e *Engine[S, P]) LoadLatest(ctx context.Context, runID string) (S, int, error) {
	var zero S
	if e.store == nil {
		return zero, 0, &EngineError{Message: "store is required", Code: "MISSING_STORE"}
	}
	return e.store.LoadLatest(ctx, runID)
}
