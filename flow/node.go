package flow

import "context"

// Node is a processing unit in the workflow graph.
//
// A node receives an immutable read of the state, performs its work
// (calling workers, evaluating routers, deriving decisions), and returns
// a NodeResult carrying a sparse patch and a routing decision. Nodes
// never mutate state in place; the engine merges the patch via the
// configured reducer.
//
// Type parameter S is the state type shared across the workflow and
// P is the sparse patch type produced by each step.
type Node[S, P any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S, P]
}

// NodeResult is the output of a node execution.
type NodeResult[S, P any] struct {
	// Patch is the sparse state update produced by this node.
	// It is merged into the current state by the configured reducer.
	Patch P

	// Route specifies the next step in workflow execution.
	// Use Stop() for terminal nodes or Goto(id) for explicit routing.
	// A zero Route falls back to edge-based routing.
	Route Next

	// Err halts the workflow when non-nil.
	Err error
}

// Next specifies the next step after a node completes.
type Next struct {
	// To is the next node to execute. Mutually exclusive with Terminal.
	To string

	// Terminal indicates workflow execution should stop.
	Terminal bool
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// NodeFunc adapts a plain function to the Node interface.
//
//	review := flow.NodeFunc[State, Patch](func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
//	    return flow.NodeResult[State, Patch]{Patch: p, Route: flow.Goto("supervisor")}
//	})
type NodeFunc[S, P any] func(ctx context.Context, state S) NodeResult[S, P]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S, P]) Run(ctx context.Context, state S) NodeResult[S, P] {
	return f(ctx, state)
}

// NodeError is a structured error produced during node execution.
type NodeError struct {
	// Message is the human-readable error description.
	Message string

	// Code is a machine-readable error code.
	Code string

	// NodeID identifies which node produced this error.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeError) Unwrap() error {
	return e.Cause
}
