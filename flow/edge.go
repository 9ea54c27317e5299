// Package flow provides the graph execution engine for stageflow.
package flow

// Edge is a connection between two nodes in the workflow graph.
//
// Edges define control flow between nodes:
//   - Unconditional: always traverse (When = nil).
//   - Conditional: traverse only when the predicate returns true.
//
// Explicit routing via NodeResult.Route overrides edge-based routing.
// When multiple edges leave a node, they are evaluated in registration
// order and the first match wins.
type Edge[S any] struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string

	// When is an optional traversal predicate. Nil means unconditional.
	When Predicate[S]
}

// Predicate evaluates state to decide whether an edge should be traversed.
// Predicates must be pure: deterministic and free of side effects.
type Predicate[S any] func(state S) bool
