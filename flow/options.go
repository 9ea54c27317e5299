package flow

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine := flow.New(reducer, st, emitter,
//	    flow.WithMaxSteps(200),
//	    flow.WithInterrupt("ask_user"),
//	)
type Option func(*Options)

// Options configures Engine execution behavior.
// Zero values are valid; the Engine applies sensible defaults.
type Options struct {
	// MaxSteps limits workflow execution to prevent infinite loops.
	// If 0, no limit is enforced (use with caution). Review/revise loops
	// make a generous limit advisable: depth × max revision rounds.
	MaxSteps int

	// InterruptNode designates the single node at which execution pauses
	// for external input. The engine persists state and returns
	// ErrInterrupted *before* invoking this node; Resume continues past
	// it. Empty means the workflow has no interrupt point.
	InterruptNode string

	// Metrics receives Prometheus observations when non-nil.
	Metrics *PrometheusMetrics
}

// WithMaxSteps limits workflow execution to n steps.
func WithMaxSteps(n int) Option {
	return func(o *Options) {
		o.MaxSteps = n
	}
}

// WithInterrupt designates nodeID as the workflow's interrupt point.
func WithInterrupt(nodeID string) Option {
	return func(o *Options) {
		o.InterruptNode = nodeID
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(o *Options) {
		o.Metrics = metrics
	}
}
