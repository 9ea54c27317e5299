package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stageflow/flow"
	"github.com/dshills/stageflow/flow/emit"
	"github.com/dshills/stageflow/flow/store"
	"github.com/dshills/stageflow/pipeline/worker"
)

// Asker is the human-interaction channel. Given a trigger and the
// pending questions it returns a map of question to response, or an
// error when no response arrives (timeout, closed channel, EOF).
type Asker interface {
	Ask(ctx context.Context, trigger string, questions []string) (map[string]string, error)
}

// ErrNoResponse signals that the human channel produced no answer.
// Runs pause gracefully on it instead of failing.
var ErrNoResponse = errors.New("no human response")

// OrchestratorConfig assembles the collaborators for a pipeline run.
type OrchestratorConfig struct {
	// Worker performs all external work: planning, design, code,
	// execution, and every review. Required.
	Worker worker.Worker

	// Decide produces the supervisor's top-level verdicts. Required.
	Decide DecisionMaker

	// Triggers resolves pending escalations after human input. Optional;
	// without one, unresolved triggers go straight back to the human.
	Triggers TriggerHandler

	// Archiver persists completed-stage artifacts. Optional.
	Archiver Archiver

	// Checkpoints snapshots state at transition points. Optional but
	// strongly recommended; without it runs cannot be restored.
	Checkpoints Checkpointer

	// Asker collects human responses when the run pauses. Optional;
	// without one every pause ends the process gracefully.
	Asker Asker

	// Store persists per-step state for crash recovery. Required.
	Store store.Store[State]

	// Emitter receives observability events. Optional.
	Emitter emit.Emitter

	// Runtime overrides the built-in limits and thresholds.
	Runtime RuntimeConfig

	// MaxSteps bounds one engine invocation. Zero means the engine
	// default.
	MaxSteps int

	// Metrics records step counters and latencies. Optional.
	Metrics *flow.PrometheusMetrics
}

// Orchestrator runs the full pipeline workflow: plan, review, schedule,
// per-stage design/code/execute/validate loops, supervisor cycles,
// backtracking, human escalation, and final summarization.
type Orchestrator struct {
	engine  *flow.Engine[State, Patch]
	cfg     OrchestratorConfig
	emitter emit.Emitter
}

// NewOrchestrator wires the workflow graph.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Worker == nil {
		return nil, errors.New("pipeline: worker is required")
	}
	if cfg.Decide == nil {
		return nil, errors.New("pipeline: decision maker is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store is required")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	opts := []flow.Option{flow.WithInterrupt("ask_user")}
	if cfg.MaxSteps > 0 {
		opts = append(opts, flow.WithMaxSteps(cfg.MaxSteps))
	}
	if cfg.Metrics != nil {
		opts = append(opts, flow.WithMetrics(cfg.Metrics))
	}

	eng := flow.New[State, Patch](Apply, cfg.Store, emitter, opts...)

	sup := NewSupervisor(cfg.Decide, cfg.Triggers, cfg.Archiver, cfg.Checkpoints, emitter)
	w, cp := cfg.Worker, cfg.Checkpoints

	nodes := map[string]flow.Node[State, Patch]{
		"plan": planNode(w),
		"plan_review": reviewNode(w, "plan_review", VerdictPlanReview,
			"Review the stage plan for completeness, ordering, and dependency correctness.", true),
		"route_plan_review": NewVerdictRouter(planReviewRoutes(), cp, emitter).Node(),

		"approve_plan": approvePlanNode(cp),
		"schedule":     scheduleNode(cp),

		"design": produceNode(w, "designer", "design",
			"Design the current stage in detail, ready for implementation."),
		"design_review": reviewNode(w, "design_review", VerdictDesign,
			"Review the stage design against the plan and prior feedback.", true),
		"route_design_review": NewVerdictRouter(designReviewRoutes(), cp, emitter).Node(),

		"code": produceNode(w, "coder", "code",
			"Implement the designed stage."),
		"code_review": reviewNode(w, "code_review", VerdictCode,
			"Review the implementation for correctness and safety.", true),
		"route_code_review": NewVerdictRouter(codeReviewRoutes(), cp, emitter).Node(),

		"execute": executeNode(w),
		"execution_check": checkNode(w, "execution_check", VerdictExecution,
			"Check that execution produced every expected artifact. Verdict: pass or fail.",
			foldExecutionCheck),
		"route_execution_check": NewVerdictRouter(executionCheckRoutes(), cp, emitter).Node(),

		"physics_check": checkNode(w, "physics_check", VerdictPhysics,
			"Sanity-check the results for physical plausibility. Verdict: pass, warning, or fail.",
			foldPhysicsCheck),
		"route_physics_check": NewVerdictRouter(physicsCheckRoutes(), cp, emitter).Node(),

		"comparison_check": checkNode(w, "comparison_check", VerdictComparison,
			"Compare results against targets and classify the match. Verdict: approve or needs_revision.",
			foldComparisonCheck),
		"route_comparison_check": NewVerdictRouter(comparisonCheckRoutes(), cp, emitter).Node(),

		"supervisor": sup.Node(),
		"backtrack":  backtrackFlowNode(cp),
		"ask_user":   interruptNode(),
		"summarize":  summarizeNode(w, cp),
	}
	for id, node := range nodes {
		if err := eng.Add(id, node); err != nil {
			return nil, err
		}
	}
	if err := eng.StartAt("plan"); err != nil {
		return nil, err
	}

	edges := [][2]string{
		{"plan", "plan_review"},
		{"plan_review", "route_plan_review"},
		{"design", "design_review"},
		{"design_review", "route_design_review"},
		{"code", "code_review"},
		{"code_review", "route_code_review"},
		{"execute", "execution_check"},
		{"execution_check", "route_execution_check"},
		{"physics_check", "route_physics_check"},
		{"comparison_check", "route_comparison_check"},
		{"ask_user", "supervisor"},
	}
	for _, e := range edges {
		if err := eng.Connect(e[0], e[1], nil); err != nil {
			return nil, err
		}
	}

	return &Orchestrator{engine: eng, cfg: cfg, emitter: emitter}, nil
}

func planReviewRoutes() RouterConfig {
	return RouterConfig{
		Field: VerdictPlanReview,
		Label: "plan_review",
		Routes: map[string]RouteRule{
			"approve": {Target: "approve_plan"},
			"needs_revision": {Target: "plan", Limit: &LimitRule{
				CounterKey: CounterPlanRevisions,
				ConfigKey:  KeyMaxPlanRevisions,
				Default:    3,
			}},
		},
	}
}

func designReviewRoutes() RouterConfig {
	return RouterConfig{
		Field: VerdictDesign,
		Label: "design_review",
		Routes: map[string]RouteRule{
			"approve": {Target: "code"},
			"needs_revision": {Target: "design", Limit: &LimitRule{
				CounterKey: CounterDesignRevisions,
				ConfigKey:  KeyMaxDesignRevisions,
				Default:    3,
			}},
		},
	}
}

func codeReviewRoutes() RouterConfig {
	return RouterConfig{
		Field: VerdictCode,
		Label: "code_review",
		Routes: map[string]RouteRule{
			"approve": {Target: "execute"},
			"needs_revision": {Target: "code", Limit: &LimitRule{
				CounterKey: CounterCodeRevisions,
				ConfigKey:  KeyMaxCodeRevisions,
				Default:    3,
			}},
		},
	}
}

func executionCheckRoutes() RouterConfig {
	retry := &LimitRule{
		CounterKey: CounterExecutionRetries,
		ConfigKey:  KeyMaxExecutionRetries,
		Default:    2,
	}
	return RouterConfig{
		Field: VerdictExecution,
		Label: "execution_check",
		Routes: map[string]RouteRule{
			"pass":           {Target: "physics_check"},
			"fail":           {Target: "execute", Limit: retry},
			"needs_revision": {Target: "execute", Limit: retry},
		},
	}
}

func physicsCheckRoutes() RouterConfig {
	retry := &LimitRule{
		CounterKey:  CounterPhysicsRetries,
		ConfigKey:   KeyMaxPhysicsRetries,
		Default:     2,
		PassThrough: []string{"warning"},
	}
	return RouterConfig{
		Field: VerdictPhysics,
		Label: "physics_check",
		Routes: map[string]RouteRule{
			"pass":           {Target: "comparison_check"},
			"warning":        {Target: "comparison_check", Limit: retry},
			"fail":           {Target: "execute", Limit: retry},
			"needs_revision": {Target: "execute", Limit: retry},
		},
	}
}

func comparisonCheckRoutes() RouterConfig {
	return RouterConfig{
		Field: VerdictComparison,
		Label: "comparison_check",
		Routes: map[string]RouteRule{
			"approve": {Target: "supervisor"},
			"needs_revision": {Target: "execute", Limit: &LimitRule{
				CounterKey: CounterComparisonRevisions,
				ConfigKey:  KeyMaxComparisonRevisions,
				Default:    3,
			}},
		},
	}
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Run starts a fresh run toward the goal and drives it to completion,
// pausing at the interrupt point whenever a step escalates and feeding
// collected responses back in. A missing or unresponsive human channel
// checkpoints the paused state and returns it without error so the run
// can be resumed later.
func (o *Orchestrator) Run(ctx context.Context, runID, goal string) (State, error) {
	if runID == "" {
		runID = NewRunID()
	}
	initial := State{
		RunID:  runID,
		Goal:   goal,
		Config: o.cfg.Runtime,
	}

	state, err := o.engine.Run(ctx, runID, initial)
	return o.driveInterrupts(ctx, runID, state, err)
}

// Resume continues a run from previously persisted state, typically
// loaded via LoadLatest or a checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID string, state State) (State, error) {
	next, err := o.engine.Resume(ctx, runID, state)
	return o.driveInterrupts(ctx, runID, next, err)
}

// LoadLatest restores the most recently persisted state for a run.
func (o *Orchestrator) LoadLatest(ctx context.Context, runID string) (State, int, error) {
	return o.engine.LoadLatest(ctx, runID)
}

// driveInterrupts loops over interrupt pauses, asking the human channel
// and resuming, until the run completes or no response is available.
func (o *Orchestrator) driveInterrupts(ctx context.Context, runID string, state State, err error) (State, error) {
	for errors.Is(err, flow.ErrInterrupted) {
		responses, askErr := o.ask(ctx, state)
		if askErr != nil {
			return o.pauseRun(runID, state, askErr)
		}
		state = Apply(state, Patch{HumanResponses: responses})
		state, err = o.engine.Resume(ctx, runID, state)
	}
	return state, err
}

// ask collects responses for the pending questions, bounded by the
// configured human timeout.
func (o *Orchestrator) ask(ctx context.Context, s State) (map[string]string, error) {
	if o.cfg.Asker == nil {
		return nil, ErrNoResponse
	}

	timeout := time.Duration(s.Config.Value(KeyHumanTimeoutSeconds)) * time.Second
	askCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		askCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	responses, err := o.cfg.Asker.Ask(askCtx, s.Trigger, s.PendingQuestions)
	if err != nil {
		return nil, err
	}
	if len(responses) == 0 {
		return nil, ErrNoResponse
	}
	return responses, nil
}

// pauseRun checkpoints an unanswered pause and returns the state without
// error; the run is resumable from the checkpoint like any restart.
func (o *Orchestrator) pauseRun(runID string, s State, cause error) (State, error) {
	o.emitter.Emit(emit.Event{
		RunID: runID,
		Level: emit.LevelWarn,
		Msg:   "pausing run, no human response",
		Meta:  map[string]interface{}{"trigger": s.Trigger, "error": cause.Error()},
	})
	if o.cfg.Checkpoints != nil {
		if _, err := o.cfg.Checkpoints.Save(runID, "paused_awaiting_human", s); err != nil {
			return s, fmt.Errorf("checkpoint paused_awaiting_human: %w", err)
		}
	}
	return s, nil
}
