package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/stageflow/flow"
	"github.com/dshills/stageflow/pipeline/worker"
)

// Verdict field names, one per review kind.
const (
	VerdictPlanReview = "plan_review"
	VerdictDesign     = "design_review"
	VerdictCode       = "code_review"
	VerdictExecution  = "execution_check"
	VerdictPhysics    = "physics_check"
	VerdictComparison = "comparison_check"
)

// Counter keys, one per revision loop.
const (
	CounterPlanRevisions       = "plan_revisions"
	CounterDesignRevisions     = "design_revisions"
	CounterCodeRevisions       = "code_revisions"
	CounterExecutionRetries    = "execution_retries"
	CounterPhysicsRetries      = "physics_retries"
	CounterComparisonRevisions = "comparison_revisions"
)

// stageContext serializes the parts of state a worker prompt needs.
func stageContext(s State) string {
	ctx := map[string]interface{}{
		"goal":          s.Goal,
		"current_stage": s.CurrentStage,
	}
	if st, ok := s.Plan.Stage(s.CurrentStage); ok {
		ctx["stage"] = st
	}
	if len(s.Feedback) > 0 {
		ctx["feedback"] = s.Feedback
	}
	if len(s.Outputs) > 0 {
		ctx["outputs"] = s.Outputs
	}
	raw, err := json.MarshalIndent(ctx, "", "  ")
	if err != nil {
		return fmt.Sprintf("goal: %s\nstage: %s", s.Goal, s.CurrentStage)
	}
	return string(raw)
}

// planNode asks the planner worker for a stage plan. The reply's data
// must carry a "plan" entry decodable into Plan; a malformed reply
// leaves the previous plan in place and records feedback so the review
// step can send the planner back around.
func planNode(w worker.Worker) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		prompt := fmt.Sprintf("Produce a stage plan for this goal:\n%s", stageContext(s))
		res := worker.InvokeSafe(ctx, w, "planner",
			"You are a planner. Break the goal into ordered stages with dependencies.",
			prompt, true)

		patch := Patch{}
		if len(res.Issues) > 0 {
			patch.Feedback = map[string]string{"plan": strings.Join(res.Issues, "; ")}
		}

		if raw, ok := res.Data["plan"]; ok {
			var plan Plan
			if err := reencode(raw, &plan); err == nil && len(plan.Stages) > 0 {
				patch.Plan = &plan
			} else {
				patch.Feedback = map[string]string{"plan": fmt.Sprintf("plan did not decode: %v", err)}
			}
		}
		return flow.NodeResult[State, Patch]{Patch: patch}
	}
}

// reviewNode invokes a reviewer and records its verdict and feedback
// under the given field. failClosed reviewers default to needs_revision
// when the worker fails.
func reviewNode(w worker.Worker, kind, field, system string, failClosed bool) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		res := worker.InvokeSafe(ctx, w, kind, system, stageContext(s), failClosed)
		patch := Patch{
			Verdicts: map[string]interface{}{field: res.Verdict},
		}
		if res.Feedback != "" {
			patch.Feedback = map[string]string{field: res.Feedback}
		} else if len(res.Issues) > 0 {
			patch.Feedback = map[string]string{field: strings.Join(res.Issues, "; ")}
		}
		return flow.NodeResult[State, Patch]{Patch: patch}
	}
}

// produceNode invokes a generating worker (design, code) and stores its
// product under the named output key.
func produceNode(w worker.Worker, kind, outputKey, system string) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		res := worker.InvokeSafe(ctx, w, kind, system, stageContext(s), false)
		patch := Patch{}

		var product interface{}
		switch {
		case len(res.Data) > 0:
			product = res.Data
		case res.Summary != "":
			product = res.Summary
		}
		if product != nil {
			patch.Outputs = map[string]interface{}{outputKey: product}
		}
		if len(res.Issues) > 0 {
			patch.Feedback = map[string]string{outputKey: strings.Join(res.Issues, "; ")}
		}
		return flow.NodeResult[State, Patch]{Patch: patch}
	}
}

// executeNode runs the stage's artifact-producing work and resets the
// report's error field from the result.
func executeNode(w worker.Worker) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		res := worker.InvokeSafe(ctx, w, "executor",
			"Execute the designed stage and report produced artifacts.",
			stageContext(s), true)

		report := s.Report
		report.Error = ""
		if len(res.Issues) > 0 {
			report.Error = strings.Join(res.Issues, "; ")
		}

		patch := Patch{Report: &report}
		if len(res.Data) > 0 {
			patch.Outputs = map[string]interface{}{"execution": res.Data}
		}
		return flow.NodeResult[State, Patch]{Patch: patch}
	}
}

// checkNode invokes a validating worker and folds its findings into the
// stage report alongside the routing verdict.
func checkNode(w worker.Worker, kind, field, system string, fold func(report *StageReport, res worker.Result)) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		res := worker.InvokeSafe(ctx, w, kind, system, stageContext(s), true)

		report := s.Report
		fold(&report, res)

		patch := Patch{
			Verdicts: map[string]interface{}{field: res.Verdict},
			Report:   &report,
		}
		if res.Feedback != "" {
			patch.Feedback = map[string]string{field: res.Feedback}
		}
		if len(res.Issues) > 0 {
			patch.Discrepancies = res.Issues
		}
		return flow.NodeResult[State, Patch]{Patch: patch}
	}
}

func foldExecutionCheck(report *StageReport, res worker.Result) {
	report.MissingOutputs = stringSlice(res.Data["missing_outputs"])
	if note, ok := res.Data["analysis_note"].(string); ok && note != "" {
		report.AnalysisNote = note
	}
}

func foldPhysicsCheck(report *StageReport, res worker.Result) {
	report.PhysicsVerdict = res.Verdict
	if note, ok := res.Data["analysis_note"].(string); ok && note != "" {
		report.AnalysisNote = note
	}
}

func foldComparisonCheck(report *StageReport, res worker.Result) {
	report.ComparisonVerdict = res.Verdict
	report.PendingComparisons = stringSlice(res.Data["pending_comparisons"])
	if c, ok := res.Data["classification"].(string); ok {
		report.Classification = c
	}
	report.Matches = intValue(res.Data["matches"])
	report.Targets = intValue(res.Data["targets"])
	if note, ok := res.Data["analysis_note"].(string); ok && note != "" {
		report.AnalysisNote = note
	}
}

// scheduleNode adapts the scheduler to a workflow step. Deadlocks
// escalate with a checkpoint; completion routes to summarization.
func scheduleNode(cp Checkpointer) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		_, patch, outcome := Schedule(s, time.Now())
		switch outcome {
		case StageScheduled:
			return flow.NodeResult[State, Patch]{Patch: patch, Route: flow.Goto("design")}
		case AllStagesComplete:
			return flow.NodeResult[State, Patch]{Route: flow.Goto("summarize")}
		case StageInProgress:
			return flow.NodeResult[State, Patch]{Route: flow.Goto("design")}
		default:
			if cp != nil {
				if _, err := cp.Save(s.RunID, "before_ask_user_scheduler_deadlock", s); err != nil {
					return flow.NodeResult[State, Patch]{Err: err}
				}
			}
			esc := Patch{
				Trigger:          strPtr("scheduler_deadlock"),
				PendingQuestions: []string{"No stage is eligible to run and none is in progress. Which stage should be unblocked, or should the run stop?"},
			}
			return flow.NodeResult[State, Patch]{Patch: esc, Route: flow.Goto("ask_user")}
		}
	}
}

// approvePlanNode snapshots the approved plan before scheduling begins.
func approvePlanNode(cp Checkpointer) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		if cp != nil {
			if _, err := cp.Save(s.RunID, "after_planning", s); err != nil {
				return flow.NodeResult[State, Patch]{Err: err}
			}
		}
		return flow.NodeResult[State, Patch]{Route: flow.Goto("schedule")}
	}
}

// summarizeNode produces the final run summary, snapshots the completed
// run, and terminates the workflow. The summarizer is fail-open: a
// worker failure still yields a computed summary.
func summarizeNode(w worker.Worker, cp Checkpointer) flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		res := worker.InvokeSafe(ctx, w, "summarizer",
			"Summarize the completed run for a human reader.",
			stageContext(s), false)

		summary := res.Summary
		if summary == "" {
			summary = computedSummary(s)
		}
		patch := Patch{Summary: strPtr(summary)}

		if cp != nil {
			if _, err := cp.Save(s.RunID, "run_complete", Apply(s, patch)); err != nil {
				return flow.NodeResult[State, Patch]{Err: err}
			}
		}
		return flow.NodeResult[State, Patch]{Patch: patch, Route: flow.Stop()}
	}
}

func computedSummary(s State) string {
	var ok, partial, failed int
	for _, st := range s.Plan.Stages {
		switch s.Progress.Status(st.ID) {
		case StatusCompletedSuccess:
			ok++
		case StatusCompletedPartial:
			partial++
		case StatusCompletedFailed:
			failed++
		}
	}
	return fmt.Sprintf("%d stages succeeded, %d partial, %d failed", ok, partial, failed)
}

// interruptNode is the designated human-input point. The executor pauses
// before invoking it, so its body never runs during a normal pause; it
// exists so the graph has a routable node with an edge to the
// supervisor.
func interruptNode() flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		return flow.NodeResult[State, Patch]{Route: flow.Goto("supervisor")}
	}
}

// backtrackFlowNode adapts the backtrack manager to a workflow step.
func backtrackFlowNode(cp Checkpointer) flow.NodeFunc[State, Patch] {
	apply := BacktrackNode(cp)
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		target, patch, err := apply(s, time.Now())
		if err != nil {
			return flow.NodeResult[State, Patch]{Err: err}
		}
		return flow.NodeResult[State, Patch]{Patch: patch, Route: flow.Goto(target)}
	}
}

// reencode converts a decoded JSON value into a typed structure.
func reencode(raw, out interface{}) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func stringSlice(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intValue(raw interface{}) int {
	switch v := raw.(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}
