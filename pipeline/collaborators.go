package pipeline

import (
	"context"
	"strings"

	"github.com/dshills/stageflow/pipeline/worker"
)

// WorkerDecisionMaker asks the worker boundary for the supervisor's
// top-level verdict. Fail-open: a worker failure yields ask_human so a
// human resolves the gap rather than the run crashing or spinning.
type WorkerDecisionMaker struct {
	w worker.Worker
}

// NewWorkerDecisionMaker wraps a worker as the decision collaborator.
func NewWorkerDecisionMaker(w worker.Worker) *WorkerDecisionMaker {
	return &WorkerDecisionMaker{w: w}
}

// Decide invokes the supervisor_decision worker kind. The reply verdict
// must be one of the Decision* values; anything else is surfaced as-is
// and the supervisor's fallback handling escalates it.
func (d *WorkerDecisionMaker) Decide(ctx context.Context, s State, outcome StageStatus, summary string) (DecisionResult, error) {
	prompt := stageContext(s)
	if outcome != "" {
		prompt += "\n\nlast stage outcome: " + string(outcome) + "\nsummary: " + summary
	}
	res, err := d.w.Invoke(ctx, "supervisor_decision",
		"Decide the next action: continue, replan_needed, change_priority, ask_human, backtrack_to_stage, or all_complete. For backtrack_to_stage include data.target.",
		prompt)
	if err != nil {
		return DecisionResult{Verdict: DecisionAskHuman, Reason: "decision worker failed: " + err.Error()}, nil
	}

	dec := DecisionResult{Verdict: res.Verdict, Reason: res.Feedback}
	if t, ok := res.Data["target"].(string); ok {
		dec.BacktrackTarget = t
	}
	if dec.Verdict == "" {
		dec.Verdict = DecisionContinue
	}
	return dec, nil
}

// ResponseTriggerHandler resolves escalation triggers by interpreting
// the human's free-text responses as commands: continue, replan,
// backtrack <stage>, stop. An empty buffer means the human has not
// answered yet, so the trigger is preserved.
type ResponseTriggerHandler struct{}

// HandleTrigger implements TriggerHandler.
func (ResponseTriggerHandler) HandleTrigger(_ context.Context, s State) (Resolution, error) {
	if len(s.HumanResponses) == 0 {
		return Resolution{}, nil
	}

	var answer string
	for _, q := range s.PendingQuestions {
		if a, ok := s.HumanResponses[q]; ok && a != "" {
			answer = a
			break
		}
	}
	if answer == "" {
		for _, a := range s.HumanResponses {
			if a != "" {
				answer = a
				break
			}
		}
	}

	fields := strings.Fields(strings.ToLower(strings.TrimSpace(answer)))
	if len(fields) == 0 {
		return Resolution{}, nil
	}

	switch fields[0] {
	case "replan":
		return Resolution{Resolved: true, Verdict: DecisionReplanNeeded}, nil
	case "backtrack":
		target := ""
		if len(fields) > 1 {
			target = fields[1]
		}
		return Resolution{Resolved: true, Verdict: DecisionBacktrack, BacktrackTarget: target}, nil
	case "stop", "finish", "complete":
		return Resolution{Resolved: true, Verdict: DecisionAllComplete}, nil
	default:
		// Anything else, "continue" included, resumes normal scheduling.
		return Resolution{Resolved: true, Verdict: DecisionContinue}, nil
	}
}
