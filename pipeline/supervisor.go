package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/stageflow/flow"
	"github.com/dshills/stageflow/flow/emit"
)

// DecisionResult is the external decision-maker's top-level verdict.
type DecisionResult struct {
	// Verdict is one of the Decision* constants.
	Verdict string

	// BacktrackTarget names the stage to re-run when Verdict is
	// backtrack_to_stage.
	BacktrackTarget string

	// Reason is free text carried into events and the interaction log.
	Reason string
}

// DecisionMaker produces the top-level verdict after a stage completes.
// It is an external collaborator; failures are caught and converted to a
// human escalation, never propagated.
type DecisionMaker interface {
	Decide(ctx context.Context, s State, outcome StageStatus, summary string) (DecisionResult, error)
}

// Resolution is a trigger handler's report for one pending escalation.
type Resolution struct {
	// Resolved is false when the handler needs more human input; the
	// trigger and its tracking state are preserved for the next cycle.
	Resolved bool

	// Verdict is the outer decision the handler sets when resolved.
	// Empty means continue.
	Verdict string

	// BacktrackTarget accompanies a backtrack_to_stage verdict.
	BacktrackTarget string

	// Patch carries any extra state adjustments the handler made.
	Patch Patch
}

// TriggerHandler resolves a pending human-escalation trigger, usually by
// interpreting the responses collected at the interrupt point.
type TriggerHandler interface {
	HandleTrigger(ctx context.Context, s State) (Resolution, error)
}

// Archiver persists a completed stage's artifacts outside the workflow
// state. Failures are recorded and retried on later cycles, never fatal.
type Archiver interface {
	ArchiveStage(ctx context.Context, runID, stageID string, outputs map[string]interface{}) error
}

// Supervisor composes the stuck detector, trigger handling, outcome
// derivation, and the external decision-maker into the per-cycle
// decision step of the workflow.
type Supervisor struct {
	decide   DecisionMaker
	triggers TriggerHandler
	archiver Archiver
	cp       Checkpointer
	emitter  emit.Emitter
	now      func() time.Time
}

// NewSupervisor builds the supervisor step. decide is required; triggers,
// archiver, cp, and emitter may be nil.
func NewSupervisor(decide DecisionMaker, triggers TriggerHandler, archiver Archiver, cp Checkpointer, emitter emit.Emitter) *Supervisor {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Supervisor{
		decide:   decide,
		triggers: triggers,
		archiver: archiver,
		cp:       cp,
		emitter:  emitter,
		now:      time.Now,
	}
}

// Node adapts the supervisor cycle to a workflow node.
func (sv *Supervisor) Node() flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		target, patch, err := sv.Cycle(ctx, s)
		if err != nil {
			return flow.NodeResult[State, Patch]{Err: err}
		}
		return flow.NodeResult[State, Patch]{Patch: patch, Route: flow.Goto(target)}
	}
}

// Cycle runs one supervisor pass and returns the next step to route to.
// Order: retry failed archives, run the stuck detector, handle a pending
// trigger if any, otherwise derive the active stage's outcome, archive
// it, and consult the decision-maker. Checkpoint write failures abort
// the cycle; everything else degrades to an escalation.
func (sv *Supervisor) Cycle(ctx context.Context, s State) (string, Patch, error) {
	now := sv.now()
	patch := sv.retryArchives(ctx, s)
	s = Apply(s, patch)

	stuck := DetectStuck(s, now, sv.emitter)
	patch = Merge(patch, stuck.Patch)
	s = Apply(s, stuck.Patch)
	if stuck.ForceCleared {
		return "schedule", patch, nil
	}

	var verdict, backtrackTarget, reason string
	if s.Trigger != "" {
		res, resolvedPatch, routed, err := sv.handleTrigger(ctx, s, now)
		if err != nil {
			return "", Patch{}, err
		}
		patch = Merge(patch, resolvedPatch)
		if routed != "" {
			return routed, patch, nil
		}
		s = Apply(s, resolvedPatch)
		verdict, backtrackTarget, reason = res.Verdict, res.BacktrackTarget, ""
		if verdict == "" {
			verdict = DecisionContinue
		}
	} else {
		outcomePatch, err := sv.closeActiveStage(ctx, s, now)
		if err != nil {
			return "", Patch{}, err
		}
		patch = Merge(patch, outcomePatch)
		s = Apply(s, outcomePatch)

		dec, err := sv.consultDecisionMaker(ctx, s)
		if err != nil {
			escTarget, escPatch, escErr := sv.escalate(s, "supervisor_error",
				fmt.Sprintf("The decision step failed (%s). How should the run proceed?", truncate(err.Error(), 200)))
			if escErr != nil {
				return "", Patch{}, escErr
			}
			return escTarget, Merge(patch, escPatch), nil
		}
		verdict, backtrackTarget, reason = dec.Verdict, dec.BacktrackTarget, dec.Reason
	}

	if verdict == DecisionReplanNeeded {
		maxReplans := s.Config.Value(KeyMaxReplans)
		if s.ReplanCount >= maxReplans {
			target, escPatch, err := sv.escalate(s, "replan_limit",
				fmt.Sprintf("A replan was requested but the limit of %d was reached. How should the run proceed?", maxReplans))
			if err != nil {
				return "", Patch{}, err
			}
			escPatch.Decision = strPtr(DecisionAskHuman)
			return target, Merge(patch, escPatch), nil
		}
		patch = Merge(patch, Patch{ReplanCount: intPtr(s.ReplanCount + 1)})
	}

	patch = Merge(patch, Patch{Decision: strPtr(verdict)})
	sv.emitter.Emit(emit.Event{
		RunID: s.RunID,
		Msg:   "supervisor decision",
		Meta:  map[string]interface{}{"verdict": verdict, "reason": reason},
	})

	switch verdict {
	case DecisionContinue, DecisionChangePriority:
		return "schedule", patch, nil
	case DecisionReplanNeeded:
		return "plan", patch, nil
	case DecisionBacktrack:
		if backtrackTarget != "" {
			patch = Merge(patch, Patch{BacktrackTarget: strPtr(backtrackTarget)})
		}
		return "backtrack", patch, nil
	case DecisionAllComplete:
		return "summarize", patch, nil
	case DecisionAskHuman:
		target, escPatch, err := sv.escalate(s, "supervisor_request",
			"The supervisor requested human guidance. How should the run proceed?")
		if err != nil {
			return "", Patch{}, err
		}
		return target, Merge(patch, escPatch), nil
	default:
		target, escPatch, err := sv.escalate(s, "supervisor_fallback",
			fmt.Sprintf("The supervisor returned the unrecognized verdict %q. How should the run proceed?", verdict))
		if err != nil {
			return "", Patch{}, err
		}
		return target, Merge(patch, escPatch), nil
	}
}

// retryArchives re-attempts previously failed artifact archival.
// Best effort: remaining failures stay queued for the next cycle.
func (sv *Supervisor) retryArchives(ctx context.Context, s State) Patch {
	if len(s.ArchiveFailures) == 0 || sv.archiver == nil {
		return Patch{}
	}
	var remaining []string
	for _, id := range s.ArchiveFailures {
		if err := sv.archiver.ArchiveStage(ctx, s.RunID, id, s.Progress.Outputs[id]); err != nil {
			remaining = append(remaining, id)
			sv.emitter.Emit(emit.Event{
				RunID: s.RunID,
				Level: emit.LevelWarn,
				Msg:   "archive retry failed",
				Meta:  map[string]interface{}{"stage": id, "error": err.Error()},
			})
		}
	}
	return Patch{ClearArchiveFailures: true, ArchiveFailures: remaining}
}

// handleTrigger dispatches the pending escalation trigger. Returns the
// resolution, the accumulated patch, and a non-empty route when the
// cycle should end immediately (unresolved triggers go back to the
// human channel).
func (sv *Supervisor) handleTrigger(ctx context.Context, s State, now time.Time) (Resolution, Patch, string, error) {
	if sv.triggers == nil {
		return Resolution{}, Patch{}, "ask_user", nil
	}

	res, err := sv.triggers.HandleTrigger(ctx, s)
	if err != nil {
		target, escPatch, escErr := sv.escalate(s, "trigger_handler_error",
			fmt.Sprintf("The handler for trigger %q failed (%s). How should the run proceed?", s.Trigger, truncate(err.Error(), 200)))
		if escErr != nil {
			return Resolution{}, Patch{}, "", escErr
		}
		return Resolution{}, escPatch, target, nil
	}

	if !res.Resolved {
		// Needs more input: keep the trigger and its tracking state.
		return res, res.Patch, "ask_user", nil
	}

	entry := Interaction{
		ID:        uuid.NewString(),
		Timestamp: now,
		Trigger:   s.Trigger,
		StageID:   s.CurrentStage,
		Questions: append([]string{}, s.PendingQuestions...),
		Responses: copyStringMap(s.HumanResponses),
	}
	patch := Merge(res.Patch, Patch{
		ClearTrigger:          true,
		ClearQuestions:        true,
		ClearResponses:        true,
		TriggerCount:          intPtr(0),
		LastTrigger:           strPtr(""),
		ClearTriggerFirstSeen: true,
		Interactions:          []Interaction{entry},
	})
	return res, patch, "", nil
}

// closeActiveStage derives the completion outcome for the in-progress
// stage, archives its outputs into progress, and snapshots a checkpoint.
func (sv *Supervisor) closeActiveStage(ctx context.Context, s State, now time.Time) (Patch, error) {
	if s.CurrentStage == "" || s.Progress.Status(s.CurrentStage) != StatusInProgress {
		return Patch{}, nil
	}

	outcome := DeriveOutcome(s.Report)
	summary := OutcomeSummary(s.Report)
	patch := Patch{
		StageStatuses:  map[string]StageStatus{s.CurrentStage: outcome},
		StageSummaries: map[string]string{s.CurrentStage: summary},
		ClearOutputs:   true,
	}
	if len(s.Outputs) > 0 {
		patch.StageOutputs = map[string]map[string]interface{}{s.CurrentStage: s.Outputs}
	}

	if sv.archiver != nil {
		if err := sv.archiver.ArchiveStage(ctx, s.RunID, s.CurrentStage, s.Outputs); err != nil {
			patch.ArchiveFailures = append(append([]string{}, s.ArchiveFailures...), s.CurrentStage)
			sv.emitter.Emit(emit.Event{
				RunID: s.RunID,
				Level: emit.LevelWarn,
				Msg:   "stage archive failed",
				Meta:  map[string]interface{}{"stage": s.CurrentStage, "error": err.Error()},
			})
		}
	}

	if sv.cp != nil {
		name := "after_stage_" + s.CurrentStage
		if _, err := sv.cp.Save(s.RunID, name, Apply(s, patch)); err != nil {
			return Patch{}, fmt.Errorf("checkpoint %s: %w", name, err)
		}
	}

	sv.emitter.Emit(emit.Event{
		RunID: s.RunID,
		Msg:   "stage closed",
		Meta:  map[string]interface{}{"stage": s.CurrentStage, "outcome": string(outcome), "summary": summary},
	})
	return patch, nil
}

func (sv *Supervisor) consultDecisionMaker(ctx context.Context, s State) (DecisionResult, error) {
	if sv.decide == nil {
		return DecisionResult{}, fmt.Errorf("no decision maker configured")
	}
	outcome := StageStatus("")
	summary := ""
	if s.CurrentStage != "" {
		outcome = s.Progress.Status(s.CurrentStage)
		summary = s.Progress.Summaries[s.CurrentStage]
	}
	return sv.decide.Decide(ctx, s, outcome, summary)
}

// escalate checkpoints the state under the trigger's name and builds the
// patch that routes to the human channel.
func (sv *Supervisor) escalate(s State, trigger, question string) (string, Patch, error) {
	if sv.cp != nil {
		name := "before_ask_user_" + trigger
		if _, err := sv.cp.Save(s.RunID, name, s); err != nil {
			return "", Patch{}, fmt.Errorf("checkpoint %s: %w", name, err)
		}
	}
	sv.emitter.Emit(emit.Event{
		RunID: s.RunID,
		Level: emit.LevelWarn,
		Msg:   "escalating to human",
		Meta:  map[string]interface{}{"trigger": trigger},
	})
	return "ask_user", Patch{
		Trigger:          strPtr(trigger),
		PendingQuestions: []string{question},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
