package pipeline

import "time"

// ScheduleOutcome is the scheduler's verdict for one selection pass.
type ScheduleOutcome string

const (
	// StageScheduled means a stage was selected and marked in_progress.
	StageScheduled ScheduleOutcome = "scheduled"

	// AllStagesComplete means every stage completed successfully or
	// partially.
	AllStagesComplete ScheduleOutcome = "all_complete"

	// Deadlock means no stage is eligible, none is in progress, and at
	// least one is not completed: the run cannot make progress without
	// human intervention.
	Deadlock ScheduleOutcome = "deadlock"

	// StageInProgress means a stage is already running and nothing new
	// was selected.
	StageInProgress ScheduleOutcome = "in_progress"
)

// HierarchyFor derives the per-tier status summary from current progress.
// A tier is passed when every terminal stage in it succeeded and at least
// one stage finished; partial when any completed partially; failed when
// any failed; not_done when no stage in the tier has finished.
func HierarchyFor(plan Plan, progress Progress) HierarchyStatus {
	out := make(HierarchyStatus, len(plan.Hierarchy.Tiers))
	for _, tier := range plan.Hierarchy.Tiers {
		out[tier] = TierNotDone
	}
	for _, st := range plan.Stages {
		tier, ok := plan.Hierarchy.TierByType[st.Type]
		if !ok {
			continue
		}
		status := progress.Status(st.ID)
		if !status.Terminal() {
			continue
		}
		switch {
		case status == StatusCompletedFailed:
			out[tier] = TierFailed
		case status == StatusCompletedPartial && out[tier] != TierFailed:
			out[tier] = TierPartial
		case out[tier] == TierNotDone:
			out[tier] = TierPassed
		}
	}
	return out
}

// tierGateOpen reports whether the stage's tier gate is satisfied: the
// immediately preceding tier must be passed or partial. Tier 0 and
// stages with unknown types are ungated.
func tierGateOpen(plan Plan, hs HierarchyStatus, st Stage) bool {
	idx := plan.Hierarchy.TierIndex(st.Type)
	if idx == 0 {
		return true
	}
	prev := hs[plan.Hierarchy.Tiers[idx-1]]
	return prev == TierPassed || prev == TierPartial
}

// depsSatisfied reports whether every dependency of the stage completed
// successfully or partially. Dependencies naming nonexistent stages are
// ignored; plan validity is checked upstream.
func depsSatisfied(plan Plan, progress Progress, st Stage) bool {
	for _, dep := range st.DependsOn {
		if _, ok := plan.Stage(dep); !ok {
			continue
		}
		if !progress.Status(dep).Completed() {
			return false
		}
	}
	return true
}

// Schedule selects the next stage to run, or reports why none was
// selected. Selection priority, in plan order:
//
//  1. any stage marked needs_rerun (backtrack targets run first),
//  2. any not_started or invalidated stage with satisfied dependencies
//     and an open tier gate. Invalidated stages become eligible again
//     once the backtrack target they depend on has re-completed.
//
// On selection the returned patch marks the stage in_progress, resets
// all per-stage counters and the working report, clears stale verdicts
// and feedback, and stamps the stage start time. The caller merges the
// patch, so status and counters always change together.
func Schedule(s State, now time.Time) (string, Patch, ScheduleOutcome) {
	hs := HierarchyFor(s.Plan, s.Progress)

	for _, st := range s.Plan.Stages {
		if s.Progress.Status(st.ID) == StatusNeedsRerun {
			return st.ID, selectionPatch(st.ID, now), StageScheduled
		}
	}

	for _, st := range s.Plan.Stages {
		status := s.Progress.Status(st.ID)
		if status != StatusNotStarted && status != StatusInvalidated {
			continue
		}
		if !depsSatisfied(s.Plan, s.Progress, st) {
			continue
		}
		if !tierGateOpen(s.Plan, hs, st) {
			continue
		}
		return st.ID, selectionPatch(st.ID, now), StageScheduled
	}

	// Completion requires every stage to have succeeded or completed
	// partially. An all-terminal plan that includes failures is a
	// deadlock: failed work must reach a human, never a silent finish.
	allComplete := true
	anyRunning := false
	for _, st := range s.Plan.Stages {
		status := s.Progress.Status(st.ID)
		if !status.Completed() {
			allComplete = false
		}
		if status == StatusInProgress {
			anyRunning = true
		}
	}
	switch {
	case allComplete:
		return "", Patch{}, AllStagesComplete
	case anyRunning:
		return "", Patch{}, StageInProgress
	default:
		return "", Patch{}, Deadlock
	}
}

func selectionPatch(stageID string, now time.Time) Patch {
	return Patch{
		CurrentStage:  strPtr(stageID),
		StageStatuses: map[string]StageStatus{stageID: StatusInProgress},
		Report:        &StageReport{},
		StageStarted:  &now,
		ClearCounters: true,
		ClearVerdicts: true,
		ClearFeedback: true,
		ClearOutputs:  true,
	}
}
