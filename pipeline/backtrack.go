package pipeline

import "time"

// Dependents computes the set of stages that transitively depend on the
// target, directly or through intermediaries. A reverse adjacency map is
// built in one pass; the breadth-first walk carries a visited set so an
// accidental cycle in the plan terminates instead of looping. The target
// itself is not included. Order of the result is unspecified.
func Dependents(plan Plan, target string) []string {
	reverse := make(map[string][]string, len(plan.Stages))
	for _, st := range plan.Stages {
		for _, dep := range st.DependsOn {
			reverse[dep] = append(reverse[dep], st.ID)
		}
	}

	visited := map[string]bool{target: true}
	queue := []string{target}
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, id := range reverse[cur] {
			if visited[id] {
				continue
			}
			visited[id] = true
			out = append(out, id)
			queue = append(queue, id)
		}
	}
	return out
}

// ApplyBacktrack builds the patch that re-runs the target stage:
// target goes to needs_rerun, every transitive dependent to invalidated,
// the backtrack counter increments, and all per-stage working state
// (counters, verdicts, feedback, outputs, report) is discarded.
//
// limitReached is true when the run's backtrack budget is already
// exhausted; in that case the patch is empty and the caller should
// escalate instead of applying the backtrack.
func ApplyBacktrack(s State, target string) (Patch, bool) {
	max := s.Config.Value(KeyMaxBacktracks)
	if s.BacktrackCount >= max {
		return Patch{}, true
	}

	statuses := map[string]StageStatus{target: StatusNeedsRerun}
	for _, id := range Dependents(s.Plan, target) {
		statuses[id] = StatusInvalidated
	}

	return Patch{
		StageStatuses:   statuses,
		BacktrackCount:  intPtr(s.BacktrackCount + 1),
		BacktrackTarget: strPtr(""),
		Report:          &StageReport{},
		ClearCounters:   true,
		ClearVerdicts:   true,
		ClearFeedback:   true,
		ClearOutputs:    true,
	}, false
}

// BacktrackNode applies a pending backtrack decision as a workflow step.
// The target comes from State.BacktrackTarget; a missing or unknown
// target, or an exhausted backtrack budget, escalates to the human
// channel with a specific question.
func BacktrackNode(cp Checkpointer) func(s State, now time.Time) (string, Patch, error) {
	return func(s State, now time.Time) (string, Patch, error) {
		target := s.BacktrackTarget
		if _, ok := s.Plan.Stage(target); target == "" || !ok {
			patch := Patch{
				Trigger:          strPtr("backtrack_invalid_target"),
				PendingQuestions: []string{"A backtrack was requested for an unknown stage. Which stage should be re-run?"},
			}
			if cp != nil {
				if _, err := cp.Save(s.RunID, "before_ask_user_backtrack_error", s); err != nil {
					return "", Patch{}, err
				}
			}
			return "ask_user", patch, nil
		}

		patch, limitReached := ApplyBacktrack(s, target)
		if limitReached {
			patch = Patch{
				Trigger:          strPtr("backtrack_limit"),
				PendingQuestions: []string{"The backtrack limit was reached. Should the run continue without re-running earlier stages, or stop?"},
			}
			if cp != nil {
				if _, err := cp.Save(s.RunID, "before_ask_user_backtrack_limit", s); err != nil {
					return "", Patch{}, err
				}
			}
			return "ask_user", patch, nil
		}
		return "schedule", patch, nil
	}
}
