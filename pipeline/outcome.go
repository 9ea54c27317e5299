package pipeline

import (
	"fmt"
	"strings"
)

// Supervisor decision verdicts.
const (
	DecisionContinue       = "continue"
	DecisionReplanNeeded   = "replan_needed"
	DecisionChangePriority = "change_priority"
	DecisionAskHuman       = "ask_human"
	DecisionBacktrack      = "backtrack_to_stage"
	DecisionAllComplete    = "all_complete"
)

// outcomeRank orders completion outcomes by severity so derivation rules
// can downgrade but never upgrade.
func outcomeRank(s StageStatus) int {
	switch s {
	case StatusCompletedFailed:
		return 2
	case StatusCompletedPartial:
		return 1
	default:
		return 0
	}
}

func worse(a, b StageStatus) StageStatus {
	if outcomeRank(b) > outcomeRank(a) {
		return b
	}
	return a
}

// DeriveOutcome computes the completion status for the active stage from
// its working report. Rules, each able to downgrade but never upgrade:
//
//  1. any missing expected output forces completed_failed,
//  2. any pending comparison caps the outcome at completed_partial,
//  3. the domain classification maps to a base outcome (poor or failed
//     classifications fail, partial stays partial, anything else
//     succeeds),
//  4. a needs_revision comparison verdict downgrades success to partial,
//  5. a warning physics verdict downgrades success to partial,
//  6. a fail physics verdict forces completed_failed outright.
func DeriveOutcome(r StageReport) StageStatus {
	if r.PhysicsVerdict == "fail" {
		return StatusCompletedFailed
	}
	if len(r.MissingOutputs) > 0 {
		return StatusCompletedFailed
	}

	outcome := StatusCompletedSuccess
	if len(r.PendingComparisons) > 0 {
		outcome = worse(outcome, StatusCompletedPartial)
	}

	switch strings.ToUpper(r.Classification) {
	case "POOR", "POOR_MATCH", "FAILED":
		outcome = worse(outcome, StatusCompletedFailed)
	case "PARTIAL", "PARTIAL_MATCH":
		outcome = worse(outcome, StatusCompletedPartial)
	}

	if r.ComparisonVerdict == "needs_revision" {
		outcome = worse(outcome, StatusCompletedPartial)
	}
	if r.PhysicsVerdict == "warning" {
		outcome = worse(outcome, StatusCompletedPartial)
	}
	return outcome
}

// OutcomeSummary picks the human-readable completion summary: an
// explicit missing or pending message, then the analysis note, then the
// matches/targets ratio, then a generic line naming the classification.
func OutcomeSummary(r StageReport) string {
	if len(r.MissingOutputs) > 0 {
		return fmt.Sprintf("missing expected outputs: %s", strings.Join(r.MissingOutputs, ", "))
	}
	if len(r.PendingComparisons) > 0 {
		return fmt.Sprintf("pending comparisons: %s", strings.Join(r.PendingComparisons, ", "))
	}
	if r.AnalysisNote != "" {
		return r.AnalysisNote
	}
	if r.Targets > 0 {
		return fmt.Sprintf("%d/%d targets matched", r.Matches, r.Targets)
	}
	if r.Classification != "" {
		return fmt.Sprintf("classification: %s", r.Classification)
	}
	if r.PhysicsVerdict != "" {
		return fmt.Sprintf("physics verdict: %s", r.PhysicsVerdict)
	}
	return "stage completed"
}
