// Package pipeline implements the orchestration of a long-running,
// multi-stage pipeline of reviewable work items: planning, per-stage
// design/code/execute/validate loops, human escalation, backtracking,
// and final summarization, all executed on the flow engine with
// crash-safe checkpointing.
package pipeline

import "time"

// StageStatus is the lifecycle status of a pipeline stage.
type StageStatus string

const (
	StatusNotStarted       StageStatus = "not_started"
	StatusInProgress       StageStatus = "in_progress"
	StatusNeedsRerun       StageStatus = "needs_rerun"
	StatusInvalidated      StageStatus = "invalidated"
	StatusBlocked          StageStatus = "blocked"
	StatusCompletedSuccess StageStatus = "completed_success"
	StatusCompletedPartial StageStatus = "completed_partial"
	StatusCompletedFailed  StageStatus = "completed_failed"
)

/// Completed reports whether the status counts as a satisfied dependency:
// completed_success or completed_partial.
func (s StageStatus) Completed() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedPartial
}

// Terminal reports whether the stage has finished, successfully or not.
func (s StageStatus) Terminal() bool {
	return s.Completed() || s == StatusCompletedFailed
}

// Stage is one schedulable unit of pipeline work.
type Stage struct {
	// ID uniquely identifies the stage within the plan.
	ID string `json:"id"`

	// Type is the stage kind, used for validation-hierarchy tier lookup.
	Type string `json:"type,omitempty"`

	// DependsOn lists stage IDs that must complete before this stage is
	// eligible. Missing or malformed at the wire boundary decodes to nil,
	// which is treated as "no dependencies".
	DependsOn []string `json:"depends_on,omitempty"`

	// Description is free text carried from planning, for prompts and logs.
	Description string `json:"description,omitempty"`
}

// Hierarchy is the tiered validation ordering over stage types.
// A stage whose type belongs to tier N only becomes eligible once tier
// N-1 reports passed or partial.
type Hierarchy struct {
	// Tiers is the ordered list of tier names, earliest gate first.
	Tiers []string `json:"tiers,omitempty"`

	// TierByType maps a stage type to its tier name. Types absent from
	// the map are ungated (treated as tier 0).
	TierByType map[string]string `json:"tier_by_type,omitempty"`
}

// TierIndex returns the position of the stage type's tier in Tiers, or 0
// when the type or its tier is unknown.
func (h Hierarchy) TierIndex(stageType string) int {
	tier, ok := h.TierByType[stageType]
	if !ok {
		return 0
	}
	for i, name := range h.Tiers {
		if name == tier {
			return i
		}
	}
	return 0
}

// Plan is the ordered collection of stages forming a DAG over DependsOn.
// Once approved for a run it is immutable except via replanning (full
// replace) or backtracking (status mutation in Progress only).
type Plan struct {
	Stages    []Stage   `json:"stages,omitempty"`
	Hierarchy Hierarchy `json:"hierarchy,omitempty"`
}

// Stage looks up a stage by ID.
func (p Plan) Stage(id string) (Stage, bool) {
	for _, st := range p.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// TierStatus summarizes one validation tier.
type TierStatus string

const (
	TierPassed  TierStatus = "passed"
	TierPartial TierStatus = "partial"
	TierFailed  TierStatus = "failed"
	TierNotDone TierStatus = "not_done"
)

// HierarchyStatus maps tier name to its derived status. It is computed
// from Progress at query time, never stored.
type HierarchyStatus map[string]TierStatus

// Interaction is one structured entry in the human-interaction log.
type Interaction struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Trigger   string            `json:"trigger,omitempty"`
	StageID   string            `json:"stage_id,omitempty"`
	Questions []string          `json:"questions,omitempty"`
	Responses map[string]string `json:"responses,omitempty"`
}

// Progress is the mutable per-run tracking mirror of plan stage statuses
// plus accumulated outputs, discrepancies, and the human-interaction log.
// It is owned by the supervisor; other components receive read-only views
// or return targeted status updates as patches.
type Progress struct {
	// Statuses mirrors stage lifecycle status by stage ID. Stages absent
	// from the map are not_started.
	Statuses map[string]StageStatus `json:"statuses,omitempty"`

	// Outputs holds archived work products by stage ID.
	Outputs map[string]map[string]interface{} `json:"outputs,omitempty"`

	// Summaries holds the completion summary text by stage ID.
	Summaries map[string]string `json:"summaries,omitempty"`

	// Discrepancies accumulates observed mismatches across the run.
	Discrepancies []string `json:"discrepancies,omitempty"`

	// Interactions is the append-only human-interaction log.
	Interactions []Interaction `json:"interactions,omitempty"`
}

// Status returns the stage's status, defaulting to not_started.
func (p Progress) Status(stageID string) StageStatus {
	if s, ok := p.Statuses[stageID]; ok && s != "" {
		return s
	}
	return StatusNotStarted
}

// StageReport holds the current stage's working artifacts as reported by
// the execution and validation workers. It is cleared when a new stage is
// selected and when a backtrack discards the stage's work.
type StageReport struct {
	// MissingOutputs lists expected artifacts the execution step did not
	// produce. Any entry forces a completed_failed outcome.
	MissingOutputs []string `json:"missing_outputs,omitempty"`

	// PendingComparisons lists required comparison results not yet
	// available; they cap the outcome at completed_partial.
	PendingComparisons []string `json:"pending_comparisons,omitempty"`

	// Classification is the domain classification verdict, e.g.
	// "EXCELLENT_MATCH", "ACCEPTABLE", "PARTIAL", "POOR", "FAILED".
	Classification string `json:"classification,omitempty"`

	// ComparisonVerdict is the comparison validator's verdict;
	// "needs_revision" downgrades success to partial.
	ComparisonVerdict string `json:"comparison_verdict,omitempty"`

	// PhysicsVerdict is the physics sanity verdict: "pass", "warning",
	// or "fail". A "fail" forces completed_failed unconditionally.
	PhysicsVerdict string `json:"physics_verdict,omitempty"`

	// AnalysisNote is an optional explanatory note from the validators.
	AnalysisNote string `json:"analysis_note,omitempty"`

	// Matches and Targets support the "matches/targets" summary ratio.
	Matches int `json:"matches,omitempty"`
	Targets int `json:"targets,omitempty"`

	// Error is the last execution error for this stage, if any.
	Error string `json:"error,omitempty"`
}

// StuckDiagnostic is the record persisted when the stuck-escalation
// detector force-clears a trigger, for post-hoc debugging.
type StuckDiagnostic struct {
	Trigger   string            `json:"trigger"`
	Count     int               `json:"count"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
	StageID   string            `json:"stage_id,omitempty"`
	Questions []string          `json:"questions,omitempty"`
	Responses map[string]string `json:"responses,omitempty"`
}

// State is the full workflow context threaded through every step.
// It is created once at run start, evolved exclusively by merging patches
// returned from steps, and serialized wholesale by the checkpoint store.
type State struct {
	RunID        string `json:"run_id"`
	Goal         string `json:"goal,omitempty"`
	CurrentStage string `json:"current_stage,omitempty"`

	Plan     Plan          `json:"plan"`
	Progress Progress      `json:"progress"`
	Config   RuntimeConfig `json:"config,omitempty"`

	// Verdicts holds the latest verdict per review kind. Values are
	// interface{} rather than string so the verdict routers can detect a
	// present-but-mistyped value and escalate instead of crashing.
	Verdicts map[string]interface{} `json:"verdicts,omitempty"`

	// Counters holds per-stage revision and failure counters, reset to
	// zero when a stage is selected or a backtrack is applied.
	Counters map[string]int `json:"counters,omitempty"`

	// Feedback holds the latest reviewer feedback per review kind,
	// consumed by the revise paths.
	Feedback map[string]string `json:"feedback,omitempty"`

	// Outputs are the current stage's (not yet archived) work products.
	Outputs map[string]interface{} `json:"outputs,omitempty"`

	// Report is the current stage's working artifact summary.
	Report StageReport `json:"report"`

	// Escalation trigger tracking (see the stuck detector).
	Trigger          string     `json:"trigger,omitempty"`
	TriggerCount     int        `json:"trigger_count,omitempty"`
	TriggerFirstSeen *time.Time `json:"trigger_first_seen,omitempty"`
	LastTrigger      string     `json:"last_trigger,omitempty"`

	// PendingQuestions and HumanResponses are the human-interaction
	// buffer: questions staged before an interrupt, responses injected
	// by the host on resume.
	PendingQuestions []string          `json:"pending_questions,omitempty"`
	HumanResponses   map[string]string `json:"human_responses,omitempty"`

	// Decision is the supervisor's latest top-level verdict.
	Decision string `json:"decision,omitempty"`

	BacktrackTarget string `json:"backtrack_target,omitempty"`
	BacktrackCount  int    `json:"backtrack_count,omitempty"`
	ReplanCount     int    `json:"replan_count,omitempty"`

	StageStarted *time.Time `json:"stage_started,omitempty"`

	// Diagnostics accumulates stuck-detector force-clear records.
	Diagnostics []StuckDiagnostic `json:"diagnostics,omitempty"`

	// ArchiveFailures lists stage IDs whose artifact archival failed and
	// is pending retry on the next supervisor cycle.
	ArchiveFailures []string `json:"archive_failures,omitempty"`

	// Summary is the final run summary, set by the summarize step.
	Summary string `json:"summary,omitempty"`
}
