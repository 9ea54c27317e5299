package pipeline

import "time"

// Patch is a sparse update produced by a workflow step. Only non-nil
// pointer fields and non-empty maps and slices are merged into State;
// the Clear* flags express "set to empty", which a zero value cannot.
type Patch struct {
	CurrentStage *string `json:"current_stage,omitempty"`

	Plan          *Plan                  `json:"plan,omitempty"`
	Config        *RuntimeConfig         `json:"config,omitempty"`
	StageStatuses map[string]StageStatus `json:"stage_statuses,omitempty"`

	StageOutputs   map[string]map[string]interface{} `json:"stage_outputs,omitempty"`
	StageSummaries map[string]string                 `json:"stage_summaries,omitempty"`
	Discrepancies  []string                          `json:"discrepancies,omitempty"`
	Interactions   []Interaction                     `json:"interactions,omitempty"`

	Verdicts map[string]interface{} `json:"verdicts,omitempty"`
	Counters map[string]int         `json:"counters,omitempty"`
	Feedback map[string]string      `json:"feedback,omitempty"`
	Outputs  map[string]interface{} `json:"outputs,omitempty"`

	Report *StageReport `json:"report,omitempty"`

	Trigger          *string    `json:"trigger,omitempty"`
	TriggerCount     *int       `json:"trigger_count,omitempty"`
	TriggerFirstSeen *time.Time `json:"trigger_first_seen,omitempty"`
	LastTrigger      *string    `json:"last_trigger,omitempty"`

	PendingQuestions []string          `json:"pending_questions,omitempty"`
	HumanResponses   map[string]string `json:"human_responses,omitempty"`

	Decision *string `json:"decision,omitempty"`

	BacktrackTarget *string `json:"backtrack_target,omitempty"`
	BacktrackCount  *int    `json:"backtrack_count,omitempty"`
	ReplanCount     *int    `json:"replan_count,omitempty"`

	StageStarted *time.Time `json:"stage_started,omitempty"`

	Diagnostics     []StuckDiagnostic `json:"diagnostics,omitempty"`
	ArchiveFailures []string          `json:"archive_failures,omitempty"`

	Summary *string `json:"summary,omitempty"`

	// Clear flags, honored before the corresponding map merge.
	ClearVerdicts         bool `json:"clear_verdicts,omitempty"`
	ClearCounters         bool `json:"clear_counters,omitempty"`
	ClearFeedback         bool `json:"clear_feedback,omitempty"`
	ClearOutputs          bool `json:"clear_outputs,omitempty"`
	ClearQuestions        bool `json:"clear_questions,omitempty"`
	ClearResponses        bool `json:"clear_responses,omitempty"`
	ClearTrigger          bool `json:"clear_trigger,omitempty"`
	ClearTriggerFirstSeen bool `json:"clear_trigger_first_seen,omitempty"`
	ClearArchiveFailures  bool `json:"clear_archive_failures,omitempty"`
}

func copyStatusMap(m map[string]StageStatus) map[string]StageStatus {
	out := make(map[string]StageStatus, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Apply merges a patch into a state and returns the evolved state. Maps
// are copied before mutation so stores that retain prior states never
// observe later writes.
func Apply(prev State, p Patch) State {
	s := prev

	if p.CurrentStage != nil {
		s.CurrentStage = *p.CurrentStage
	}
	if p.Plan != nil {
		s.Plan = *p.Plan
	}
	if p.Config != nil {
		s.Config = *p.Config
	}

	if len(p.StageStatuses) > 0 {
		statuses := copyStatusMap(s.Progress.Statuses)
		for id, st := range p.StageStatuses {
			statuses[id] = st
		}
		s.Progress.Statuses = statuses
	}
	if len(p.StageOutputs) > 0 {
		outputs := make(map[string]map[string]interface{}, len(s.Progress.Outputs)+len(p.StageOutputs))
		for k, v := range s.Progress.Outputs {
			outputs[k] = v
		}
		for k, v := range p.StageOutputs {
			outputs[k] = v
		}
		s.Progress.Outputs = outputs
	}
	if len(p.StageSummaries) > 0 {
		summaries := copyStringMap(s.Progress.Summaries)
		for k, v := range p.StageSummaries {
			summaries[k] = v
		}
		s.Progress.Summaries = summaries
	}
	if len(p.Discrepancies) > 0 {
		s.Progress.Discrepancies = append(append([]string{}, s.Progress.Discrepancies...), p.Discrepancies...)
	}
	if len(p.Interactions) > 0 {
		s.Progress.Interactions = append(append([]Interaction{}, s.Progress.Interactions...), p.Interactions...)
	}

	if p.ClearVerdicts {
		s.Verdicts = nil
	}
	if len(p.Verdicts) > 0 {
		verdicts := make(map[string]interface{}, len(s.Verdicts)+len(p.Verdicts))
		for k, v := range s.Verdicts {
			verdicts[k] = v
		}
		for k, v := range p.Verdicts {
			verdicts[k] = v
		}
		s.Verdicts = verdicts
	}

	if p.ClearCounters {
		s.Counters = nil
	}
	if len(p.Counters) > 0 {
		counters := make(map[string]int, len(s.Counters)+len(p.Counters))
		for k, v := range s.Counters {
			counters[k] = v
		}
		for k, v := range p.Counters {
			counters[k] = v
		}
		s.Counters = counters
	}

	if p.ClearFeedback {
		s.Feedback = nil
	}
	if len(p.Feedback) > 0 {
		feedback := copyStringMap(s.Feedback)
		for k, v := range p.Feedback {
			feedback[k] = v
		}
		s.Feedback = feedback
	}

	if p.ClearOutputs {
		s.Outputs = nil
	}
	if len(p.Outputs) > 0 {
		outputs := make(map[string]interface{}, len(s.Outputs)+len(p.Outputs))
		for k, v := range s.Outputs {
			outputs[k] = v
		}
		for k, v := range p.Outputs {
			outputs[k] = v
		}
		s.Outputs = outputs
	}

	if p.Report != nil {
		s.Report = *p.Report
	}

	if p.ClearTrigger {
		s.Trigger = ""
	}
	if p.Trigger != nil {
		s.Trigger = *p.Trigger
	}
	if p.TriggerCount != nil {
		s.TriggerCount = *p.TriggerCount
	}
	if p.ClearTriggerFirstSeen {
		s.TriggerFirstSeen = nil
	}
	if p.TriggerFirstSeen != nil {
		t := *p.TriggerFirstSeen
		s.TriggerFirstSeen = &t
	}
	if p.LastTrigger != nil {
		s.LastTrigger = *p.LastTrigger
	}

	if p.ClearQuestions {
		s.PendingQuestions = nil
	}
	if len(p.PendingQuestions) > 0 {
		s.PendingQuestions = append([]string{}, p.PendingQuestions...)
	}
	if p.ClearResponses {
		s.HumanResponses = nil
	}
	if len(p.HumanResponses) > 0 {
		responses := copyStringMap(s.HumanResponses)
		for k, v := range p.HumanResponses {
			responses[k] = v
		}
		s.HumanResponses = responses
	}

	if p.Decision != nil {
		s.Decision = *p.Decision
	}
	if p.BacktrackTarget != nil {
		s.BacktrackTarget = *p.BacktrackTarget
	}
	if p.BacktrackCount != nil {
		s.BacktrackCount = *p.BacktrackCount
	}
	if p.ReplanCount != nil {
		s.ReplanCount = *p.ReplanCount
	}
	if p.StageStarted != nil {
		t := *p.StageStarted
		s.StageStarted = &t
	}

	if len(p.Diagnostics) > 0 {
		s.Diagnostics = append(append([]StuckDiagnostic{}, s.Diagnostics...), p.Diagnostics...)
	}
	if p.ClearArchiveFailures {
		s.ArchiveFailures = nil
	}
	if len(p.ArchiveFailures) > 0 {
		s.ArchiveFailures = append([]string{}, p.ArchiveFailures...)
	}

	if p.Summary != nil {
		s.Summary = *p.Summary
	}

	return s
}

// Merge composes two patches so that Apply(s, Merge(a, b)) is equivalent
// to Apply(Apply(s, a), b). Later fields win; append-only slices
// concatenate; a Clear flag in b discards the corresponding entries of a.
func Merge(a, b Patch) Patch {
	out := a

	if b.CurrentStage != nil {
		out.CurrentStage = b.CurrentStage
	}
	if b.Plan != nil {
		out.Plan = b.Plan
	}
	if b.Config != nil {
		out.Config = b.Config
	}

	out.StageStatuses = mergeStatusMaps(a.StageStatuses, b.StageStatuses)
	if len(b.StageOutputs) > 0 {
		merged := make(map[string]map[string]interface{}, len(a.StageOutputs)+len(b.StageOutputs))
		for k, v := range a.StageOutputs {
			merged[k] = v
		}
		for k, v := range b.StageOutputs {
			merged[k] = v
		}
		out.StageOutputs = merged
	}
	out.StageSummaries = mergeStringMaps(a.StageSummaries, b.StageSummaries)
	out.Discrepancies = append(append([]string{}, a.Discrepancies...), b.Discrepancies...)
	out.Interactions = append(append([]Interaction{}, a.Interactions...), b.Interactions...)

	if b.ClearVerdicts {
		out.ClearVerdicts = true
		out.Verdicts = b.Verdicts
	} else if len(b.Verdicts) > 0 {
		merged := make(map[string]interface{}, len(a.Verdicts)+len(b.Verdicts))
		for k, v := range a.Verdicts {
			merged[k] = v
		}
		for k, v := range b.Verdicts {
			merged[k] = v
		}
		out.Verdicts = merged
	}

	if b.ClearCounters {
		out.ClearCounters = true
		out.Counters = b.Counters
	} else if len(b.Counters) > 0 {
		merged := make(map[string]int, len(a.Counters)+len(b.Counters))
		for k, v := range a.Counters {
			merged[k] = v
		}
		for k, v := range b.Counters {
			merged[k] = v
		}
		out.Counters = merged
	}

	if b.ClearFeedback {
		out.ClearFeedback = true
		out.Feedback = b.Feedback
	} else {
		out.Feedback = mergeStringMaps(a.Feedback, b.Feedback)
	}

	if b.ClearOutputs {
		out.ClearOutputs = true
		out.Outputs = b.Outputs
	} else if len(b.Outputs) > 0 {
		merged := make(map[string]interface{}, len(a.Outputs)+len(b.Outputs))
		for k, v := range a.Outputs {
			merged[k] = v
		}
		for k, v := range b.Outputs {
			merged[k] = v
		}
		out.Outputs = merged
	}

	if b.Report != nil {
		out.Report = b.Report
	}

	if b.ClearTrigger {
		out.ClearTrigger = true
		out.Trigger = b.Trigger
	} else if b.Trigger != nil {
		out.Trigger = b.Trigger
	}
	if b.TriggerCount != nil {
		out.TriggerCount = b.TriggerCount
	}
	if b.ClearTriggerFirstSeen {
		out.ClearTriggerFirstSeen = true
		out.TriggerFirstSeen = b.TriggerFirstSeen
	} else if b.TriggerFirstSeen != nil {
		out.TriggerFirstSeen = b.TriggerFirstSeen
	}
	if b.LastTrigger != nil {
		out.LastTrigger = b.LastTrigger
	}

	if b.ClearQuestions {
		out.ClearQuestions = true
		out.PendingQuestions = b.PendingQuestions
	} else if len(b.PendingQuestions) > 0 {
		out.PendingQuestions = b.PendingQuestions
	}
	if b.ClearResponses {
		out.ClearResponses = true
		out.HumanResponses = b.HumanResponses
	} else {
		out.HumanResponses = mergeStringMaps(a.HumanResponses, b.HumanResponses)
	}

	if b.Decision != nil {
		out.Decision = b.Decision
	}
	if b.BacktrackTarget != nil {
		out.BacktrackTarget = b.BacktrackTarget
	}
	if b.BacktrackCount != nil {
		out.BacktrackCount = b.BacktrackCount
	}
	if b.ReplanCount != nil {
		out.ReplanCount = b.ReplanCount
	}
	if b.StageStarted != nil {
		out.StageStarted = b.StageStarted
	}

	out.Diagnostics = append(append([]StuckDiagnostic{}, a.Diagnostics...), b.Diagnostics...)
	if b.ClearArchiveFailures {
		out.ClearArchiveFailures = true
		out.ArchiveFailures = b.ArchiveFailures
	} else if len(b.ArchiveFailures) > 0 {
		out.ArchiveFailures = b.ArchiveFailures
	}

	if b.Summary != nil {
		out.Summary = b.Summary
	}

	return out
}

func mergeStatusMaps(a, b map[string]StageStatus) map[string]StageStatus {
	if len(b) == 0 {
		return a
	}
	merged := make(map[string]StageStatus, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged
}

func mergeStringMaps(a, b map[string]string) map[string]string {
	if len(b) == 0 {
		return a
	}
	merged := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		merged[k] = v
	}
	for k, v := range b {
		merged[k] = v
	}
	return merged
}

// strPtr and intPtr build pointer fields for sparse patches.
func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
