package pipeline

import (
	"fmt"
	"time"

	"github.com/dshills/stageflow/flow/emit"
)

// StuckResult reports the stuck detector's verdict for one supervisor
// cycle. The patch carries the persistence-tracking updates and, on a
// force-clear, the full trigger reset plus a diagnostic record.
type StuckResult struct {
	Patch        Patch
	Warned       bool
	Errored      bool
	ForceCleared bool
}

// DetectStuck compares the current escalation trigger against the one
// seen on the previous cycle and updates the persistence counter. A
// trigger held for warn_threshold cycles logs a warning, for
// error_threshold an error, and at auto_clear_threshold (when > 0) it is
// forcibly cleared with a diagnostic record so a trigger-handler bug
// degrades to a bounded stall instead of an infinite escalation loop.
func DetectStuck(s State, now time.Time, emitter emit.Emitter) StuckResult {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}

	if s.Trigger == "" {
		if s.TriggerCount == 0 && s.TriggerFirstSeen == nil && s.LastTrigger == "" {
			return StuckResult{}
		}
		return StuckResult{Patch: resetTrackingPatch()}
	}

	var count int
	firstSeen := now
	if s.Trigger == s.LastTrigger {
		prev := s.TriggerCount
		if prev < 0 {
			prev = 0
		}
		count = prev + 1
		if s.TriggerFirstSeen != nil {
			firstSeen = *s.TriggerFirstSeen
		}
	} else {
		count = 1
	}

	res := StuckResult{Patch: Patch{
		TriggerCount:     intPtr(count),
		TriggerFirstSeen: &firstSeen,
		LastTrigger:      strPtr(s.Trigger),
	}}

	warnAt := s.Config.Value(KeyStuckWarnThreshold)
	errorAt := s.Config.Value(KeyStuckErrorThreshold)
	clearAt := s.Config.Value(KeyStuckAutoClear)

	if warnAt > 0 && count >= warnAt {
		res.Warned = true
		emitter.Emit(emit.Event{
			RunID: s.RunID,
			Level: emit.LevelWarn,
			Msg:   "escalation trigger persisting",
			Meta: map[string]interface{}{
				"trigger": s.Trigger,
				"count":   count,
				"held":    now.Sub(firstSeen).String(),
			},
		})
	}
	if errorAt > 0 && count >= errorAt {
		res.Errored = true
		emitter.Emit(emit.Event{
			RunID: s.RunID,
			Level: emit.LevelError,
			Msg:   "escalation trigger stuck",
			Meta: map[string]interface{}{
				"trigger": s.Trigger,
				"count":   count,
				"held":    now.Sub(firstSeen).String(),
			},
		})
	}

	if clearAt > 0 && count >= clearAt {
		diag := StuckDiagnostic{
			Trigger:   s.Trigger,
			Count:     count,
			FirstSeen: firstSeen,
			LastSeen:  now,
			StageID:   s.CurrentStage,
			Questions: append([]string{}, s.PendingQuestions...),
			Responses: copyStringMap(s.HumanResponses),
		}
		patch := resetTrackingPatch()
		patch.ClearTrigger = true
		patch.ClearQuestions = true
		patch.ClearResponses = true
		patch.Decision = strPtr(DecisionContinue)
		patch.Diagnostics = []StuckDiagnostic{diag}

		emitter.Emit(emit.Event{
			RunID: s.RunID,
			Level: emit.LevelError,
			Msg:   "force-clearing stuck trigger",
			Meta: map[string]interface{}{
				"trigger": s.Trigger,
				"count":   count,
				"held":    fmt.Sprintf("%v", now.Sub(firstSeen)),
			},
		})
		return StuckResult{Patch: patch, Warned: res.Warned, Errored: res.Errored, ForceCleared: true}
	}

	return res
}

// resetTrackingPatch clears the persistence-tracking fields without
// touching the trigger itself.
func resetTrackingPatch() Patch {
	return Patch{
		TriggerCount:          intPtr(0),
		LastTrigger:           strPtr(""),
		ClearTriggerFirstSeen: true,
	}
}
