package pipeline

import (
	"testing"
	"time"
)

// holdTrigger simulates n consecutive supervisor cycles with the same
// trigger, applying the detector's patch each time.
func holdTrigger(s State, trigger string, n int, start time.Time) (State, StuckResult) {
	var res StuckResult
	for i := 0; i < n; i++ {
		s.Trigger = trigger
		res = DetectStuck(s, start.Add(time.Duration(i)*time.Minute), nil)
		s = Apply(s, res.Patch)
	}
	return s, res
}

func TestDetectStuck_NoTrigger(t *testing.T) {
	t.Run("clean state returns empty result", func(t *testing.T) {
		res := DetectStuck(State{}, time.Now(), nil)
		if res.Warned || res.Errored || res.ForceCleared {
			t.Error("clean state flagged something")
		}
		if res.Patch.TriggerCount != nil {
			t.Error("clean state produced a tracking patch")
		}
	})

	t.Run("stale tracking resets", func(t *testing.T) {
		first := time.Now().Add(-time.Hour)
		s := State{TriggerCount: 4, LastTrigger: "old", TriggerFirstSeen: &first}
		res := DetectStuck(s, time.Now(), nil)
		next := Apply(s, res.Patch)
		if next.TriggerCount != 0 || next.LastTrigger != "" || next.TriggerFirstSeen != nil {
			t.Errorf("tracking not reset: count=%d last=%q first=%v",
				next.TriggerCount, next.LastTrigger, next.TriggerFirstSeen)
		}
	})
}

func TestDetectStuck_Persistence(t *testing.T) {
	start := time.Now()

	t.Run("new trigger starts at one", func(t *testing.T) {
		s, res := holdTrigger(State{}, "budget_question", 1, start)
		if s.TriggerCount != 1 {
			t.Errorf("count = %d, want 1", s.TriggerCount)
		}
		if res.Warned {
			t.Error("warned on first sighting")
		}
		if s.TriggerFirstSeen == nil || !s.TriggerFirstSeen.Equal(start) {
			t.Error("first-seen not stamped to now")
		}
	})

	t.Run("changed trigger resets to one", func(t *testing.T) {
		s, _ := holdTrigger(State{}, "first_trigger", 2, start)
		s.Trigger = "second_trigger"
		res := DetectStuck(s, start.Add(time.Hour), nil)
		next := Apply(s, res.Patch)
		if next.TriggerCount != 1 {
			t.Errorf("count = %d, want 1 after trigger change", next.TriggerCount)
		}
		if !next.TriggerFirstSeen.Equal(start.Add(time.Hour)) {
			t.Error("first-seen not restamped on trigger change")
		}
	})

	t.Run("retains original first-seen while held", func(t *testing.T) {
		s, _ := holdTrigger(State{}, "held", 4, start)
		if !s.TriggerFirstSeen.Equal(start) {
			t.Errorf("first-seen = %v, want original %v", s.TriggerFirstSeen, start)
		}
	})
}

func TestDetectStuck_Thresholds(t *testing.T) {
	start := time.Now()

	t.Run("warns at exactly the warn threshold", func(t *testing.T) {
		_, res := holdTrigger(State{}, "held", 2, start)
		if res.Warned {
			t.Error("warned before the threshold")
		}
		_, res = holdTrigger(State{}, "held", 3, start)
		if !res.Warned {
			t.Error("no warning at the threshold cycle")
		}
	})

	t.Run("errors at the error threshold", func(t *testing.T) {
		_, res := holdTrigger(State{}, "held", 4, start)
		if res.Errored {
			t.Error("errored before the threshold")
		}
		_, res = holdTrigger(State{}, "held", 5, start)
		if !res.Errored {
			t.Error("no error at the threshold cycle")
		}
	})

	t.Run("force-clears at the auto-clear threshold", func(t *testing.T) {
		seed := State{
			CurrentStage:     "s3",
			PendingQuestions: []string{"what now?"},
			HumanResponses:   map[string]string{"what now?": "unsure"},
		}
		s, res := holdTrigger(seed, "held", 7, start)
		if !res.ForceCleared {
			t.Fatal("no force-clear at the threshold cycle")
		}
		if s.Trigger != "" || s.TriggerCount != 0 || s.TriggerFirstSeen != nil || s.LastTrigger != "" {
			t.Errorf("tracking not fully reset: %+v", s)
		}
		if len(s.PendingQuestions) != 0 || len(s.HumanResponses) != 0 {
			t.Error("question and response buffers not cleared")
		}
		if s.Decision != DecisionContinue {
			t.Errorf("decision = %q, want continue", s.Decision)
		}
		if len(s.Diagnostics) != 1 {
			t.Fatalf("diagnostics = %d records, want 1", len(s.Diagnostics))
		}
		diag := s.Diagnostics[0]
		if diag.Trigger != "held" || diag.Count != 7 || diag.StageID != "s3" {
			t.Errorf("diagnostic = %+v", diag)
		}
		if len(diag.Questions) != 1 || diag.Responses["what now?"] != "unsure" {
			t.Error("diagnostic did not capture the interaction buffers")
		}
	})

	t.Run("auto-clear disabled by non-positive threshold", func(t *testing.T) {
		seed := State{Config: RuntimeConfig{KeyStuckAutoClear: 0}}
		s, res := holdTrigger(seed, "held", 20, start)
		if res.ForceCleared {
			t.Error("force-cleared despite disabled threshold")
		}
		if s.TriggerCount != 20 {
			t.Errorf("count = %d, want 20", s.TriggerCount)
		}
	})

	t.Run("custom thresholds from config", func(t *testing.T) {
		seed := State{Config: RuntimeConfig{
			KeyStuckWarnThreshold:  2,
			KeyStuckErrorThreshold: 2,
			KeyStuckAutoClear:      2,
		}}
		_, res := holdTrigger(seed, "held", 2, start)
		if !res.Warned || !res.Errored || !res.ForceCleared {
			t.Errorf("result = %+v, want all thresholds hit", res)
		}
	})
}
