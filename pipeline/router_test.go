package pipeline

import (
	"errors"
	"strings"
	"testing"
)

// recordingCheckpointer captures checkpoint saves for assertions.
type recordingCheckpointer struct {
	names []string
	err   error
}

func (r *recordingCheckpointer) Save(runID, name string, state interface{}) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.names = append(r.names, name)
	return "/tmp/" + name + ".json", nil
}

func testRouterConfig() RouterConfig {
	return RouterConfig{
		Field: "review",
		Label: "review",
		Routes: map[string]RouteRule{
			"approve": {Target: "next_step"},
			"needs_revision": {Target: "revise_step", Limit: &LimitRule{
				CounterKey: "revisions",
				ConfigKey:  "max_revisions",
				Default:    3,
			}},
			"warning": {Target: "next_step", Limit: &LimitRule{
				CounterKey:  "revisions",
				ConfigKey:   "max_revisions",
				Default:     3,
				PassThrough: []string{"warning"},
			}},
		},
	}
}

func TestVerdictRouter_MissingVerdict(t *testing.T) {
	cp := &recordingCheckpointer{}
	router := NewVerdictRouter(testRouterConfig(), cp, nil)

	t.Run("absent field escalates with error checkpoint", func(t *testing.T) {
		target, patch, err := router.Evaluate(State{RunID: "r1"})
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "ask_user" {
			t.Errorf("target = %q, want ask_user", target)
		}
		if len(cp.names) != 1 || !strings.HasSuffix(cp.names[0], "_error") {
			t.Errorf("checkpoints = %v, want one ending in _error", cp.names)
		}
		if patch.Trigger == nil || *patch.Trigger != "review_error" {
			t.Errorf("trigger patch = %v, want review_error", patch.Trigger)
		}
		if len(patch.PendingQuestions) == 0 {
			t.Error("expected a synthesized question")
		}
	})

	t.Run("nil value escalates the same way", func(t *testing.T) {
		cp.names = nil
		s := State{RunID: "r1", Verdicts: map[string]interface{}{"review": nil}}
		target, _, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "ask_user" {
			t.Errorf("target = %q, want ask_user", target)
		}
		if len(cp.names) != 1 || !strings.HasSuffix(cp.names[0], "_error") {
			t.Errorf("checkpoints = %v, want one ending in _error", cp.names)
		}
	})

	t.Run("non-string value escalates with error checkpoint", func(t *testing.T) {
		cp.names = nil
		s := State{RunID: "r1", Verdicts: map[string]interface{}{"review": 42}}
		target, _, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "ask_user" {
			t.Errorf("target = %q, want ask_user", target)
		}
		if len(cp.names) != 1 || !strings.HasSuffix(cp.names[0], "_error") {
			t.Errorf("checkpoints = %v, want one ending in _error", cp.names)
		}
	})
}

func TestVerdictRouter_UnmappedVerdict(t *testing.T) {
	cp := &recordingCheckpointer{}
	router := NewVerdictRouter(testRouterConfig(), cp, nil)

	s := State{RunID: "r1", Verdicts: map[string]interface{}{"review": "wat"}}
	target, _, err := router.Evaluate(s)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if target != "ask_user" {
		t.Errorf("target = %q, want ask_user", target)
	}
	if len(cp.names) != 1 || !strings.HasSuffix(cp.names[0], "_fallback") {
		t.Errorf("checkpoints = %v, want one ending in _fallback", cp.names)
	}
}

func TestVerdictRouter_SuccessPath(t *testing.T) {
	cp := &recordingCheckpointer{}
	router := NewVerdictRouter(testRouterConfig(), cp, nil)

	s := State{RunID: "r1", Verdicts: map[string]interface{}{"review": "approve"}}
	target, patch, err := router.Evaluate(s)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	if target != "next_step" {
		t.Errorf("target = %q, want next_step", target)
	}
	if len(cp.names) != 0 {
		t.Errorf("success path wrote checkpoints: %v", cp.names)
	}
	if patch.Trigger != nil {
		t.Error("success path set a trigger")
	}
}

func TestVerdictRouter_LimitBoundary(t *testing.T) {
	t.Run("counter below max proceeds and increments", func(t *testing.T) {
		cp := &recordingCheckpointer{}
		router := NewVerdictRouter(testRouterConfig(), cp, nil)
		s := State{
			RunID:    "r1",
			Verdicts: map[string]interface{}{"review": "needs_revision"},
			Counters: map[string]int{"revisions": 2},
			Config:   RuntimeConfig{"max_revisions": 3},
		}
		target, patch, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "revise_step" {
			t.Errorf("target = %q, want revise_step", target)
		}
		if len(cp.names) != 0 {
			t.Errorf("proceed path wrote checkpoints: %v", cp.names)
		}
		if got := patch.Counters["revisions"]; got != 3 {
			t.Errorf("counter patch = %d, want 3", got)
		}
	})

	t.Run("counter at max escalates", func(t *testing.T) {
		cp := &recordingCheckpointer{}
		router := NewVerdictRouter(testRouterConfig(), cp, nil)
		s := State{
			RunID:    "r1",
			Verdicts: map[string]interface{}{"review": "needs_revision"},
			Counters: map[string]int{"revisions": 3},
			Config:   RuntimeConfig{"max_revisions": 3},
		}
		target, _, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "ask_user" {
			t.Errorf("target = %q, want ask_user", target)
		}
		if len(cp.names) != 1 || !strings.HasSuffix(cp.names[0], "_limit") {
			t.Errorf("checkpoints = %v, want one ending in _limit", cp.names)
		}
	})

	t.Run("rule default applies when config key absent", func(t *testing.T) {
		cp := &recordingCheckpointer{}
		router := NewVerdictRouter(testRouterConfig(), cp, nil)
		s := State{
			RunID:    "r1",
			Verdicts: map[string]interface{}{"review": "needs_revision"},
			Counters: map[string]int{"revisions": 3},
		}
		target, _, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "ask_user" {
			t.Errorf("target = %q, want ask_user (default limit 3)", target)
		}
	})

	t.Run("negative counter coerces to zero", func(t *testing.T) {
		cp := &recordingCheckpointer{}
		router := NewVerdictRouter(testRouterConfig(), cp, nil)
		s := State{
			RunID:    "r1",
			Verdicts: map[string]interface{}{"review": "needs_revision"},
			Counters: map[string]int{"revisions": -5},
		}
		target, patch, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "revise_step" {
			t.Errorf("target = %q, want revise_step", target)
		}
		if got := patch.Counters["revisions"]; got != 1 {
			t.Errorf("counter patch = %d, want 1", got)
		}
	})

	t.Run("custom limit target routes without escalation state", func(t *testing.T) {
		cfg := testRouterConfig()
		cfg.Routes["needs_revision"] = RouteRule{Target: "revise_step", Limit: &LimitRule{
			CounterKey: "revisions",
			ConfigKey:  "max_revisions",
			Default:    3,
			Target:     "replan",
		}}
		cp := &recordingCheckpointer{}
		router := NewVerdictRouter(cfg, cp, nil)
		s := State{
			RunID:    "r1",
			Verdicts: map[string]interface{}{"review": "needs_revision"},
			Counters: map[string]int{"revisions": 3},
		}
		target, patch, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "replan" {
			t.Errorf("target = %q, want replan", target)
		}
		if patch.Trigger != nil {
			t.Errorf("trigger = %q, want none: a rerouted limit is not a human escalation", *patch.Trigger)
		}
		if len(patch.PendingQuestions) != 0 {
			t.Errorf("pending questions = %v, want none", patch.PendingQuestions)
		}
		if len(cp.names) != 0 {
			t.Errorf("rerouted limit wrote checkpoints: %v", cp.names)
		}
	})

	t.Run("pass-through verdict skips the limit", func(t *testing.T) {
		cp := &recordingCheckpointer{}
		router := NewVerdictRouter(testRouterConfig(), cp, nil)
		s := State{
			RunID:    "r1",
			Verdicts: map[string]interface{}{"review": "warning"},
			Counters: map[string]int{"revisions": 99},
		}
		target, _, err := router.Evaluate(s)
		if err != nil {
			t.Fatalf("Evaluate returned error: %v", err)
		}
		if target != "next_step" {
			t.Errorf("target = %q, want next_step", target)
		}
		if len(cp.names) != 0 {
			t.Errorf("pass-through wrote checkpoints: %v", cp.names)
		}
	})
}

func TestVerdictRouter_CheckpointFailureAborts(t *testing.T) {
	cp := &recordingCheckpointer{err: errors.New("disk full")}
	router := NewVerdictRouter(testRouterConfig(), cp, nil)

	_, _, err := router.Evaluate(State{RunID: "r1"})
	if err == nil {
		t.Fatal("expected checkpoint failure to propagate")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("error = %v, want wrapped disk full", err)
	}
}
