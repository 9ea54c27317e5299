package pipeline

import (
	"context"
	"fmt"

	"github.com/dshills/stageflow/flow"
	"github.com/dshills/stageflow/flow/emit"
)

// Checkpointer snapshots workflow state under a named checkpoint.
// Satisfied by checkpoint.Store.
type Checkpointer interface {
	Save(runID, name string, state interface{}) (string, error)
}

// LimitRule bounds how many times a verdict's route may be taken before
// the router escalates instead.
type LimitRule struct {
	// CounterKey names the entry in State.Counters to compare.
	CounterKey string

	// ConfigKey names the RuntimeConfig limit; Default applies when the
	// key is absent.
	ConfigKey string
	Default   int

	// PassThrough lists verdicts exempt from the limit check.
	PassThrough []string

	// Target is the route taken when the limit is reached. Empty means
	// the router's escalation target.
	Target string
}

// RouteRule maps one verdict value to its target step.
type RouteRule struct {
	Target string
	Limit  *LimitRule
}

// RouterConfig declares one verdict router: which verdict field it
// reads, where each verdict value routes, and the label used in
// escalation checkpoint names.
type RouterConfig struct {
	// Field is the key in State.Verdicts holding the verdict string.
	Field string

	// Label appears in checkpoint names and escalation triggers.
	Label string

	// Routes maps verdict value to its rule. Verdicts not present
	// escalate with a fallback checkpoint.
	Routes map[string]RouteRule

	// EscalateTarget is the step escalations route to. Empty means
	// "ask_user".
	EscalateTarget string
}

// VerdictRouter turns a worker verdict into a routing decision. Every
// review and validation step in the workflow instantiates one of these
// with its own configuration; the logic is shared.
type VerdictRouter struct {
	cfg     RouterConfig
	cp      Checkpointer
	emitter emit.Emitter
}

// NewVerdictRouter builds a router. A nil emitter suppresses events.
func NewVerdictRouter(cfg RouterConfig, cp Checkpointer, emitter emit.Emitter) *VerdictRouter {
	if cfg.EscalateTarget == "" {
		cfg.EscalateTarget = "ask_user"
	}
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &VerdictRouter{cfg: cfg, cp: cp, emitter: emitter}
}

// Node adapts the router to a workflow node.
func (r *VerdictRouter) Node() flow.NodeFunc[State, Patch] {
	return func(ctx context.Context, s State) flow.NodeResult[State, Patch] {
		target, patch, err := r.Evaluate(s)
		if err != nil {
			return flow.NodeResult[State, Patch]{Err: err}
		}
		return flow.NodeResult[State, Patch]{Patch: patch, Route: flow.Goto(target)}
	}
}

// Evaluate resolves the routing decision for the current state. The
// returned patch carries counter increments and escalation trigger data;
// no checkpoint is written on the normal path. A checkpoint write
// failure is returned as an error and aborts the step.
func (r *VerdictRouter) Evaluate(s State) (string, Patch, error) {
	raw, ok := s.Verdicts[r.cfg.Field]
	if !ok || raw == nil {
		return r.escalate(s, "error",
			fmt.Sprintf("verdict field %q is missing", r.cfg.Field),
			fmt.Sprintf("The %s step produced no verdict. How should the run proceed?", r.cfg.Label))
	}

	verdict, ok := raw.(string)
	if !ok {
		return r.escalate(s, "error",
			fmt.Sprintf("verdict field %q holds %T, not a string", r.cfg.Field, raw),
			fmt.Sprintf("The %s step produced an unusable verdict. How should the run proceed?", r.cfg.Label))
	}

	rule, ok := r.cfg.Routes[verdict]
	if !ok {
		return r.escalate(s, "fallback",
			fmt.Sprintf("verdict %q has no configured route", verdict),
			fmt.Sprintf("The %s step returned the unrecognized verdict %q. How should the run proceed?", r.cfg.Label, verdict))
	}

	if rule.Limit != nil && !contains(rule.Limit.PassThrough, verdict) {
		counter := s.Counters[rule.Limit.CounterKey]
		if counter < 0 {
			counter = 0
		}
		max := s.Config.ValueOr(rule.Limit.ConfigKey, rule.Limit.Default)
		if counter >= max {
			limitTarget := rule.Limit.Target
			if limitTarget == "" || limitTarget == r.cfg.EscalateTarget {
				return r.escalate(s, "limit",
					fmt.Sprintf("verdict %q hit limit %d on counter %q", verdict, max, rule.Limit.CounterKey),
					fmt.Sprintf("The %s step was revised %d times without approval. How should the run proceed?", r.cfg.Label, max))
			}
			// A custom limit route is not a human escalation: no
			// checkpoint, and no trigger or question rides along.
			r.emitter.Emit(emit.Event{
				RunID:  s.RunID,
				NodeID: "route_" + r.cfg.Label,
				Level:  emit.LevelWarn,
				Msg:    "verdict limit rerouted",
				Meta:   map[string]interface{}{"verdict": verdict, "target": limitTarget, "counter": rule.Limit.CounterKey},
			})
			return limitTarget, Patch{}, nil
		}
		r.emitter.Emit(emit.Event{
			RunID:  s.RunID,
			NodeID: "route_" + r.cfg.Label,
			Msg:    "verdict routed",
			Meta:   map[string]interface{}{"verdict": verdict, "target": rule.Target},
		})
		return rule.Target, Patch{Counters: map[string]int{rule.Limit.CounterKey: counter + 1}}, nil
	}

	r.emitter.Emit(emit.Event{
		RunID:  s.RunID,
		NodeID: "route_" + r.cfg.Label,
		Msg:    "verdict routed",
		Meta:   map[string]interface{}{"verdict": verdict, "target": rule.Target},
	})
	return rule.Target, Patch{}, nil
}

// escalate writes the escalation checkpoint, emits the event, and builds
// the trigger patch. reason is one of "error", "fallback", "limit".
func (r *VerdictRouter) escalate(s State, reason, detail, question string) (string, Patch, error) {
	name := fmt.Sprintf("before_ask_user_%s_%s", r.cfg.Label, reason)
	if r.cp != nil {
		if _, err := r.cp.Save(s.RunID, name, s); err != nil {
			return "", Patch{}, fmt.Errorf("checkpoint %s: %w", name, err)
		}
	}

	level := emit.LevelError
	if reason == "fallback" {
		level = emit.LevelWarn
	}
	r.emitter.Emit(emit.Event{
		RunID:  s.RunID,
		NodeID: "route_" + r.cfg.Label,
		Level:  level,
		Msg:    "verdict escalated",
		Meta:   map[string]interface{}{"checkpoint": name, "reason": detail},
	})

	trigger := fmt.Sprintf("%s_%s", r.cfg.Label, reason)
	return r.cfg.EscalateTarget, Patch{
		Trigger:          strPtr(trigger),
		PendingQuestions: []string{question},
	}, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
