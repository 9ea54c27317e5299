package flow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dshills/stageflow/flow/emit"
	"github.com/dshills/stageflow/flow/store"
)

type testState struct {
	Value   string `json:"value"`
	Counter int    `json:"counter"`
}

type testPatch struct {
	Value   string
	Counter int
}

func testReducer(prev testState, patch testPatch) testState {
	if patch.Value != "" {
		prev.Value = patch.Value
	}
	prev.Counter += patch.Counter
	return prev
}

type captureEmitter struct {
	mu     sync.Mutex
	events []emit.Event
}

func (c *captureEmitter) Emit(e emit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *captureEmitter) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Msg
	}
	return out
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine[testState, testPatch], *store.MemStore[testState]) {
	t.Helper()
	st := store.NewMemStore[testState]()
	return New[testState, testPatch](testReducer, st, &captureEmitter{}, opts...), st
}

func TestEngine_Run(t *testing.T) {
	t.Run("linear graph merges patches in order", func(t *testing.T) {
		eng, _ := newTestEngine(t)

		mustAdd(t, eng, "first", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Value: "first", Counter: 1}, Route: Goto("second")}
		}))
		mustAdd(t, eng, "second", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Value: "second", Counter: 1}, Route: Stop()}
		}))
		mustStart(t, eng, "first")

		final, err := eng.Run(context.Background(), "r1", testState{})
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if final.Value != "second" || final.Counter != 2 {
			t.Errorf("final = %+v, want value=second counter=2", final)
		}
	})

	t.Run("edges route when the node does not", func(t *testing.T) {
		eng, _ := newTestEngine(t)

		mustAdd(t, eng, "start", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Counter: 1}}
		}))
		mustAdd(t, eng, "high", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Value: "high"}, Route: Stop()}
		}))
		mustAdd(t, eng, "low", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Value: "low"}, Route: Stop()}
		}))
		mustStart(t, eng, "start")
		if err := eng.Connect("start", "high", func(s testState) bool { return s.Counter > 10 }); err != nil {
			t.Fatal(err)
		}
		if err := eng.Connect("start", "low", nil); err != nil {
			t.Fatal(err)
		}

		final, err := eng.Run(context.Background(), "r2", testState{})
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
		if final.Value != "low" {
			t.Errorf("routed to %q, want low", final.Value)
		}
	})

	t.Run("no route is an error", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		mustAdd(t, eng, "lonely", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{}
		}))
		mustStart(t, eng, "lonely")

		_, err := eng.Run(context.Background(), "r3", testState{})
		if !errors.Is(err, ErrNoRoute) {
			t.Errorf("err = %v, want ErrNoRoute", err)
		}
	})

	t.Run("max steps bounds a loop", func(t *testing.T) {
		eng, _ := newTestEngine(t, WithMaxSteps(5))
		mustAdd(t, eng, "loop", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Counter: 1}, Route: Goto("loop")}
		}))
		mustStart(t, eng, "loop")

		_, err := eng.Run(context.Background(), "r4", testState{})
		if !errors.Is(err, ErrMaxStepsExceeded) {
			t.Errorf("err = %v, want ErrMaxStepsExceeded", err)
		}
	})

	t.Run("node error surfaces", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		boom := errors.New("boom")
		mustAdd(t, eng, "bad", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Err: boom}
		}))
		mustStart(t, eng, "bad")

		_, err := eng.Run(context.Background(), "r5", testState{})
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped boom", err)
		}
	})

	t.Run("context cancellation stops the run", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		ctx, cancel := context.WithCancel(context.Background())
		mustAdd(t, eng, "loop", NodeFunc[testState, testPatch](func(c context.Context, s testState) NodeResult[testState, testPatch] {
			cancel()
			return NodeResult[testState, testPatch]{Route: Goto("loop")}
		}))
		mustStart(t, eng, "loop")

		_, err := eng.Run(ctx, "r6", testState{})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

func TestEngine_Validation(t *testing.T) {
	t.Run("duplicate node rejected", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		node := NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Route: Stop()}
		})
		mustAdd(t, eng, "dup", node)
		err := eng.Add("dup", node)
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "DUPLICATE_NODE" {
			t.Errorf("err = %v, want DUPLICATE_NODE", err)
		}
	})

	t.Run("unknown start node rejected", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		if err := eng.StartAt("missing"); err == nil {
			t.Error("StartAt accepted an unknown node")
		}
	})

	t.Run("edge endpoints must be named", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		if err := eng.Connect("", "b", nil); err == nil {
			t.Error("Connect accepted an empty from ID")
		}
		if err := eng.Connect("a", "", nil); err == nil {
			t.Error("Connect accepted an empty to ID")
		}
	})
}

func TestEngine_InterruptResume(t *testing.T) {
	build := func(t *testing.T) (*Engine[testState, testPatch], *store.MemStore[testState]) {
		eng, st := newTestEngine(t, WithInterrupt("pause"))

		mustAdd(t, eng, "work", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Value: "worked", Counter: 1}, Route: Goto("pause")}
		}))
		mustAdd(t, eng, "pause", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			t.Error("interrupt node body must never execute")
			return NodeResult[testState, testPatch]{Route: Stop()}
		}))
		mustAdd(t, eng, "finish", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Patch: testPatch{Value: "finished", Counter: 1}, Route: Stop()}
		}))
		mustStart(t, eng, "work")
		if err := eng.Connect("pause", "finish", nil); err != nil {
			t.Fatal(err)
		}
		return eng, st
	}

	t.Run("pauses before the interrupt node with state persisted", func(t *testing.T) {
		eng, _ := build(t)
		paused, err := eng.Run(context.Background(), "r7", testState{})
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("err = %v, want ErrInterrupted", err)
		}
		if paused.Value != "worked" || paused.Counter != 1 {
			t.Errorf("paused state = %+v, want merged pre-interrupt state", paused)
		}

		loaded, _, err := eng.LoadLatest(context.Background(), "r7")
		if err != nil {
			t.Fatalf("LoadLatest: %v", err)
		}
		if loaded.Value != "worked" {
			t.Errorf("persisted state = %+v, want the paused snapshot", loaded)
		}
	})

	t.Run("resume continues past the interrupt node", func(t *testing.T) {
		eng, _ := build(t)
		paused, err := eng.Run(context.Background(), "r8", testState{})
		if !errors.Is(err, ErrInterrupted) {
			t.Fatalf("err = %v, want ErrInterrupted", err)
		}

		paused.Value = "amended"
		final, err := eng.Resume(context.Background(), "r8", paused)
		if err != nil {
			t.Fatalf("Resume returned error: %v", err)
		}
		if final.Value != "finished" || final.Counter != 2 {
			t.Errorf("final = %+v, want finished counter=2", final)
		}
	})

	t.Run("resume without interrupt config fails", func(t *testing.T) {
		eng, _ := newTestEngine(t)
		mustAdd(t, eng, "only", NodeFunc[testState, testPatch](func(ctx context.Context, s testState) NodeResult[testState, testPatch] {
			return NodeResult[testState, testPatch]{Route: Stop()}
		}))
		mustStart(t, eng, "only")

		_, err := eng.Resume(context.Background(), "r9", testState{})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "NO_INTERRUPT_NODE" {
			t.Errorf("err = %v, want NO_INTERRUPT_NODE", err)
		}
	})
}

func mustAdd(t *testing.T, eng *Engine[testState, testPatch], id string, node Node[testState, testPatch]) {
	t.Helper()
	if err := eng.Add(id, node); err != nil {
		t.Fatalf("Add(%s): %v", id, err)
	}
}

func mustStart(t *testing.T, eng *Engine[testState, testPatch], id string) {
	t.Helper()
	if err := eng.StartAt(id); err != nil {
		t.Fatalf("StartAt(%s): %v", id, err)
	}
}
