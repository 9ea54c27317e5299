package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestBufferedEmitter(t *testing.T) {
	t.Run("history preserves emission order per run", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{RunID: "r1", Step: 1, NodeID: "plan", Msg: "node completed"})
		b.Emit(Event{RunID: "r2", Step: 1, NodeID: "plan", Msg: "node completed"})
		b.Emit(Event{RunID: "r1", Step: 2, NodeID: "schedule", Msg: "stage scheduled"})

		hist := b.History("r1")
		if len(hist) != 2 {
			t.Fatalf("History(r1) has %d events, want 2", len(hist))
		}
		if hist[0].NodeID != "plan" || hist[1].NodeID != "schedule" {
			t.Errorf("history order wrong: %+v", hist)
		}
		if len(b.History("r3")) != 0 {
			t.Error("unknown run should have empty history")
		}
	})

	t.Run("history is a copy", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{RunID: "r1", Msg: "original"})

		hist := b.History("r1")
		hist[0].Msg = "mutated"
		if b.History("r1")[0].Msg != "original" {
			t.Error("mutating the returned slice leaked into the buffer")
		}
	})

	t.Run("filter combines fields with AND", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{RunID: "r1", Step: 1, NodeID: "supervisor", Level: LevelWarn, Msg: "stuck warning"})
		b.Emit(Event{RunID: "r1", Step: 2, NodeID: "supervisor", Level: LevelError, Msg: "stuck error"})
		b.Emit(Event{RunID: "r1", Step: 3, NodeID: "schedule", Level: LevelWarn, Msg: "deadlock"})
		b.Emit(Event{RunID: "r1", Step: 9, NodeID: "supervisor", Level: LevelWarn, Msg: "stuck warning"})

		min, max := 1, 5
		got := b.HistoryWithFilter("r1", HistoryFilter{
			NodeID:  "supervisor",
			Level:   LevelWarn,
			MinStep: &min,
			MaxStep: &max,
		})
		if len(got) != 1 || got[0].Step != 1 {
			t.Errorf("filtered = %+v, want only step 1", got)
		}

		byMsg := b.HistoryWithFilter("r1", HistoryFilter{Msg: "stuck warning"})
		if len(byMsg) != 2 {
			t.Errorf("msg filter returned %d events, want 2", len(byMsg))
		}
	})

	t.Run("empty level matches as info", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{RunID: "r1", Msg: "no level set"})

		got := b.HistoryWithFilter("r1", HistoryFilter{Level: LevelInfo})
		if len(got) != 1 {
			t.Errorf("info filter returned %d events, want 1", len(got))
		}
	})

	t.Run("clear", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{RunID: "r1", Msg: "a"})
		b.Emit(Event{RunID: "r2", Msg: "b"})

		b.Clear("r1")
		if len(b.History("r1")) != 0 {
			t.Error("Clear left events behind")
		}
		if len(b.History("r2")) != 1 {
			t.Error("Clear touched another run")
		}

		b.ClearAll()
		if len(b.History("r2")) != 0 {
			t.Error("ClearAll left events behind")
		}
	})
}

func TestLogEmitter(t *testing.T) {
	t.Run("text mode writes one line per event", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogEmitter(&buf, false)
		l.Emit(Event{RunID: "r1", Step: 4, NodeID: "route_design_review", Level: LevelWarn, Msg: "verdict unmapped",
			Meta: map[string]interface{}{"verdict": "MAYBE"}})

		line := buf.String()
		if !strings.HasPrefix(line, "[warn] verdict unmapped runID=r1 step=4 nodeID=route_design_review") {
			t.Errorf("line = %q", line)
		}
		if !strings.Contains(line, `meta={"verdict":"MAYBE"}`) {
			t.Errorf("meta missing: %q", line)
		}
		if !strings.HasSuffix(line, "\n") {
			t.Error("line not newline-terminated")
		}
	})

	t.Run("empty level defaults to info", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, false).Emit(Event{RunID: "r1", Msg: "done"})
		if !strings.HasPrefix(buf.String(), "[info] ") {
			t.Errorf("line = %q", buf.String())
		}
	})

	t.Run("json mode writes JSONL", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogEmitter(&buf, true)
		l.Emit(Event{RunID: "r1", Step: 2, NodeID: "supervisor", Level: LevelError, Msg: "stuck error"})

		var decoded map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
			t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
		}
		if decoded["runID"] != "r1" || decoded["level"] != "error" || decoded["msg"] != "stuck error" {
			t.Errorf("decoded = %v", decoded)
		}
		if _, present := decoded["meta"]; present {
			t.Error("empty meta should be omitted")
		}
	})
}
