package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func nestedContext() map[string]interface{} {
	return map[string]interface{}{
		"goal": "simulate orbital decay",
		"progress": map[string]interface{}{
			"stage_statuses": map[string]interface{}{
				"planning": "completed_success",
				"design":   "in_progress",
			},
			"discrepancies": []interface{}{"drag coefficient off by 2%"},
		},
		"counters": map[string]interface{}{
			"design_revisions": float64(2),
		},
		"tolerance": 0.0031,
		"approved":  true,
		"report":    nil,
	}
}

func TestStore_SaveLoad(t *testing.T) {
	t.Run("round trips nested structured data", func(t *testing.T) {
		s := New(t.TempDir())
		want := nestedContext()

		path, err := s.Save("run-1", "after_planning", want)
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("snapshot file missing: %v", err)
		}

		var got map[string]interface{}
		if err := s.Load("run-1", "after_planning", &got); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Errorf("round trip mismatch:\nwant %#v\ngot  %#v", want, got)
		}
	})

	t.Run("same name resolves to the newest save", func(t *testing.T) {
		s := New(t.TempDir())

		if _, err := s.Save("run-1", "after_stage_design", map[string]interface{}{"rev": "old"}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
		if _, err := s.Save("run-1", "after_stage_design", map[string]interface{}{"rev": "new"}); err != nil {
			t.Fatal(err)
		}

		var got map[string]interface{}
		if err := s.Load("run-1", "after_stage_design", &got); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if got["rev"] != "new" {
			t.Errorf("rev = %v, want new", got["rev"])
		}
	})

	t.Run("latest resolves across names", func(t *testing.T) {
		s := New(t.TempDir())

		if _, err := s.Save("run-1", "after_planning", map[string]interface{}{"at": "planning"}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
		if _, err := s.Save("run-1", "after_stage_design", map[string]interface{}{"at": "design"}); err != nil {
			t.Fatal(err)
		}

		var got map[string]interface{}
		if err := s.Load("run-1", "latest", &got); err != nil {
			t.Fatalf("Load latest: %v", err)
		}
		if got["at"] != "design" {
			t.Errorf("latest = %v, want design", got["at"])
		}
	})

	t.Run("missing pointer falls back to timestamped snapshot", func(t *testing.T) {
		s := New(t.TempDir())

		if _, err := s.Save("run-1", "run_complete", map[string]interface{}{"ok": true}); err != nil {
			t.Fatal(err)
		}

		pointer := filepath.Join(s.runDir("run-1"), "checkpoint_run_complete_latest.json")
		if err := os.Remove(pointer); err != nil {
			t.Fatalf("removing pointer: %v", err)
		}

		var got map[string]interface{}
		if err := s.Load("run-1", "run_complete", &got); err != nil {
			t.Fatalf("Load after pointer loss: %v", err)
		}
		if got["ok"] != true {
			t.Errorf("ok = %v, want true", got["ok"])
		}
	})

	t.Run("unknown run and unknown name return ErrNotFound", func(t *testing.T) {
		s := New(t.TempDir())

		var out map[string]interface{}
		if err := s.Load("ghost-run", "after_planning", &out); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown run: err = %v, want ErrNotFound", err)
		}
		if err := s.Load("ghost-run", "latest", &out); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown run latest: err = %v, want ErrNotFound", err)
		}

		if _, err := s.Save("run-1", "after_planning", map[string]interface{}{}); err != nil {
			t.Fatal(err)
		}
		if err := s.Load("run-1", "never_saved", &out); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown name: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("corrupt checkpoint is a decode error not a miss", func(t *testing.T) {
		s := New(t.TempDir())

		path, err := s.Save("run-1", "after_planning", map[string]interface{}{"fine": true})
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}

		var out map[string]interface{}
		err = s.Load("run-1", "after_planning", &out)
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want a decode error", err)
		}
	})

	t.Run("empty checkpoint file is an error", func(t *testing.T) {
		s := New(t.TempDir())

		path, err := s.Save("run-1", "after_planning", map[string]interface{}{"fine": true})
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatal(err)
		}

		var out map[string]interface{}
		err = s.Load("run-1", "after_planning", &out)
		if err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want an empty-file error", err)
		}
	})

	t.Run("save requires run id and name", func(t *testing.T) {
		s := New(t.TempDir())
		if _, err := s.Save("", "x", nil); err == nil {
			t.Error("Save accepted an empty run id")
		}
		if _, err := s.Save("run-1", "", nil); err == nil {
			t.Error("Save accepted an empty name")
		}
	})
}

func TestStore_SnapshotsAreImmutable(t *testing.T) {
	s := New(t.TempDir())

	// Hammer the same name; even same-microsecond saves must land in
	// distinct files rather than overwriting earlier snapshots.
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		path, err := s.Save("run-1", "before_ask_user_design_review_limit", map[string]interface{}{"i": i})
		if err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
		if seen[path] {
			t.Fatalf("Save #%d reused path %s", i, path)
		}
		seen[path] = true
	}

	infos, err := s.List("run-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 50 {
		t.Errorf("List returned %d snapshots, want 50", len(infos))
	}
}

func TestStore_List(t *testing.T) {
	t.Run("empty run lists nothing", func(t *testing.T) {
		s := New(t.TempDir())
		infos, err := s.List("run-1")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(infos) != 0 {
			t.Errorf("List returned %d entries, want 0", len(infos))
		}
	})

	t.Run("excludes pointers, parses names, sorts newest first", func(t *testing.T) {
		s := New(t.TempDir())

		names := []string{"after_planning", "after_stage_design", "before_ask_user_code_review_limit"}
		for _, name := range names {
			if _, err := s.Save("run-1", name, map[string]interface{}{"name": name}); err != nil {
				t.Fatal(err)
			}
			time.Sleep(2 * time.Millisecond)
		}

		infos, err := s.List("run-1")
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(infos) != len(names) {
			t.Fatalf("List returned %d entries, want %d", len(infos), len(names))
		}

		for i, want := range []string{"before_ask_user_code_review_limit", "after_stage_design", "after_planning"} {
			if infos[i].Name != want {
				t.Errorf("infos[%d].Name = %q, want %q", i, infos[i].Name, want)
			}
		}
		for i := 1; i < len(infos); i++ {
			if infos[i].Timestamp.After(infos[i-1].Timestamp) {
				t.Errorf("infos not sorted descending at %d", i)
			}
		}
		for _, info := range infos {
			if info.Size == 0 {
				t.Errorf("snapshot %s has zero size", info.Path)
			}
		}
	})
}
