// Package checkpoint provides a file-based store of named, immutable
// workflow context snapshots.
//
// Snapshots are the durability backbone of the orchestrator: one is taken
// after planning, after each stage completes, before every pause for human
// input, and before any escalation, so a crashed or timed-out run can
// always be resumed from the exact point it stopped.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrNotFound is returned by Load when no checkpoint matches. A missing
// checkpoint is an expected condition (a fresh run has none), distinct
// from I/O and decode failures.
var ErrNotFound = errors.New("checkpoint not found")

// timestampLayout has microsecond resolution; within one run two saves of
// the same name in the same microsecond collide on filename and get a
// numeric suffix instead of overwriting.
const timestampLayout = "20060102T150405.000000"

const latestSuffix = "_latest.json"

var timestampPattern = regexp.MustCompile(`^\d{8}T\d{6}\.\d{6}$`)

// Info describes one stored checkpoint.
type Info struct {
	// Name is the logical checkpoint name (e.g. "after_planning",
	// "before_ask_user_design_review_limit").
	Name string

	// Timestamp is when the checkpoint was written.
	Timestamp time.Time

	// Path is the absolute or base-relative file path of the snapshot.
	Path string

	// Size is the snapshot file size in bytes.
	Size int64
}

// Store persists named snapshots as JSON documents under
//
//	{base}/{run_id}/checkpoints/checkpoint_{run_id}_{name}_{timestamp}.json
//
// plus a pointer file checkpoint_{name}_latest.json per name so lookups
// by name do not need to glob.
//
// Snapshots are immutable: a later save of the same name supersedes the
// earlier one via the pointer but never deletes or rewrites it.
//
// I/O errors propagate to the caller. A checkpoint that silently failed
// to persist would void the resumability guarantee, so persistence
// failures are fatal to the step that requested them.
type Store struct {
	base string
}

// New creates a Store rooted at base. The directory tree is created
// lazily on first save.
func New(base string) *Store {
	return &Store{base: base}
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.base, runID, "checkpoints")
}

// Save serializes state to JSON and writes it as a new snapshot of the
// given name, then atomically repoints the name's latest-pointer at it.
// Returns the snapshot path.
func (s *Store) Save(runID, name string, state interface{}) (string, error) {
	if runID == "" || name == "" {
		return "", fmt.Errorf("checkpoint save requires run id and name")
	}

	dir := s.runDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize checkpoint %q: %w", name, err)
	}

	ts := time.Now().UTC().Format(timestampLayout)
	base := fmt.Sprintf("checkpoint_%s_%s_%s", runID, name, ts)

	// O_EXCL detects a same-microsecond collision; disambiguate with a
	// numeric suffix rather than overwriting the earlier snapshot.
	path := filepath.Join(dir, base+".json")
	for i := 1; ; i++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			if _, werr := f.Write(data); werr != nil {
				_ = f.Close()
				return "", fmt.Errorf("failed to write checkpoint %q: %w", name, werr)
			}
			if cerr := f.Close(); cerr != nil {
				return "", fmt.Errorf("failed to close checkpoint %q: %w", name, cerr)
			}
			break
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("failed to create checkpoint %q: %w", name, err)
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.json", base, i))
	}

	if err := s.updatePointer(dir, name, path, data); err != nil {
		return "", err
	}

	return path, nil
}

// updatePointer atomically replaces the latest-pointer for name.
// A hardlink to the snapshot is preferred (no second copy of the data);
// where the filesystem refuses hardlinks, a full copy is written instead.
// Either way the pointer appears via rename, so readers never observe a
// partial file.
func (s *Store) updatePointer(dir, name, snapshotPath string, data []byte) error {
	pointer := filepath.Join(dir, "checkpoint_"+name+latestSuffix)
	tmp := pointer + ".tmp"

	_ = os.Remove(tmp)
	if err := os.Link(snapshotPath, tmp); err != nil {
		if werr := os.WriteFile(tmp, data, 0o644); werr != nil {
			return fmt.Errorf("failed to stage pointer for %q: %w", name, werr)
		}
	}
	if err := os.Rename(tmp, pointer); err != nil {
		return fmt.Errorf("failed to update pointer for %q: %w", name, err)
	}
	return nil
}

// Load reads the checkpoint with the given name into out (a pointer to
// the context type, as for json.Unmarshal).
//
// The special name "latest" resolves to the most recently modified
// snapshot of any name for the run. Otherwise the name's pointer file is
// used, falling back to the newest timestamped snapshot of that name if
// the pointer is missing.
//
// Returns ErrNotFound when nothing matches; a found-but-corrupt or empty
// file yields a decode error.
func (s *Store) Load(runID, name string, out interface{}) error {
	dir := s.runDir(runID)

	var path string
	if name == "latest" {
		infos, err := s.List(runID)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return ErrNotFound
		}
		path = infos[0].Path
	} else {
		pointer := filepath.Join(dir, "checkpoint_"+name+latestSuffix)
		if _, err := os.Stat(pointer); err == nil {
			path = pointer
		} else if os.IsNotExist(err) {
			newest, ferr := s.newestSnapshot(runID, name)
			if ferr != nil {
				return ferr
			}
			path = newest
		} else {
			return fmt.Errorf("failed to stat pointer for %q: %w", name, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read checkpoint %q: %w", name, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("checkpoint %q is empty: %s", name, path)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode checkpoint %q: %w", name, err)
	}
	return nil
}

// newestSnapshot finds the newest timestamped snapshot file for name, by
// filename timestamp. Used when a pointer file is missing (e.g. copied
// checkpoint directories that lost their hardlinks).
func (s *Store) newestSnapshot(runID, name string) (string, error) {
	infos, err := s.List(runID)
	if err != nil {
		return "", err
	}

	for _, info := range infos {
		if info.Name == name {
			return info.Path, nil
		}
	}
	return "", ErrNotFound
}

// List returns all snapshots for a run (pointer files excluded), sorted
// by timestamp descending. A run with no checkpoint directory yields an
// empty list, not an error.
func (s *Store) List(runID string) ([]Info, error) {
	dir := s.runDir(runID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint dir: %w", err)
	}

	prefix := "checkpoint_" + runID + "_"
	var infos []Info
	for _, entry := range entries {
		fname := entry.Name()
		if entry.IsDir() || strings.HasSuffix(fname, latestSuffix) || !strings.HasPrefix(fname, prefix) {
			continue
		}
		if !strings.HasSuffix(fname, ".json") {
			continue
		}

		fi, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat checkpoint %s: %w", fname, err)
		}

		name, ts := parseSnapshotName(strings.TrimSuffix(strings.TrimPrefix(fname, prefix), ".json"))
		if ts.IsZero() {
			ts = fi.ModTime()
		}

		infos = append(infos, Info{
			Name:      name,
			Timestamp: ts,
			Path:      filepath.Join(dir, fname),
			Size:      fi.Size(),
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Timestamp.After(infos[j].Timestamp)
	})
	return infos, nil
}

// parseSnapshotName splits "{name}_{timestamp}[_{n}]" from the right.
// Checkpoint names may themselves contain underscores, so the timestamp
// is located by shape rather than by position.
func parseSnapshotName(stem string) (string, time.Time) {
	parts := strings.Split(stem, "_")

	// Drop a trailing collision suffix if present.
	if len(parts) >= 2 && isDigits(parts[len(parts)-1]) && timestampPattern.MatchString(parts[len(parts)-2]) {
		parts = parts[:len(parts)-1]
	}

	last := parts[len(parts)-1]
	if !timestampPattern.MatchString(last) {
		return stem, time.Time{}
	}

	ts, err := time.ParseInLocation(timestampLayout, last, time.UTC)
	if err != nil {
		return stem, time.Time{}
	}
	return strings.Join(parts[:len(parts)-1], "_"), ts
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
