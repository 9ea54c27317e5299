package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Archiver persists completed-stage artifacts as JSON documents under
// {base}/{run_id}/artifacts/{stage_id}.json, next to the run's
// checkpoints. Writes replace any previous archive of the same stage.
type Archiver struct {
	base string
}

// NewArchiver creates an archiver rooted at base.
func NewArchiver(base string) *Archiver {
	return &Archiver{base: base}
}

// ArchiveStage writes the stage's outputs. A nil outputs map archives an
// empty document so the retry loop converges.
func (a *Archiver) ArchiveStage(_ context.Context, runID, stageID string, outputs map[string]interface{}) error {
	dir := filepath.Join(a.base, runID, "artifacts")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	if outputs == nil {
		outputs = map[string]interface{}{}
	}
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode artifacts for %s: %w", stageID, err)
	}

	path := filepath.Join(dir, stageID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifacts for %s: %w", stageID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish artifacts for %s: %w", stageID, err)
	}
	return nil
}
