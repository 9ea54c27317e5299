// Package worker defines the external-collaborator boundary for the
// pipeline: review, validation, and generation steps invoke a Worker
// with a kind name, system instructions, and a context-derived prompt,
// and get back a structured result carrying at minimum a verdict.
package worker

import (
	"context"
	"fmt"
)

// Result is the structured record a worker returns. Verdict drives
// routing; the remaining fields enrich feedback loops and archives.
type Result struct {
	Verdict  string                 `json:"verdict"`
	Feedback string                 `json:"feedback,omitempty"`
	Summary  string                 `json:"summary,omitempty"`
	Issues   []string               `json:"issues,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// Worker performs one unit of external work: an LLM review, an artifact
// generation, a validation run. Implementations may be slow and may
// fail; callers convert failures to safe default verdicts.
type Worker interface {
	Invoke(ctx context.Context, kind, system, prompt string) (Result, error)
}

// VerdictApprove and VerdictNeedsRevision are the fail-open and
// fail-closed default verdicts used when a worker fails or returns no
// verdict.
const (
	VerdictApprove       = "approve"
	VerdictNeedsRevision = "needs_revision"
)

const maxIssueLen = 200

// InvokeSafe calls the worker and converts any failure or missing
// verdict into a deterministic default: needs_revision when failClosed
// (safety-relevant reviewers), approve otherwise. A failure also adds a
// synthesized issue with the error message truncated to 200 characters.
func InvokeSafe(ctx context.Context, w Worker, kind, system, prompt string, failClosed bool) Result {
	fallback := VerdictApprove
	if failClosed {
		fallback = VerdictNeedsRevision
	}

	res, err := w.Invoke(ctx, kind, system, prompt)
	if err != nil {
		msg := err.Error()
		if len(msg) > maxIssueLen {
			msg = msg[:maxIssueLen]
		}
		return Result{
			Verdict: fallback,
			Issues:  []string{fmt.Sprintf("%s worker failed: %s", kind, msg)},
		}
	}
	if res.Verdict == "" {
		res.Verdict = fallback
	}
	return res
}
