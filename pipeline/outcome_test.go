package pipeline

import (
	"strings"
	"testing"
)

func TestDeriveOutcome(t *testing.T) {
	cases := []struct {
		name   string
		report StageReport
		want   StageStatus
	}{
		{
			name:   "clean report succeeds",
			report: StageReport{Classification: "EXCELLENT_MATCH", PhysicsVerdict: "pass"},
			want:   StatusCompletedSuccess,
		},
		{
			name:   "missing outputs force failure",
			report: StageReport{MissingOutputs: []string{"spectrum.csv"}, Classification: "EXCELLENT_MATCH"},
			want:   StatusCompletedFailed,
		},
		{
			name:   "pending comparisons cap at partial",
			report: StageReport{PendingComparisons: []string{"target-3"}, Classification: "ACCEPTABLE"},
			want:   StatusCompletedPartial,
		},
		{
			name:   "poor classification fails",
			report: StageReport{Classification: "POOR"},
			want:   StatusCompletedFailed,
		},
		{
			name:   "partial classification stays partial",
			report: StageReport{Classification: "PARTIAL"},
			want:   StatusCompletedPartial,
		},
		{
			name:   "needs_revision comparison downgrades success",
			report: StageReport{Classification: "ACCEPTABLE", ComparisonVerdict: "needs_revision"},
			want:   StatusCompletedPartial,
		},
		{
			name:   "needs_revision never downgrades a failure",
			report: StageReport{Classification: "FAILED", ComparisonVerdict: "needs_revision"},
			want:   StatusCompletedFailed,
		},
		{
			name:   "physics warning downgrades success",
			report: StageReport{Classification: "EXCELLENT_MATCH", PhysicsVerdict: "warning"},
			want:   StatusCompletedPartial,
		},
		{
			name:   "physics fail overrides an excellent match",
			report: StageReport{Classification: "EXCELLENT_MATCH", PhysicsVerdict: "fail"},
			want:   StatusCompletedFailed,
		},
		{
			name:   "physics fail overrides everything else too",
			report: StageReport{PendingComparisons: []string{"x"}, ComparisonVerdict: "needs_revision", PhysicsVerdict: "fail"},
			want:   StatusCompletedFailed,
		},
		{
			// Matches the documented behavior: no classification plus a
			// non-fail physics verdict reads as success.
			name:   "empty classification defaults to success",
			report: StageReport{PhysicsVerdict: "pass"},
			want:   StatusCompletedSuccess,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveOutcome(tc.report); got != tc.want {
				t.Errorf("DeriveOutcome(%+v) = %v, want %v", tc.report, got, tc.want)
			}
		})
	}
}

func TestOutcomeSummary(t *testing.T) {
	t.Run("missing outputs come first", func(t *testing.T) {
		r := StageReport{
			MissingOutputs: []string{"a.json"},
			AnalysisNote:   "note",
			Matches:        3,
			Targets:        4,
		}
		if got := OutcomeSummary(r); !strings.Contains(got, "a.json") {
			t.Errorf("summary = %q, want the missing output", got)
		}
	})

	t.Run("analysis note beats the ratio", func(t *testing.T) {
		r := StageReport{AnalysisNote: "looks off", Matches: 3, Targets: 4}
		if got := OutcomeSummary(r); got != "looks off" {
			t.Errorf("summary = %q, want the note", got)
		}
	})

	t.Run("ratio when nothing explicit", func(t *testing.T) {
		r := StageReport{Matches: 3, Targets: 4}
		if got := OutcomeSummary(r); got != "3/4 targets matched" {
			t.Errorf("summary = %q", got)
		}
	})

	t.Run("classification fallback", func(t *testing.T) {
		r := StageReport{Classification: "ACCEPTABLE"}
		if got := OutcomeSummary(r); !strings.Contains(got, "ACCEPTABLE") {
			t.Errorf("summary = %q", got)
		}
	})

	t.Run("generic fallback", func(t *testing.T) {
		if got := OutcomeSummary(StageReport{}); got != "stage completed" {
			t.Errorf("summary = %q", got)
		}
	})
}
