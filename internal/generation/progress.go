package generation

import (
	"bytes"
	"strings"
	"time"
)

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus maps a wire status onto a known Status. Unknown values return "".
func ParseStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending
	case StatusProcessing:
		return StatusProcessing
	case StatusCompleted:
		return StatusCompleted
	case StatusFailed:
		return StatusFailed
	default:
		return ""
	}
}

// ClampProgress bounds a reported value to 0..100.
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// MergeProgress never lets a report move progress backwards.
func MergeProgress(current, reported int) int {
	reported = ClampProgress(reported)
	if reported < current {
		return current
	}
	return reported
}

func statusRank(s Status) int {
	switch s {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusCompleted, StatusFailed:
		return 3
	default:
		return 0
	}
}

// Merge folds u into t. Status only moves forward, progress is monotonic, and
// every other field takes the latest reported value. A task that already
// reached a terminal status accepts only late fragments for that same status.
// The returned bool is false when nothing changed.
func Merge(t Task, u Update, now time.Time) (Task, bool) {
	out := t.Clone()
	changed := false

	if t.Terminal() && u.Status != "" && u.Status != t.Status {
		return t, false
	}

	if u.Status != "" && statusRank(u.Status) > statusRank(out.Status) {
		out.Status = u.Status
		changed = true
	}

	if u.Progress != nil && out.Status != StatusCompleted {
		if p := MergeProgress(out.Progress, *u.Progress); p != out.Progress {
			out.Progress = p
			changed = true
		}
	}
	if out.Status == StatusCompleted && out.Progress != 100 {
		out.Progress = 100
		changed = true
	}

	if u.StatusMessage != nil && *u.StatusMessage != out.StatusMessage {
		out.StatusMessage = *u.StatusMessage
		changed = true
	}
	if u.ErrorMessage != nil && *u.ErrorMessage != out.ErrorMessage {
		out.ErrorMessage = *u.ErrorMessage
		changed = true
	}
	if u.Result != nil && !u.Result.Empty() {
		merged := mergeResult(out.Result, *u.Result)
		if out.Result == nil || merged != *out.Result {
			out.Result = &merged
			changed = true
		}
	}
	if u.QuotaWarning != nil && *u.QuotaWarning != out.QuotaWarning {
		out.QuotaWarning = *u.QuotaWarning
		changed = true
	}
	if len(u.AnalyzedData) > 0 && !bytes.Equal(u.AnalyzedData, out.AnalyzedData) {
		out.AnalyzedData = append([]byte(nil), u.AnalyzedData...)
		changed = true
	}

	if !changed {
		return t, false
	}
	out.UpdatedAt = now
	return out, true
}

func mergeResult(current *Result, next Result) Result {
	var out Result
	if current != nil {
		out = *current
	}
	if next.PhotoURL != "" {
		out.PhotoURL = next.PhotoURL
	}
	if next.MuscleLayerURL != "" {
		out.MuscleLayerURL = next.MuscleLayerURL
	}
	if next.SkeletonURL != "" {
		out.SkeletonURL = next.SkeletonURL
	}
	return out
}

// Failure builds the update used when the orchestrator itself ends a task.
func Failure(message string) Update {
	return Update{
		Status:       StatusFailed,
		ErrorMessage: &message,
	}
}
