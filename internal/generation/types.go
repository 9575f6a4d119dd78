package generation

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

type ApplyStatus string

const (
	ApplyPending  ApplyStatus = "pending"
	ApplyApplying ApplyStatus = "applying"
	ApplyApplied  ApplyStatus = "applied"
	ApplyFailed   ApplyStatus = "failed"
)

// Mode records which submission path created a task.
type Mode string

const (
	ModeFromEntity Mode = "from-existing-entity"
	ModeFromUpload Mode = "from-upload"
	ModeFromText   Mode = "from-text"
	ModeRegenerate Mode = "regeneration"
)

// Result holds handles to the generated artifacts.
type Result struct {
	PhotoURL       string `json:"photo_url,omitempty"`
	MuscleLayerURL string `json:"muscle_layer_url,omitempty"`
	SkeletonURL    string `json:"skeleton_url,omitempty"`
}

func (r Result) Empty() bool {
	return r.PhotoURL == "" && r.MuscleLayerURL == "" && r.SkeletonURL == ""
}

type Task struct {
	ID                string          `json:"task_id"`
	OwnerID           string          `json:"owner_id"`
	TargetEntityID    string          `json:"target_entity_id"`
	TargetEntityLabel string          `json:"target_entity_label,omitempty"`
	Mode              Mode            `json:"mode"`
	Status            Status          `json:"status"`
	Progress          int             `json:"progress"`
	StatusMessage     string          `json:"status_message,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Result            *Result         `json:"result,omitempty"`
	QuotaWarning      bool            `json:"quota_warning,omitempty"`
	AnalyzedData      json.RawMessage `json:"analyzed_data,omitempty"`
	AutoApplyStatus   ApplyStatus     `json:"auto_apply_status"`
	ApplyError        string          `json:"apply_error,omitempty"`
	AppliedAt         *time.Time      `json:"applied_at,omitempty"`
	AppliedResult     json.RawMessage `json:"applied_result,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	DismissedAt       *time.Time      `json:"dismissed_at,omitempty"`
}

// Update is one status snapshot from the push channel or a poll response.
// Nil fields were not reported by the source.
type Update struct {
	Status        Status
	Progress      *int
	StatusMessage *string
	ErrorMessage  *string
	Result        *Result
	QuotaWarning  *bool
	AnalyzedData  json.RawMessage
}

func (t Task) Clone() Task {
	out := t
	if t.Result != nil {
		r := *t.Result
		out.Result = &r
	}
	if t.AnalyzedData != nil {
		out.AnalyzedData = append(json.RawMessage(nil), t.AnalyzedData...)
	}
	if t.AppliedResult != nil {
		out.AppliedResult = append(json.RawMessage(nil), t.AppliedResult...)
	}
	if t.AppliedAt != nil {
		at := *t.AppliedAt
		out.AppliedAt = &at
	}
	if t.DismissedAt != nil {
		at := *t.DismissedAt
		out.DismissedAt = &at
	}
	return out
}

func (t Task) Terminal() bool {
	return IsTerminal(t.Status)
}

func (t Task) Dismissed() bool {
	return t.DismissedAt != nil
}

// InFlight reports whether either lifecycle is still moving.
func (t Task) InFlight() bool {
	switch t.Status {
	case StatusPending, StatusProcessing:
		return true
	}
	return t.AutoApplyStatus == ApplyApplying
}

// NeedsApply reports whether a completed result has not been committed yet.
func (t Task) NeedsApply() bool {
	if t.Status != StatusCompleted {
		return false
	}
	return t.AutoApplyStatus == ApplyPending || t.AutoApplyStatus == ApplyApplying
}
