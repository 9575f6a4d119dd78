package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/posegen/internal/generation"
)

// MessageType identifies push channel payload variants.
type MessageType string

const (
	TypeProgressUpdate MessageType = "progress_update"
	TypePing           MessageType = "ping"
	TypePong           MessageType = "pong"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// StatusPayload is shared by poll responses and progress_update frames.
type StatusPayload struct {
	TaskID        string             `json:"task_id"`
	Status        string             `json:"status"`
	Progress      *int               `json:"progress,omitempty"`
	StatusMessage *string            `json:"status_message,omitempty"`
	ErrorMessage  *string            `json:"error_message,omitempty"`
	Result        *generation.Result `json:"result,omitempty"`
	QuotaWarning  *bool              `json:"quota_warning,omitempty"`
	AnalyzedData  json.RawMessage    `json:"analyzed_data,omitempty"`
}

type ProgressUpdate struct {
	Type MessageType `json:"type"`
	StatusPayload
}

type Ping struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

type Pong struct {
	Type MessageType `json:"type"`
	TSMs int64       `json:"ts_ms,omitempty"`
}

// SubmitResponse is returned by every job creation endpoint.
type SubmitResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Progress      int    `json:"progress"`
	StatusMessage string `json:"status_message,omitempty"`
}

// Update converts the wire payload into a merge input. Unknown status values
// are dropped rather than guessed.
func (p StatusPayload) Update() generation.Update {
	u := generation.Update{
		Status:        generation.ParseStatus(p.Status),
		Progress:      p.Progress,
		StatusMessage: p.StatusMessage,
		ErrorMessage:  p.ErrorMessage,
		Result:        p.Result,
		QuotaWarning:  p.QuotaWarning,
	}
	if raw := strings.TrimSpace(string(p.AnalyzedData)); raw != "" && raw != "null" {
		u.AnalyzedData = append(json.RawMessage(nil), p.AnalyzedData...)
	}
	return u
}

// ParseServerMessage decodes one inbound push channel frame.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeProgressUpdate:
		var msg ProgressUpdate
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePong:
		var msg Pong
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypePing:
		var msg Ping
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
