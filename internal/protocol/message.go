package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeRunUpdate   = "run.update"
	TypeRunOutput   = "run.output"
	TypeRunFinished = "run.finished"
	TypeFilesUpdate = "files.update"
	TypeError       = "error"
)

// Client → Server message types.
const (
	TypeRunStart     = "run.start"
	TypeRunKill      = "run.kill"
	TypeRunSubscribe = "run.subscribe"
)

// Error codes.
const (
	ErrSessionNotFound   = "SESSION_NOT_FOUND"
	ErrInvalidMessage    = "INVALID_MESSAGE"
	ErrMaxSessions       = "MAX_SESSIONS"
	ErrSpawnFailed       = "SPAWN_FAILED"
	ErrWorkDirLocked     = "WORKDIR_LOCKED"
	ErrProfileNotFound   = "PROFILE_NOT_FOUND"
	ErrInvalidConfig     = "INVALID_CONFIG"
	ErrWorkDirInvalid    = "WORKDIR_INVALID"
	ErrCommandNotAllowed = "COMMAND_NOT_ALLOWED"
	ErrOriginForbidden   = "ORIGIN_FORBIDDEN"
)

// Server → Client payloads.

type RunUpdatePayload struct {
	ID        string   `json:"id"`
	State     string   `json:"state"`
	Label     string   `json:"label"`
	WorkDir   string   `json:"workDir"`
	Command   []string `json:"command"`
	PID       int      `json:"pid"`
	StartedAt string   `json:"startedAt"`
	EndedAt   string   `json:"endedAt,omitempty"`
}

type RunOutputPayload struct {
	RunID  string `json:"runId"`
	Stream string `json:"stream"` // "stdout" | "stderr"
	Data   string `json:"data"`
}

type RunFinishedPayload struct {
	RunID         string   `json:"runId"`
	Reason        string   `json:"reason"`
	ExitCode      int      `json:"exitCode"`
	ChildExitCode int      `json:"childExitCode"`
	DurationMs    int64    `json:"durationMs"`
	Warnings      []string `json:"warnings,omitempty"`
	ChangedFiles  []string `json:"changedFiles,omitempty"`
}

type FilesUpdatePayload struct {
	RunID        string `json:"runId"`
	ChangedCount int    `json:"changedCount"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

// RunStartPayload starts a run. It is also the body of POST /runs.
// Either Profile or Command must be set; Command wins over the profile's.
type RunStartPayload struct {
	WorkDir   string            `json:"workDir"`
	Label     string            `json:"label"`
	Profile   string            `json:"profile,omitempty"`
	Command   []string          `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Prompt    *string           `json:"prompt,omitempty"`
	Payload   string            `json:"payload,omitempty"` // "stdin" | "argument" | "none"
	Sentinel  *string           `json:"sentinel,omitempty"`
	HardLimit string            `json:"hardLimit,omitempty"`
	IdleLimit string            `json:"idleLimit,omitempty"`
}

type RunIDPayload struct {
	RunID string `json:"runId"`
}
