package models

import "time"

// OperationType classifies what a FileOperation did to a path.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpModify OperationType = "modify"
	OpDelete OperationType = "delete"
	OpRename OperationType = "rename"
)

// DiffSummary is the logical-line added/removed count for a FileOperation.
type DiffSummary struct {
	LinesAdded   int `json:"lines_added"`
	LinesRemoved int `json:"lines_removed"`
}

// FileOperation records one file mutation performed by a tool, scoped to a
// (session, turn, operation).
//
// Invariants: BeforeSnapshotID == "" means the file did not exist at the
// start of the operation; AfterSnapshotID == "" means the file does not
// exist at the end; ordering within a turn is by SeqInTurn;
// OperationID is globally unique.
type FileOperation struct {
	OperationID     string        `json:"operation_id"`
	SessionID       string        `json:"session_id"`
	TurnIndex       int           `json:"turn_index"`
	SeqInTurn       int           `json:"seq_in_turn"`
	FilePath        string        `json:"file_path"`
	OperationType   OperationType `json:"operation_type"`
	ToolName        string        `json:"tool_name"`
	ToolInput       string        `json:"tool_input,omitempty"`
	DurationMS      int64         `json:"duration_ms"`
	BeforeSnapshotID string       `json:"before_snapshot_id,omitempty"`
	AfterSnapshotID  string       `json:"after_snapshot_id,omitempty"`
	PathBefore      string        `json:"path_before,omitempty"`
	PathAfter       string        `json:"path_after,omitempty"`
	Diff            DiffSummary   `json:"diff_summary"`
	Timestamp       time.Time     `json:"timestamp"`
}

// SessionHistory is the persisted turn tree of FileOperations for a
// session: turn_index -> ordered FileOperations.
type SessionHistory struct {
	SessionID string                    `json:"session_id"`
	Turns     map[int][]*FileOperation  `json:"turns"`
}
