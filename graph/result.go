package graph

import "time"

// BlockLog is the log entry recorded for one block execution.
type BlockLog struct {
	BlockID   string `json:"blockId"`
	BlockName string `json:"blockName,omitempty"`
	BlockType string `json:"blockType"`

	// VirtualID is set for iteration instances of construct members.
	VirtualID string `json:"virtualId,omitempty"`

	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    time.Time      `json:"endedAt"`
	DurationMs int64          `json:"durationMs"`
	Output     any            `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunMetadata carries run-level timing.
type RunMetadata struct {
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId"`
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	DurationMs int64     `json:"durationMs"`
	Passes     int       `json:"passes"`
}

// ExecutionResult is the structured result of one run.
type ExecutionResult struct {
	Success bool `json:"success"`

	// Output is the value of the last real block that executed.
	Output any `json:"output,omitempty"`

	// Outputs maps every executed real block id to its final value.
	Outputs map[string]any `json:"outputs,omitempty"`

	Error    string      `json:"error,omitempty"`
	Logs     []BlockLog  `json:"logs"`
	Metadata RunMetadata `json:"metadata"`
}
