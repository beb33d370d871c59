package emit

import "time"

// Event messages emitted by the executor.
const (
	MsgRunStart          = "run_start"
	MsgRunComplete       = "run_complete"
	MsgRunError          = "run_error"
	MsgPassStart         = "pass_start"
	MsgBlockStart        = "block_start"
	MsgBlockEnd          = "block_end"
	MsgBlockError        = "block_error"
	MsgStreamStart       = "stream_start"
	MsgConstructStart    = "construct_start"
	MsgConstructReady    = "construct_ready"
	MsgConstructComplete = "construct_complete"
)

// Event represents an observability event emitted during a workflow run.
//
// Run-level events leave BlockID empty. Events for iteration instances of
// parallel or loop members carry the serialized virtual id in VirtualID and
// the real block id in BlockID.
type Event struct {
	// RunID identifies the run that emitted this event.
	RunID string

	// Pass is the orchestrator pass number (1-indexed). Zero for run-level
	// events.
	Pass int

	// BlockID identifies the block the event concerns.
	BlockID string

	// BlockType is the type tag of BlockID.
	BlockType string

	// VirtualID is set for iteration instances.
	VirtualID string

	// Msg is one of the Msg* constants.
	Msg string

	// Time is when the event was emitted.
	Time time.Time

	// Meta carries event-specific data. Common keys:
	//   - "duration_ms": block execution time
	//   - "error": error text
	//   - "iterations": construct iteration count
	//   - "model", "tokens": agent block details
	Meta map[string]any
}
