// Package graph provides the block-graph execution engine for blockflow.
package graph

import (
	"errors"
	"fmt"
)

// ErrCanceled indicates the run was canceled through its context before every
// ready block finished. Partially aggregated constructs are discarded.
var ErrCanceled = errors.New("workflow run canceled")

// ErrNoHandler indicates that no registered handler accepts a block.
var ErrNoHandler = errors.New("no handler registered for block")

// ErrInvalidWorkflow is the sentinel wrapped by every configuration error
// reported by Workflow.Validate.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// ErrMaxPassesExceeded indicates the orchestrator loop ran for more passes
// than the configured limit. This guards against graphs that keep
// re-activating themselves.
var ErrMaxPassesExceeded = errors.New("execution exceeded maximum pass limit")

// Error codes carried by EngineError and BlockError.
const (
	CodeInvalidWorkflow    = "INVALID_WORKFLOW"
	CodeUnknownBlockType   = "UNKNOWN_BLOCK_TYPE"
	CodeDanglingConnection = "DANGLING_CONNECTION"
	CodeDuplicateBlock     = "DUPLICATE_BLOCK"
	CodeMissingMember      = "MISSING_MEMBER"
	CodeDuplicateMember    = "DUPLICATE_MEMBER"
	CodeConstructCycle     = "CONSTRUCT_CYCLE"
	CodeNestedConstruct    = "NESTED_CONSTRUCT"
	CodeNoEntry            = "NO_ENTRY_BLOCK"
	CodeHandlerFailed      = "HANDLER_FAILED"
	CodeAggregationFailed  = "AGGREGATION_FAILED"
	CodeMaxPassesExceeded  = "MAX_PASSES_EXCEEDED"
	CodeBlockTimeout       = "BLOCK_TIMEOUT"
	CodeCanceled           = "CANCELED"
	CodeResolveFailed      = "RESOLVE_FAILED"
	CodeInvalidTransition  = "INVALID_TRANSITION"
)

// EngineError represents an error raised by the engine itself rather than by
// a block handler: malformed graphs, pass limits and cancellation.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap exposes the underlying cause so errors.Is works against sentinels.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// configError builds an EngineError that wraps ErrInvalidWorkflow.
func configError(code, format string, args ...any) *EngineError {
	return &EngineError{
		Message: fmt.Sprintf(format, args...),
		Code:    code,
		Cause:   ErrInvalidWorkflow,
	}
}

// BlockError represents a failure inside a block handler.
//
// The error is attributed to the real block id even when the failing
// execution was a virtual iteration instance; VirtualID carries the
// iteration identity in that case.
type BlockError struct {
	Message   string
	Code      string
	BlockID   string
	BlockType string
	VirtualID string
	Cause     error
}

func (e *BlockError) Error() string {
	id := e.BlockID
	if e.VirtualID != "" {
		id = e.VirtualID
	}
	msg := fmt.Sprintf("block %s (%s): %s", id, e.BlockType, e.Message)
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return msg
}

func (e *BlockError) Unwrap() error {
	return e.Cause
}

// AggregationError reports a parallel or loop construct that reached the end
// of its iterations without a complete set of results. It is always
// attributed to the construct, never to one of its members.
type AggregationError struct {
	ConstructID string
	Iteration   int
	Reason      string
}

func (e *AggregationError) Error() string {
	if e.Iteration >= 0 {
		return fmt.Sprintf("%s: construct %s iteration %d: %s", CodeAggregationFailed, e.ConstructID, e.Iteration, e.Reason)
	}
	return fmt.Sprintf("%s: construct %s: %s", CodeAggregationFailed, e.ConstructID, e.Reason)
}
