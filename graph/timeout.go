package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// runWithTimeout invokes a handler, bounding it by timeout when positive.
//
// A handler that returns after the deadline expired is reported as a
// BLOCK_TIMEOUT BlockError even if it returned a result, because its output
// may be incomplete. Cancellation of the parent context is reported as-is.
// For streaming results the deadline also covers reading the stream; it is
// released when the stream is closed.
func runWithTimeout(
	ctx context.Context,
	h Handler,
	block Block,
	inputs map[string]any,
	ectx *ExecutionContext,
	timeout time.Duration,
) (Result, error) {
	if timeout <= 0 {
		return h.Execute(ctx, block, inputs, ectx)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	res, err := h.Execute(timeoutCtx, block, inputs, ectx)

	if ctx.Err() == nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		cancel()
		if res.Stream != nil && res.Stream.Stream != nil {
			_ = res.Stream.Stream.Close()
		}
		return Result{}, timeoutError(block, timeout)
	}

	if err == nil && res.Stream != nil && res.Stream.Stream != nil {
		res.Stream.Stream = &cancelOnClose{ReadCloser: res.Stream.Stream, cancel: cancel}
		return res, nil
	}
	cancel()
	return res, err
}

func timeoutError(block Block, timeout time.Duration) *BlockError {
	return &BlockError{
		Message:   fmt.Sprintf("exceeded timeout of %v", timeout),
		Code:      CodeBlockTimeout,
		BlockID:   block.ID,
		BlockType: block.Type,
		Cause:     context.DeadlineExceeded,
	}
}

// cancelOnClose releases a timeout context once the stream it bounds is
// closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}
