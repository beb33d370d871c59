package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/internal/logger"
	"github.com/dshills/blockflow/internal/workflows"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 10 << 20

// ExecuteResponse is the body of a finished run.
type ExecuteResponse struct {
	Success  bool              `json:"success"`
	Output   any               `json:"output"`
	Error    string            `json:"error,omitempty"`
	Logs     []graph.BlockLog  `json:"logs"`
	Metadata graph.RunMetadata `json:"metadata"`

	// TotalDuration is the run duration in milliseconds.
	TotalDuration int64 `json:"totalDuration"`
}

// StreamEvent is one line of a streamed execution. Chunk events carry
// BlockID and Content; the final event has type "result" and the fields of
// ExecuteResponse.
type StreamEvent struct {
	Type    string `json:"type"`
	BlockID string `json:"blockId,omitempty"`
	Content string `json:"content,omitempty"`
	*ExecuteResponse
}

func newExecuteResponse(res *graph.ExecutionResult) *ExecuteResponse {
	logs := res.Logs
	if logs == nil {
		logs = []graph.BlockLog{}
	}
	return &ExecuteResponse{
		Success:       res.Success,
		Output:        res.Output,
		Error:         res.Error,
		Logs:          logs,
		Metadata:      res.Metadata,
		TotalDuration: res.Metadata.DurationMs,
	}
}

func (s *Server) handleExecute(c *gin.Context) {
	id := c.Param("id")
	wf, err := s.catalog.Get(id)
	if err != nil {
		workflowError(c, err)
		return
	}

	input, err := readInput(c)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidJSON, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.runTimeout)
	defer cancel()

	in := graph.RunInput{Input: input, Env: s.env}
	if stream, _ := strconv.ParseBool(c.Query("stream")); stream {
		s.executeStream(ctx, c, wf, in)
		return
	}

	res, err := s.exec.Execute(ctx, wf, in)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		abortWithError(c, http.StatusRequestTimeout, CodeTimeout,
			fmt.Sprintf("workflow execution timed out after %s", s.runTimeout))
		return
	}
	c.JSON(http.StatusOK, newExecuteResponse(res))
}

// executeStream writes newline-delimited JSON: a chunk event per piece of
// streamed block output, then the result event.
func (s *Server) executeStream(ctx context.Context, c *gin.Context, wf *graph.Workflow, in graph.RunInput) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	var mu sync.Mutex
	enc := json.NewEncoder(c.Writer)
	write := func(ev StreamEvent) error {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(ev); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	in.StreamSink = func(ctx context.Context, h *graph.StreamingHandle) error {
		buf := make([]byte, 4096)
		for {
			n, err := h.Stream.Read(buf)
			if n > 0 {
				if werr := write(StreamEvent{Type: "chunk", BlockID: h.BlockID, Content: string(buf[:n])}); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	res, _ := s.exec.Execute(ctx, wf, in)
	if err := write(StreamEvent{Type: "result", ExecuteResponse: newExecuteResponse(res)}); err != nil {
		logger.FromContext(ctx).Warn("failed to write stream result", "error", err)
	}
}

// readInput decodes the request body. An empty body is an empty object.
func readInput(c *gin.Context) (any, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	data, err := c.GetRawData()
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return input, nil
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.catalog.Status(c.Param("id"))
	if err != nil {
		workflowError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleDeploy(c *gin.Context) {
	id := c.Param("id")
	st, err := s.catalog.Deploy(id)
	if err != nil {
		workflowError(c, err)
		return
	}
	logger.FromContext(c.Request.Context()).Info("workflow deployed", "workflow_id", id)
	c.JSON(http.StatusOK, st)
}

// handleValidate validates the definition in the body, or the file of the
// workflow when the body is empty. Invalid definitions answer 200 with
// valid=false.
func (s *Server) handleValidate(c *gin.Context) {
	id := c.Param("id")
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	data, err := c.GetRawData()
	if err != nil {
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	if len(bytes.TrimSpace(data)) == 0 {
		_, err = s.catalog.Check(id)
	} else {
		var wf *graph.Workflow
		wf, err = workflows.Decode(data, ".json")
		if err != nil {
			abortWithError(c, http.StatusBadRequest, CodeInvalidJSON, err.Error())
			return
		}
		if wf.ID == "" {
			wf.ID = id
		}
		err = s.catalog.Validate(wf)
	}

	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"valid": true})
	case errors.Is(err, graph.ErrInvalidWorkflow), errors.Is(err, workflows.ErrMalformed):
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
	default:
		workflowError(c, err)
	}
}

func (s *Server) handleListRuns(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.store.ListRuns(c.Request.Context(), c.Query("workflowId"), limit)
	if err != nil {
		runError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleGetRun(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	rec, err := s.store.LoadRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		runError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteRun(c *gin.Context) {
	if !s.requireStore(c) {
		return
	}
	if err := s.store.DeleteRun(c.Request.Context(), c.Param("runId")); err != nil {
		runError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) requireStore(c *gin.Context) bool {
	if s.store == nil {
		abortWithError(c, http.StatusNotImplemented, CodeStoreUnavailable, "run store is not configured")
		return false
	}
	return true
}
