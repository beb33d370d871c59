package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dshills/blockflow/graph"
	"github.com/dshills/blockflow/graph/store"
	"github.com/dshills/blockflow/internal/workflows"
)

// Error codes returned in the "code" field of error bodies.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeInvalidJSON      = "INVALID_JSON"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeNotFound         = "WORKFLOW_NOT_FOUND"
	CodeNotDeployed      = "WORKFLOW_NOT_DEPLOYED"
	CodeInvalidWorkflow  = "INVALID_WORKFLOW"
	CodeTimeout          = "TIMEOUT"
	CodeRunNotFound      = "RUN_NOT_FOUND"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg, Code: code})
}

// workflowError maps catalog and engine errors onto HTTP answers.
func workflowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflows.ErrNotFound):
		abortWithError(c, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, workflows.ErrNotDeployed):
		abortWithError(c, http.StatusForbidden, CodeNotDeployed, err.Error())
	case errors.Is(err, workflows.ErrInvalidID):
		abortWithError(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, graph.ErrInvalidWorkflow), errors.Is(err, workflows.ErrUnsupportedFormat),
		errors.Is(err, workflows.ErrMalformed):
		abortWithError(c, http.StatusUnprocessableEntity, CodeInvalidWorkflow, err.Error())
	default:
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}

func runError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, CodeRunNotFound, err.Error())
		return
	}
	_ = c.Error(err)
	abortWithError(c, http.StatusInternalServerError, CodeInternal, err.Error())
}
