package server

import (
	"errors"
	"net/http"

	"github.com/book-expert/voice-service/internal/synthesis"
	"github.com/gin-gonic/gin"
)

// Public error titles.
const (
	titleInvalidRequest = "invalid request"
	titleNotFound       = "not found"
	titleModelNotLoaded = "model not loaded"
	titleGeneration     = "generation failed"
	titleInternal       = "internal server error"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
	Code   int    `json:"code"`
}

// classify maps an orchestrator error to a status and response. Details of backend
// and storage faults are logged by the caller, not exposed.
func classify(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, synthesis.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: titleInvalidRequest, Detail: err.Error(), Code: http.StatusBadRequest}
	case errors.Is(err, synthesis.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: titleNotFound, Detail: err.Error(), Code: http.StatusNotFound}
	case errors.Is(err, synthesis.ErrModelNotLoaded):
		return http.StatusServiceUnavailable, ErrorResponse{
			Error:  titleModelNotLoaded,
			Detail: "",
			Code:   http.StatusServiceUnavailable,
		}
	case errors.Is(err, synthesis.ErrBackend):
		return http.StatusInternalServerError, ErrorResponse{
			Error:  titleGeneration,
			Detail: "",
			Code:   http.StatusInternalServerError,
		}
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:  titleInternal,
			Detail: "",
			Code:   http.StatusInternalServerError,
		}
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error(logRequestFailed, c.Request.Method, c.FullPath(), err)
	}

	c.AbortWithStatusJSON(status, body)
}

func badRequest(c *gin.Context, detail string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:  titleInvalidRequest,
		Detail: detail,
		Code:   http.StatusBadRequest,
	})
}
