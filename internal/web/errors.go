package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/conorfennell/studyloop/internal/domain"
	decksync "github.com/conorfennell/studyloop/internal/sync"
)

// apiError is an error with the HTTP status and machine-readable code it
// should be reported with.
type apiError struct {
	Status int
	Code   string
	Err    error
}

func (e *apiError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("api error (%d)", e.Status)
}

func (e *apiError) Unwrap() error { return e.Err }

func newAPIError(status int, code string, err error) *apiError {
	return &apiError{Status: status, Code: code, Err: err}
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

var domainErrors = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrInvalidGrade, http.StatusBadRequest, "invalid_grade"},
	{domain.ErrInvalidCheckpoint, http.StatusBadRequest, "invalid_checkpoint"},
	{domain.ErrCardNotFound, http.StatusNotFound, "card_not_found"},
	{domain.ErrEmptyQueue, http.StatusNotFound, "empty_queue"},
	{domain.ErrNoActiveSession, http.StatusNotFound, "no_active_session"},
	{domain.ErrOutOfSequence, http.StatusConflict, "out_of_sequence"},
	{domain.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{domain.ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
	{decksync.ErrInvalidSource, http.StatusBadRequest, "invalid_source"},
}

// toAPIError classifies err for the response.
func toAPIError(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	for _, d := range domainErrors {
		if errors.Is(err, d.err) {
			return newAPIError(d.status, d.code, err)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal", err)
}

// respondError writes err as a JSON error envelope. Server-side failures
// get a generic message so storage details never reach the client.
func (s *Server) respondError(c *gin.Context, err error) {
	ae := toAPIError(err)
	msg := ae.Error()
	switch {
	case ae.Status == http.StatusServiceUnavailable:
		msg = "temporarily unavailable, try again"
	case ae.Status >= http.StatusInternalServerError:
		s.log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(ae.Status, errorEnvelope{Error: errorBody{Message: msg, Code: ae.Code}})
}
