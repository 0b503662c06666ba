package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ownerHeader carries the learner identity, set by the authenticating proxy.
const ownerHeader = "X-Owner-Id"

const ownerKey = "owner_id"

func (s *Server) requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner := strings.TrimSpace(c.GetHeader(ownerHeader))
		if owner == "" {
			s.respondError(c, newAPIError(http.StatusUnauthorized, "missing_owner", errors.New(ownerHeader+" header is required")))
			return
		}
		c.Set(ownerKey, owner)
		c.Next()
	}
}

func ownerID(c *gin.Context) string {
	return c.GetString(ownerKey)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"owner_id", c.GetString(ownerKey),
		)
	}
}
