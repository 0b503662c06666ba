package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/session"
	"github.com/conorfennell/studyloop/internal/srs"
	"github.com/conorfennell/studyloop/internal/storage"
	decksync "github.com/conorfennell/studyloop/internal/sync"
)

// bind decodes the JSON body into req, responding 400 on failure.
func (s *Server) bind(c *gin.Context, req any) bool {
	return s.bindResult(c, c.ShouldBindJSON(req))
}

// bindOptional is bind for requests whose body may be left out.
func (s *Server) bindOptional(c *gin.Context, req any) bool {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return true
	}
	err := c.ShouldBindJSON(req)
	if errors.Is(err, io.EOF) {
		return true
	}
	return s.bindResult(c, err)
}

func (s *Server) bindResult(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrInvalidGrade) {
		s.respondError(c, err)
	} else {
		s.respondError(c, newAPIError(http.StatusBadRequest, "invalid_request", err))
	}
	return false
}

// asOf returns t, or the current time when the request named none.
func (s *Server) asOf(t *time.Time) time.Time {
	if t == nil || t.IsZero() {
		return s.now()
	}
	return *t
}

// queryAsOf reads the optional RFC 3339 as_of query parameter.
func (s *Server) queryAsOf(c *gin.Context) (time.Time, error) {
	raw := c.Query("as_of")
	if raw == "" {
		return s.now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "invalid_request", fmt.Errorf("as_of: %w", err))
	}
	return t, nil
}

type startSessionRequest struct {
	AsOf *time.Time `json:"as_of"`
}

func (s *Server) handleStartSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req startSessionRequest
		if !s.bindOptional(c, &req) {
			return
		}
		owner, track, asOf := ownerID(c), c.Param("track"), s.asOf(req.AsOf)

		sess, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) (*domain.Session, error) {
			return s.manager.StartSession(ctx, owner, track, asOf)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	}
}

func (s *Server) handleResumeSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, track := ownerID(c), c.Param("track")
		sess, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) (*domain.Session, error) {
			return s.manager.ResumeSession(ctx, owner, track)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

func (s *Server) handleDiscardSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, track := ownerID(c), c.Param("track")
		err := retryErr(c.Request.Context(), s.retry, func(ctx context.Context) error {
			return s.manager.DiscardSession(ctx, owner, track)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type checkpointRequest struct {
	CurrentIndex *int       `json:"current_index" binding:"required"`
	CompletedIDs []string   `json:"completed_ids"`
	AsOf         *time.Time `json:"as_of"`
}

func (s *Server) handleCheckpointSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req checkpointRequest
		if !s.bind(c, &req) {
			return
		}
		owner, track, asOf := ownerID(c), c.Param("track"), s.asOf(req.AsOf)

		err := retryErr(c.Request.Context(), s.retry, func(ctx context.Context) error {
			return s.manager.CheckpointSession(ctx, owner, track, *req.CurrentIndex, req.CompletedIDs, asOf)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type recordGradeRequest struct {
	CardID  string         `json:"card_id" binding:"required"`
	Outcome domain.Outcome `json:"outcome" binding:"required"`
	AsOf    *time.Time     `json:"as_of"`
	// Version is the session version the client graded from. When left
	// out, the version current at the start of the request is used.
	Version int64 `json:"version" binding:"gte=0"`
}

// handleRecordGrade pins the session version and the as-of time before
// retrying, so a retry after a commit whose result was lost is recognized
// by the manager instead of grading the card again.
func (s *Server) handleRecordGrade() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recordGradeRequest
		if !s.bind(c, &req) {
			return
		}
		owner, track, asOf := ownerID(c), c.Param("track"), s.asOf(req.AsOf)

		version := req.Version
		if version == 0 {
			sess, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) (*domain.Session, error) {
				return s.manager.ResumeSession(ctx, owner, track)
			})
			if err != nil {
				s.respondError(c, err)
				return
			}
			version = sess.Version
		}

		res, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) (session.GradeResult, error) {
			return s.manager.RecordGradeAt(ctx, owner, track, req.CardID, req.Outcome, asOf, version)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

type gradeCardRequest struct {
	Outcome domain.Outcome `json:"outcome" binding:"required"`
	AsOf    *time.Time     `json:"as_of"`
}

func (s *Server) handleGradeCard() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req gradeCardRequest
		if !s.bind(c, &req) {
			return
		}
		owner, track, cardID, asOf := ownerID(c), c.Param("track"), c.Param("id"), s.asOf(req.AsOf)

		card, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) (domain.Card, error) {
			return s.manager.GradeCard(ctx, owner, track, cardID, req.Outcome, asOf)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, card)
	}
}

func (s *Server) handleListCards() gin.HandlerFunc {
	return func(c *gin.Context) {
		asOf, err := s.queryAsOf(c)
		if err != nil {
			s.respondError(c, err)
			return
		}
		filter := session.Filter{Query: strings.TrimSpace(c.Query("q"))}
		if raw := c.Query("class"); raw != "" {
			class, ok := domain.ParseClass(raw)
			if !ok {
				s.respondError(c, newAPIError(http.StatusBadRequest, "invalid_class", fmt.Errorf("unknown class %q", raw)))
				return
			}
			filter.Class = class
		}
		owner, track := ownerID(c), c.Param("track")

		cards, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) ([]session.CardView, error) {
			return s.manager.ListCards(ctx, owner, track, filter, asOf)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		if cards == nil {
			cards = []session.CardView{}
		}
		c.JSON(http.StatusOK, gin.H{"cards": cards})
	}
}

func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		asOf, err := s.queryAsOf(c)
		if err != nil {
			s.respondError(c, err)
			return
		}
		owner, track := ownerID(c), c.Param("track")

		stats, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) (srs.Stats, error) {
			return s.manager.TrackStats(ctx, owner, track, asOf)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

func (s *Server) handleReset() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, track := ownerID(c), c.Param("track")
		n, err := withRetry(c.Request.Context(), s.retry, func(ctx context.Context) (int, error) {
			return s.manager.ResetTrack(ctx, owner, track)
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset_count": n})
	}
}

// handleGetSources lists the deck sources feeding the track.
func (s *Server) handleGetSources() gin.HandlerFunc {
	return func(c *gin.Context) {
		sources, err := s.sources.GetSourcesForTrack(c.Request.Context(), ownerID(c), c.Param("track"))
		if err != nil {
			s.respondError(c, err)
			return
		}
		if sources == nil {
			sources = []storage.Source{}
		}
		c.JSON(http.StatusOK, gin.H{"sources": sources})
	}
}

type postSourceRequest struct {
	Path string `json:"path" binding:"required"`
	Type string `json:"type" binding:"omitempty,oneof=local git"`
}

// handlePostSource registers a new deck source for the track.
func (s *Server) handlePostSource() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req postSourceRequest
		if !s.bind(c, &req) {
			return
		}
		src := storage.Source{
			Path:    strings.TrimSpace(req.Path),
			Type:    req.Type,
			OwnerID: ownerID(c),
			TrackID: c.Param("track"),
		}
		if src.Type == "" {
			src.Type = decksync.SourceType(src.Path)
		}
		if err := s.syncer.Validate(src); err != nil {
			s.respondError(c, err)
			return
		}

		ctx := c.Request.Context()
		existing, err := s.sources.FindSourceByPath(ctx, src.OwnerID, src.TrackID, src.Path)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if existing != nil {
			s.respondError(c, newAPIError(http.StatusConflict, "source_exists", fmt.Errorf("source %s already registered", src.Path)))
			return
		}

		id, err := s.sources.InsertSource(ctx, src)
		if err != nil {
			s.respondError(c, err)
			return
		}
		src.ID = id
		s.log.Info("source added", "owner_id", src.OwnerID, "track_id", src.TrackID, "source_id", id, "type", src.Type)
		c.JSON(http.StatusCreated, src)
	}
}

// handleDeleteSource removes one of the caller's sources. Its cards stay.
func (s *Server) handleDeleteSource() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil {
			s.respondError(c, newAPIError(http.StatusBadRequest, "invalid_request", errors.New("invalid source ID")))
			return
		}

		ctx := c.Request.Context()
		src, err := s.sources.GetSource(ctx, id)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if src == nil || src.OwnerID != ownerID(c) {
			s.respondError(c, newAPIError(http.StatusNotFound, "source_not_found", fmt.Errorf("source %d not found", id)))
			return
		}
		if err := s.sources.DeleteSource(ctx, id); err != nil {
			s.respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handlePostSync imports the caller's sources in the foreground and returns
// the per-source reports. Failures of individual sources are listed, not fatal.
func (s *Server) handlePostSync() gin.HandlerFunc {
	return func(c *gin.Context) {
		reports, err := s.syncer.RunSyncForOwner(c.Request.Context(), ownerID(c))
		if err != nil && reports == nil {
			s.respondError(c, err)
			return
		}
		if reports == nil {
			reports = []decksync.Report{}
		}
		body := gin.H{"reports": reports}
		if err != nil {
			s.log.Warn("sync finished with errors", "error", err)
			body["error"] = err.Error()
		}
		c.JSON(http.StatusOK, body)
	}
}
