// Package web exposes the study engine as a JSON API on gin.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/conorfennell/studyloop/internal/config"
	"github.com/conorfennell/studyloop/internal/logger"
	"github.com/conorfennell/studyloop/internal/session"
	"github.com/conorfennell/studyloop/internal/storage"
	decksync "github.com/conorfennell/studyloop/internal/sync"
)

// SourceStore manages deck sources. *storage.DB implements it.
type SourceStore interface {
	InsertSource(ctx context.Context, s storage.Source) (int64, error)
	GetSource(ctx context.Context, id int64) (*storage.Source, error)
	GetSourcesForTrack(ctx context.Context, ownerID, trackID string) ([]storage.Source, error)
	FindSourceByPath(ctx context.Context, ownerID, trackID, path string) (*storage.Source, error)
	DeleteSource(ctx context.Context, id int64) error
	Ping(ctx context.Context) error
}

// Syncer imports deck sources. *decksync.Importer implements it.
type Syncer interface {
	RunSyncForOwner(ctx context.Context, ownerID string) ([]decksync.Report, error)
	Validate(src storage.Source) error
}

// Options tunes the server.
type Options struct {
	AllowedOrigins []string
	Retry          config.Retry
	// Now supplies the default as-of time when a request names none.
	Now func() time.Time
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	manager *session.Manager
	sources SourceStore
	syncer  Syncer
	log     *logger.Logger
	retry   config.Retry
	now     func() time.Time
	router  *gin.Engine
}

// NewServer creates and configures a new server.
func NewServer(m *session.Manager, sources SourceStore, syncer Syncer, log *logger.Logger, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxTries == 0 {
		opts.Retry = config.Default().Retry
	}
	s := &Server{
		manager: m,
		sources: sources,
		syncer:  syncer,
		log:     log,
		retry:   opts.Retry,
		now:     opts.Now,
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	if len(opts.AllowedOrigins) > 0 {
		s.router.Use(cors.New(cors.Config{
			AllowOrigins:     opts.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", ownerHeader},
			AllowCredentials: true,
		}))
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes sets up the routing for the server.
func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth())

	api := s.router.Group("/api/v1", s.requireOwner())

	track := api.Group("/tracks/:track")
	{
		// Study sessions
		track.POST("/sessions", s.handleStartSession())
		track.GET("/sessions/current", s.handleResumeSession())
		track.DELETE("/sessions/current", s.handleDiscardSession())
		track.PUT("/sessions/current/checkpoint", s.handleCheckpointSession())
		track.POST("/sessions/current/grades", s.handleRecordGrade())

		// Cards and progress
		track.GET("/cards", s.handleListCards())
		track.POST("/cards/:id/grade", s.handleGradeCard())
		track.GET("/stats", s.handleStats())
		track.POST("/reset", s.handleReset())

		// Deck sources
		track.GET("/sources", s.handleGetSources())
		track.POST("/sources", s.handlePostSource())
	}
	api.DELETE("/sources/:id", s.handleDeleteSource())
	api.POST("/sync", s.handlePostSync())
}

// handleHealth reports whether the database answers.
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.sources.Ping(ctx); err != nil {
			s.log.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
