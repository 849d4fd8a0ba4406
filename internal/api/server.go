package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/instagram-autoposter/internal/blob"
	"github.com/instagram-autoposter/internal/metrics"
	"github.com/instagram-autoposter/internal/models"
	"github.com/instagram-autoposter/internal/storage"
	"github.com/instagram-autoposter/pkg/logger"
)

// AlertScanner produces the current advisory alerts
type AlertScanner interface {
	Scan(ctx context.Context) ([]models.Alert, error)
}

// PoolStats reports worker pool load
type PoolStats interface {
	Stats() (running, queued, retrying int)
}

// Leader reports whether this process currently drives the scheduler
type Leader interface {
	Held() bool
}

// Options wires the server's collaborators. Everything except Repo may be nil.
type Options struct {
	Repo    storage.Repository
	Alerts  AlertScanner
	Media   blob.Store
	Pool    PoolStats
	Leader  Leader
	Metrics *metrics.Metrics
}

// Server exposes read-only status endpoints over the ledger and registry
type Server struct {
	opts   Options
	log    *logger.Logger
	engine *gin.Engine
	srv    *http.Server
}

// NewServer builds the router
func NewServer(opts Options, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		opts:   opts,
		log:    log.WithComponent("api"),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger(), opts.Metrics.Middleware())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))

	g := s.engine.Group("/api")
	g.GET("/accounts", s.listAccounts)
	g.GET("/accounts/:id", s.getAccount)
	g.GET("/accounts/:id/history", s.accountHistory)
	g.GET("/jobs", s.listJobs)
	g.GET("/jobs/:key", s.getJob)
	g.GET("/jobs/:key/attempts", s.jobAttempts)
	g.GET("/alerts", s.listAlerts)

	if s.opts.Media != nil {
		s.engine.GET("/media/*key", s.media)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("Status server starting")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.opts.Pool != nil {
		running, queued, retrying := s.opts.Pool.Stats()
		resp["running"] = running
		resp["queued"] = queued
		resp["retrying"] = retrying
	}
	if s.opts.Leader != nil {
		resp["leader"] = s.opts.Leader.Held()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) listAccounts(c *gin.Context) {
	accounts, err := s.opts.Repo.ListAccounts(c.Request.Context())
	if err != nil {
		s.fail(c, err, "Failed to list accounts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

func (s *Server) getAccount(c *gin.Context) {
	acct, err := s.opts.Repo.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, "Failed to get account")
		return
	}
	c.JSON(http.StatusOK, acct)
}

// accountHistory returns ledger rows scheduled in [from, to). Both default to the last 7 days.
func (s *Server) accountHistory(c *gin.Context) {
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -7)

	var err error
	if v := c.Query("from"); v != "" {
		if from, err = parseTime(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from: " + err.Error()})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = parseTime(v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to: " + err.Error()})
			return
		}
	}
	if !from.Before(to) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}

	ctx := c.Request.Context()
	if _, err := s.opts.Repo.GetAccount(ctx, c.Param("id")); err != nil {
		s.fail(c, err, "Failed to get account")
		return
	}
	jobs, err := s.opts.Repo.History(ctx, c.Param("id"), from, to)
	if err != nil {
		s.fail(c, err, "Failed to read history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "jobs": jobs})
}

func (s *Server) listJobs(c *gin.Context) {
	filter := storage.DefaultJobFilter()
	filter.AccountID = c.Query("account")
	if v := c.Query("state"); v != "" {
		state := models.JobState(v)
		filter.State = &state
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	jobs, err := s.opts.Repo.ListJobs(c.Request.Context(), filter)
	if err != nil {
		s.fail(c, err, "Failed to list jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.opts.Repo.GetJob(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err, "Failed to get job")
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) jobAttempts(c *gin.Context) {
	ctx := c.Request.Context()
	key := c.Param("key")
	if _, err := s.opts.Repo.GetJob(ctx, key); err != nil {
		s.fail(c, err, "Failed to get job")
		return
	}
	attempts, err := s.opts.Repo.Attempts(ctx, key)
	if err != nil {
		s.fail(c, err, "Failed to list attempts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

func (s *Server) listAlerts(c *gin.Context) {
	if s.opts.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []models.Alert{}})
		return
	}
	alerts, err := s.opts.Alerts.Scan(c.Request.Context())
	if err != nil {
		s.fail(c, err, "Failed to scan alerts")
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// media serves locally stored artifacts so Instagram can fetch them by URL
func (s *Server) media(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	data, contentType, err := s.opts.Media.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		s.fail(c, err, "Failed to read media")
		return
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) fail(c *gin.Context, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// parseTime accepts RFC3339 timestamps or plain dates in UTC
func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
