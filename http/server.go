// Package http exposes a Library over HTTP using gin.
//
// Routes:
//
//	POST /upload          multipart upload, first file part is ingested
//	GET  /progress        server-sent progress events
//	GET  /article/:title  article body from the active dataset
//	POST /search          {"query", "file_path"} -> [{"title"}]
//	POST /browse          {"file_path"} -> [{"title"}]
//	POST /clean_cache     delete every stored archive
//	GET  /files           uploaded files and active dataset
//	GET  /healthz         liveness
//	GET  /metrics         Prometheus metrics
package http

import (
	"context"
	"errors"
	"io"
	"log/slog"
	nethttp "net/http"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/archivist"
	"github.com/meigma/archivist/archive"
	"github.com/meigma/archivist/ingest"
	"github.com/meigma/archivist/internal/metrics"
	"github.com/meigma/archivist/progress"
)

// Library is the service behind the HTTP API. *archivist.Service
// implements it.
type Library interface {
	Upload(ctx context.Context, name string, r io.Reader) (ingest.Outcome, error)
	Watch(ctx context.Context) <-chan progress.Event
	Article(ctx context.Context, title string) (archive.Article, error)
	Search(ctx context.Context, query, path string) ([]archivist.Entry, error)
	Browse(ctx context.Context, path string) ([]archivist.Entry, error)
	CleanCache(ctx context.Context) (int, error)
	Files() archivist.Files
}

var _ Library = (*archivist.Service)(nil)

const defaultReadHeaderTimeout = 10 * time.Second

// Server serves the HTTP API.
type Server struct {
	lib       Library
	engine    *gin.Engine
	staticDir string
	gatherer  prometheus.Gatherer
	metrics   *metrics.Metrics
	logger    *slog.Logger

	// streams is cancelled on shutdown to end open progress streams.
	streams     context.Context
	stopStreams context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithStaticDir serves index.html and assets from dir at "/".
func WithStaticDir(dir string) Option {
	return func(s *Server) {
		s.staticDir = dir
	}
}

// WithMetrics records request metrics into m and serves g at /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds the router for lib.
func New(lib Library, opts ...Option) *Server {
	s := &Server{lib: lib}
	s.streams, s.stopStreams = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.routes()
	return s
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// Handler returns the root handler.
func (s *Server) Handler() nethttp.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	// Titles may contain encoded slashes; handlers decode them.
	r.UseRawPath = true
	r.UnescapePathValues = false

	r.Use(gin.Recovery(), requestID(), accessLog(s.log()), observe(s.metrics))

	r.POST("/upload", s.handleUpload)
	r.GET("/progress", s.handleProgress)
	r.GET("/article/:title", s.handleArticle)
	r.POST("/search", s.handleSearch)
	r.POST("/browse", s.handleBrowse)
	r.POST("/clean_cache", s.handleCleanCache)
	r.GET("/files", s.handleFiles)
	r.GET("/healthz", func(c *gin.Context) {
		c.String(nethttp.StatusOK, "ok")
	})
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.staticDir != "" {
		r.StaticFile("/", filepath.Join(s.staticDir, "index.html"))
		r.Static("/static", s.staticDir)
	}
	return r
}

// Close ends open progress streams.
func (s *Server) Close() {
	s.stopStreams()
}

// ListenAndServe serves on addr until ctx is done, then shuts down,
// giving in-flight requests up to grace to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &nethttp.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	srv.RegisterOnShutdown(s.stopStreams)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log().Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		s.log().Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
