package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/carte/internal/auth"
	"github.com/loykin/carte/internal/config"
	"github.com/loykin/carte/internal/manager"
	"github.com/loykin/carte/internal/metrics"
	ctls "github.com/loykin/carte/internal/tls"
)

const (
	resStatus         = "status"
	resTransformation = "transformation"
	resJob            = "job"
	resSniff          = "sniff"
)

type Options struct {
	Manager *manager.Manager
	// Name is shown on the status page; defaults to the host name.
	Name     string
	BasePath string
	// Auth protects every endpoint when non-nil and enabled.
	Auth *auth.Middleware
	// Host provides machine information for the status page.
	Host *metrics.HostCollector
	// Metrics exposes prometheus metrics under {basePath}/metrics.
	Metrics bool
	Logger  *slog.Logger
}

// Server serves the remote execution endpoints. It is embeddable: Register
// mounts the routes on any gin router and Handler returns a standalone one.
type Server struct {
	mgr      *manager.Manager
	name     string
	basePath string
	auth     *auth.Middleware
	host     *metrics.HostCollector
	metrics  bool
	logger   *slog.Logger
	started  time.Time
}

func New(opts Options) (*Server, error) {
	if opts.Manager == nil {
		return nil, errors.New("server: manager is required")
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	a := opts.Auth
	if a == nil {
		a = auth.NewMiddleware(nil, "")
	}
	return &Server{
		mgr:      opts.Manager,
		name:     opts.Name,
		basePath: sanitizeBase(opts.BasePath),
		auth:     a,
		host:     opts.Host,
		metrics:  opts.Metrics,
		logger:   lg.With("component", "server"),
		started:  time.Now(),
	}, nil
}

// BasePath is the sanitized prefix the routes are mounted under.
func (s *Server) BasePath() string { return s.basePath }

// Handler returns a gin engine with the routes mounted under the base path.
func (s *Server) Handler() http.Handler {
	g := gin.New()
	g.Use(s.requestLog())
	s.Register(g.Group(s.basePath))
	return g
}

// Register mounts the endpoints on r behind panic recovery and auth.
func (s *Server) Register(r gin.IRouter) {
	r.Use(recovery(s.logger), s.auth.GinAuth())
	perm := s.auth.GinRequirePermission

	r.GET("/status", perm(resStatus, auth.ActionRead), s.handleStatus)
	if s.metrics {
		r.GET("/metrics", perm(resStatus, auth.ActionRead), gin.WrapH(metrics.Handler()))
	}

	read, write := perm(resTransformation, auth.ActionRead), perm(resTransformation, auth.ActionWrite)
	r.GET("/transStatus", read, s.handleTransStatus)
	r.POST("/addTrans", write, s.handleAddTrans)
	r.POST("/runTrans", write, s.handleRunTrans)
	r.Match(actionMethods, "/startTrans", write, s.handleStart(manager.KindTransformation))
	r.Match(actionMethods, "/stopTrans", write, s.handleStop(manager.KindTransformation))
	r.Match(actionMethods, "/pauseTrans", write, s.handlePause)
	r.Match(actionMethods, "/removeTrans", write, s.handleRemove(manager.KindTransformation))
	r.Match(actionMethods, "/cleanupTrans", write, s.handleCleanup)

	read, write = perm(resJob, auth.ActionRead), perm(resJob, auth.ActionWrite)
	r.GET("/jobStatus", read, s.handleJobStatus)
	r.POST("/addJob", write, s.handleAddJob)
	r.Match(actionMethods, "/startJob", write, s.handleStart(manager.KindJob))
	r.Match(actionMethods, "/stopJob", write, s.handleStop(manager.KindJob))
	r.Match(actionMethods, "/removeJob", write, s.handleRemove(manager.KindJob))

	r.Match(actionMethods, "/sniffStep", perm(resSniff, auth.ActionRead), s.handleSniff)
	r.GET("/sniffSessions", perm(resSniff, auth.ActionRead), s.handleSniffSessions)
}

var actionMethods = []string{http.MethodGet, http.MethodPost}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start))
	}
}

// NewHTTPServer wraps h in an http.Server for cfg, with TLS when enabled.
func NewHTTPServer(cfg config.ServerConfig, h http.Handler) (*http.Server, error) {
	tlsCfg, err := ctls.SetupTLS(cfg)
	if err != nil {
		return nil, err
	}
	listen := cfg.Listen
	if listen == "" {
		listen = config.DefaultListen
	}
	return &http.Server{
		Addr:              listen,
		Handler:           h,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}, nil
}

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}
