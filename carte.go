// Package carte runs a remote execution host: transformations and jobs are
// registered, started and monitored over HTTP, and the rows flowing through
// any step of a running transformation can be sniffed live.
package carte

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loykin/carte/internal/auth"
	"github.com/loykin/carte/internal/config"
	"github.com/loykin/carte/internal/cron"
	"github.com/loykin/carte/internal/history"
	"github.com/loykin/carte/internal/history/factory"
	"github.com/loykin/carte/internal/manager"
	"github.com/loykin/carte/internal/metrics"
	"github.com/loykin/carte/internal/server"
	"github.com/loykin/carte/internal/sniff"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export the types embedders need.

type Config = config.Config

type Manager = manager.Manager

type HistorySink = history.Sink

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// Server wires the manager, the HTTP endpoints and the ambient services
// described by a Config.
type Server struct {
	cfg    *Config
	logger *slog.Logger
	mgr    *manager.Manager
	web    *server.Server
	host   *metrics.HostCollector
	jobs   []*cron.Job

	httpSrv    *http.Server
	metricsSrv *http.Server
}

// Options customize NewServer beyond the config file.
type Options struct {
	Logger *slog.Logger
	// Sinks receive history events in addition to the configured DSNs.
	Sinks []HistorySink
}

func NewServer(cfg *Config, opts Options) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	lg := opts.Logger
	if lg == nil {
		lg = cfg.Log.NewSlogger()
	}

	sinks := append([]history.Sink(nil), opts.Sinks...)
	for _, h := range cfg.History {
		sink, err := factory.NewSinkFromDSN(h.DSN)
		if err != nil {
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	var recorder *history.Recorder
	if len(sinks) > 0 {
		recorder = history.NewRecorder(sinks, history.RecorderOptions{Logger: lg})
	}

	host := metrics.NewHostCollector(cfg.Metrics.Host)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if err := host.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register host metrics: %w", err)
		}
	}

	mw := auth.NewMiddleware(nil, "")
	if cfg.Auth.Enabled {
		svc, err := auth.NewService(cfg.Auth)
		if err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
		mw = auth.NewMiddleware(svc, cfg.Auth.Realm)
	}

	mgr, err := manager.New(manager.Options{
		Variables: cfg.Env,
		Log:       cfg.Log,
		Sniff: sniff.Options{
			DefaultBuffer: cfg.Sniff.DefaultBuffer,
			MaxBuffer:     cfg.Sniff.MaxBuffer,
			IdleTimeout:   cfg.Sniff.IdleTimeout,
			ReapInterval:  cfg.Sniff.ReapInterval,
		},
		History: recorder,
		Logger:  lg,
	})
	if err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg, logger: lg, mgr: mgr, host: host}
	if err := s.loadCatalog(); err != nil {
		_ = mgr.Shutdown(context.Background())
		return nil, err
	}

	s.web, err = server.New(server.Options{
		Manager:  mgr,
		Name:     cfg.Server.Name,
		BasePath: cfg.Server.BasePath,
		Auth:     mw,
		Host:     host,
		Metrics:  cfg.Metrics.Enabled && cfg.Metrics.Listen == "",
		Logger:   lg,
	})
	if err != nil {
		_ = mgr.Shutdown(context.Background())
		return nil, err
	}
	return s, nil
}

// loadCatalog defines the configured transformations and jobs and prepares
// the schedules that launch them.
func (s *Server) loadCatalog() error {
	for _, d := range s.cfg.Transformations {
		if err := s.mgr.DefineTransformation(d); err != nil {
			return fmt.Errorf("transformation %s: %w", d.Name, err)
		}
	}
	for _, d := range s.cfg.Jobs {
		if err := s.mgr.DefineJob(d); err != nil {
			return fmt.Errorf("job %s: %w", d.Name, err)
		}
	}
	for _, sc := range s.cfg.Schedules {
		s.jobs = append(s.jobs, &cron.Job{
			Name:      sc.Name,
			Kind:      sc.Kind,
			Target:    sc.Target,
			Schedule:  sc.Every,
			Singleton: sc.IsSingleton(),
		})
	}
	return nil
}

func (s *Server) Manager() *Manager { return s.mgr }

// Handler serves the endpoints under the configured base path.
func (s *Server) Handler() http.Handler { return s.web.Handler() }

// Register mounts the endpoints on an existing gin router.
func (s *Server) Register(r gin.IRouter) { s.web.Register(r) }

func (s *Server) BasePath() string { return s.web.BasePath() }

// Run serves until ctx is done or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	var err error
	if s.httpSrv, err = server.NewHTTPServer(s.cfg.Server, s.Handler()); err != nil {
		return err
	}
	if err := writePidFile(s.cfg.Server.PIDFile); err != nil {
		return err
	}
	s.host.Start(ctx)
	if len(s.jobs) > 0 {
		if err := s.mgr.StartSchedules(s.jobs); err != nil {
			return fmt.Errorf("start schedules: %w", err)
		}
		s.logger.Info("schedules started", "count", len(s.jobs))
	}

	errCh := make(chan error, 2)
	if s.cfg.Metrics.Enabled && s.cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		s.metricsSrv = &http.Server{Addr: s.cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	go func() {
		var err error
		if s.httpSrv.TLSConfig != nil {
			s.logger.Info("carte listening", "addr", s.httpSrv.Addr, "base_path", s.BasePath(), "tls", true)
			err = s.httpSrv.ListenAndServeTLS("", "")
		} else {
			s.logger.Info("carte listening", "addr", s.httpSrv.Addr, "base_path", s.BasePath())
			err = s.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	sctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return errors.Join(runErr, s.Shutdown(sctx))
}

// Shutdown stops the listeners, every execution and the background services.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.mgr.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.host.Stop()
	if p := s.cfg.Server.PIDFile; p != "" {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.logger.Info("carte stopped")
	return errors.Join(errs...)
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}
