package gateway

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/accesspoint/internal/admin"
	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/mcp"
	"github.com/wudi/accesspoint/internal/metrics"
	"github.com/wudi/accesspoint/internal/proxy"
	"github.com/wudi/accesspoint/internal/registry"
	"github.com/wudi/accesspoint/internal/upstream"
)

// ErrBind marks a listener bind failure so main can exit with code 2.
var ErrBind = errors.New(errors.KindInternal, "listener bind failed")

// Server assembles the data plane, the admin plane and the config plane.
type Server struct {
	cfg        *config.Config
	configPath string

	reg     *registry.Registry
	pool    *upstream.Pool
	proxy   *proxy.Proxy
	engine  *mcp.Engine
	metrics *metrics.Metrics
	sni     *sniResolver

	adminHandler *admin.Handler
	watcher      *config.Watcher
	servers      []*http.Server
	adminServer  *http.Server
}

// NewServer builds the full gateway from a parsed configuration.
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		configPath: configPath,
		reg:        registry.New(),
		pool:       upstream.NewPool(),
		metrics:    metrics.New(),
		sni:        newSNIResolver(),
	}

	upstream.SetHealthChangeHook(s.metrics.SetNodeHealth)
	upstream.SetRetryHook(s.metrics.RecordRetry)

	s.proxy = proxy.New(s.reg, s.pool, s.metrics)
	s.engine = mcp.NewEngine(s.proxy, s.metrics)
	s.proxy.SetMCPHandler(mcp.NewHandler(s.engine, s.metrics))

	if cfg.AccessPoint.Admin != nil {
		s.adminHandler = admin.New(s.reg, admin.Options{
			APIKey:         cfg.AccessPoint.Admin.APIKey,
			ConfigPath:     configPath,
			ReloadConfig:   s.ReloadConfig,
			MetricsHandler: s.metrics.Handler(),
		})
		s.proxy.SetAdminHandler(s.adminHandler)
	}

	// Derived indexes rebuild from each published snapshot.
	s.reg.OnChange(s.onSnapshot)

	if err := s.reg.ReplaceAll(cfg); err != nil {
		return nil, err
	}

	return s, nil
}

// onSnapshot rebuilds the derived indexes a publish touched.
func (s *Server) onSnapshot(snap *registry.Snapshot, changed map[config.ResourceType]bool) {
	if changed[config.ResourceUpstreams] {
		s.pool.Rebuild(snap)
	}
	if changed[config.ResourceRoutes] || changed[config.ResourceServices] {
		s.proxy.RebuildRouter(snap)
	}
	if changed[config.ResourceMcpServices] || changed[config.ResourceUpstreams] {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		s.engine.SetIndex(mcp.BuildIndex(ctx, snap))
		cancel()
	}
	if changed[config.ResourceSSLs] {
		s.sni.Rebuild(snap)
	}
}

// ReloadConfig reparses a configuration file and publishes it wholesale.
// On any parse or validation failure the live snapshot stays.
func (s *Server) ReloadConfig(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return s.reg.ReplaceAll(cfg)
}

// Run binds every listener and serves until ctx is cancelled. A bind
// failure returns an error wrapping ErrBind.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, l := range s.cfg.AccessPoint.Listeners {
		ln, err := net.Listen("tcp", l.Address)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBind, l.Address, err)
		}

		srv := &http.Server{
			Handler:           s.proxy,
			ReadHeaderTimeout: 10 * time.Second,
		}
		if l.TLS {
			srv.TLSConfig = &tls.Config{GetCertificate: s.sni.GetCertificate}
			ln = tls.NewListener(ln, srv.TLSConfig)
		}
		s.servers = append(s.servers, srv)

		listener := ln
		g.Go(func() error {
			logging.Info("listener started", zap.String("address", l.Address), zap.Bool("tls", l.TLS))
			if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if s.adminHandler != nil {
		adminLn, err := net.Listen("tcp", s.cfg.AccessPoint.Admin.Address)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBind, s.cfg.AccessPoint.Admin.Address, err)
		}
		s.adminServer = &http.Server{
			Handler:           s.adminHandler,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logging.Info("admin listener started", zap.String("address", s.cfg.AccessPoint.Admin.Address))
			if err := s.adminServer.Serve(adminLn); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if s.configPath != "" {
		watcher, err := config.NewWatcher(s.configPath)
		if err != nil {
			logging.Error("config watcher unavailable", zap.Error(err))
		} else {
			s.watcher = watcher
			watcher.OnChange(func(cfg *config.Config) {
				if err := s.reg.ReplaceAll(cfg); err != nil {
					logging.Error("reloaded config rejected, keeping previous snapshot", zap.Error(err))
				}
			})
			if err := watcher.Start(); err != nil {
				logging.Error("config watcher failed to start", zap.Error(err))
			}
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

// shutdown drains listeners and background tasks.
func (s *Server) shutdown() {
	logging.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, srv := range s.servers {
		srv.Shutdown(shutdownCtx)
	}
	if s.adminServer != nil {
		s.adminServer.Shutdown(shutdownCtx)
	}
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.pool.Close()
	logging.Sync()
}

// Registry exposes the resource registry, used by tests and the admin plane.
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Proxy exposes the data-plane handler, used by tests.
func (s *Server) Proxy() http.Handler {
	return s.proxy
}
