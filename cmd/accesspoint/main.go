package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/gateway"
	"github.com/wudi/accesspoint/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	var configPath, openapiFile, upstreamAddr, port string
	var showVersion bool

	flag.StringVar(&configPath, "c", "", "Path to configuration file")
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&openapiFile, "f", "", "OpenAPI document for single-service mode")
	flag.StringVar(&openapiFile, "file", "", "OpenAPI document for single-service mode")
	flag.StringVar(&port, "p", "", "Listen port for single-service mode")
	flag.StringVar(&port, "port", "", "Listen port for single-service mode")
	flag.StringVar(&upstreamAddr, "u", "", "Upstream host:port for single-service mode")
	flag.StringVar(&upstreamAddr, "upstream", "", "Upstream host:port for single-service mode")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("access-point %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Environment overrides
	if env := os.Getenv("config_file"); env != "" {
		configPath = env
	}
	if env := os.Getenv("port"); env != "" {
		port = env
	}

	cfg, err := loadConfig(configPath, openapiFile, upstreamAddr, port)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	if cfg.Runtime.Threads > 0 {
		runtime.GOMAXPROCS(cfg.Runtime.Threads)
	}
	if cfg.Runtime.PidFile != "" {
		if err := os.WriteFile(cfg.Runtime.PidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write pid file: %v\n", err)
		}
	}

	if err := logging.Init(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	logging.Info("starting access-point",
		zap.String("version", version),
		zap.String("config", configPath),
		zap.Int("listeners", len(cfg.AccessPoint.Listeners)),
		zap.Int("mcp_services", len(cfg.Mcps)),
	)

	server, err := gateway.NewServer(cfg, configPath)
	if err != nil {
		logging.Error("failed to build gateway", zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Run(ctx); err != nil {
		if errors.Is(err, gateway.ErrBind) {
			logging.Error("listener bind failed", zap.Error(err))
			os.Exit(2)
		}
		logging.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

// loadConfig reads the config file, or synthesises a single-McpService
// config from the -f/-u/-p shorthand.
func loadConfig(configPath, openapiFile, upstreamAddr, port string) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if port != "" {
			overrideListenerPort(cfg, port)
		}
		return cfg, nil
	}

	if openapiFile == "" || upstreamAddr == "" {
		return nil, fmt.Errorf("either -c CONFIG or both -f OPENAPI and -u UPSTREAM are required")
	}
	if port == "" {
		port = "8080"
	}

	cfg := &config.Config{
		AccessPoint: config.AccessPoint{
			Listeners: []config.Listener{{Address: "0.0.0.0:" + port}},
		},
		Upstreams: []config.Upstream{{
			ID:    "1",
			Nodes: map[string]uint{upstreamAddr: 1},
		}},
		Mcps: []config.McpService{{
			ID:         "1",
			UpstreamID: "1",
			Path:       openapiFile,
		}},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overrideListenerPort rewrites every listener to the given port.
func overrideListenerPort(cfg *config.Config, port string) {
	for i, l := range cfg.AccessPoint.Listeners {
		host, _, err := net.SplitHostPort(l.Address)
		if err != nil {
			host = "0.0.0.0"
		}
		cfg.AccessPoint.Listeners[i].Address = net.JoinHostPort(host, port)
	}
}
