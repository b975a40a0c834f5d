// Command loxmcp runs the Loxone MCP server over stdio or HTTP.
//
// Usage:
//
//	loxmcp stdio [--config path]
//	loxmcp http [--config path] [--port 8080] [--host 0.0.0.0]
//	loxmcp version
//
// Exit codes: 0 normal shutdown, 1 configuration error, 2 authentication
// error at startup, 3 upstream unreachable at startup in strict mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hausnetz/loxmcp/internal/audit"
	"github.com/hausnetz/loxmcp/internal/auth"
	"github.com/hausnetz/loxmcp/internal/config"
	"github.com/hausnetz/loxmcp/internal/cred"
	"github.com/hausnetz/loxmcp/internal/mcp"
	"github.com/hausnetz/loxmcp/internal/resolver"
	"github.com/hausnetz/loxmcp/internal/sensor"
	"github.com/hausnetz/loxmcp/internal/upstream"
	"github.com/hausnetz/loxmcp/internal/version"
	"github.com/hausnetz/loxmcp/internal/workflow"
)

// Exit codes per the CLI contract.
const (
	exitOK          = 0
	exitConfig      = 1
	exitAuth        = 2
	exitUnreachable = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	mode := os.Args[1]
	switch mode {
	case "stdio", "http":
	case "version":
		fmt.Println(version.Info())
		return
	default:
		usage()
		os.Exit(exitConfig)
	}

	fs := flag.NewFlagSet(mode, flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	port := fs.Int("port", 0, "HTTP listen port (http mode)")
	host := fs.String("host", "", "HTTP listen address (http mode)")
	_ = fs.Parse(os.Args[2:])

	viperCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}
	if *port != 0 {
		viperCfg.Set("server.port", *port)
	}
	if *host != "" {
		viperCfg.Set("server.host", *host)
	}

	cfg, err := config.Parse(viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	logger, err := buildLogger(mode, viperCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer func() { _ = logger.Sync() }()

	os.Exit(run(mode, cfg, logger))
}

func buildLogger(mode string, v *viper.Viper) (*zap.Logger, error) {
	// Stdout carries the protocol stream in stdio mode; logs go to stderr.
	if mode == "stdio" {
		return config.NewStderrLogger(v)
	}
	return config.NewLogger(v)
}

func run(mode string, cfg *config.Config, logger *zap.Logger) int {
	logger.Info("loxmcp starting",
		zap.String("version", version.Short()),
		zap.String("mode", mode),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential chain: environment first, sealed file for anything that
	// must persist (API-key snapshots).
	credFile := cfg.CredentialFile
	if credFile == "" {
		credFile = "./loxmcp-creds.json"
	}
	provider := cred.Chain{
		cred.EnvProvider{},
		cred.NewFileProvider(credFile, os.Getenv("LOXONE_CRED_PASSPHRASE")),
	}
	fillUpstreamFromProvider(&cfg.Upstream, provider)

	if cfg.Upstream.Host == "" {
		logger.Error("no miniserver host configured (LOXONE_HOST or credential provider)")
		return exitConfig
	}

	registry := sensor.NewRegistry(cfg.SensorOverrides)
	client := upstream.NewHTTPClient(cfg.Upstream, registry, logger)

	if err := client.Connect(ctx); err != nil {
		switch {
		case errors.Is(err, upstream.ErrAuthFailed):
			logger.Error("miniserver authentication failed", zap.Error(err))
			return exitAuth
		case cfg.Upstream.Strict:
			logger.Error("miniserver unreachable in strict mode", zap.Error(err))
			return exitUnreachable
		default:
			logger.Warn("miniserver unreachable at startup, serving degraded", zap.Error(err))
		}
	}

	store := resolver.NewStore(cfg.Cache.Shards, cfg.Cache.MaxEntries)
	res := resolver.New(store, client, registry, resolver.TTLs{
		Live:      cfg.Cache.LiveTTL,
		Structure: cfg.Cache.StructureTTL,
		Sensor:    cfg.Cache.SensorTTL,
	}, logger)

	// Live value updates feed the same parse/validate/cache path as reads.
	go ingestEvents(ctx, client, res, logger)

	keys, err := auth.NewKeyStore(provider, logger)
	if err != nil {
		logger.Error("failed to load api key store", zap.Error(err))
		return exitConfig
	}

	var sink auth.AuditSink
	if cfg.AuditLog {
		auditStore, err := audit.Open(cfg.AuditLogPath, logger)
		if err != nil {
			logger.Error("failed to open audit store", zap.Error(err))
			return exitConfig
		}
		defer auditStore.Close()
		sink = auditStore
	}
	auditor := auth.NewAuditor(logger, sink, cfg.AuditLog)

	limiter := auth.NewRateLimiter(auth.Limits{
		AdminRPM:    cfg.RateLimits.AdminRPM,
		OperatorRPM: cfg.RateLimits.OperatorRPM,
		MonitorRPM:  cfg.RateLimits.MonitorRPM,
		DeviceRPM:   cfg.RateLimits.DeviceRPM,
	})

	discovery := sensor.NewDiscovery(client, logger, 0, 0)
	if cfg.SensorLearning {
		go runDiscovery(ctx, client, registry, discovery, logger)
	}
	engine := workflow.NewEngine(logger)

	dispatcher := mcp.NewDispatcher(mcp.DispatcherDeps{
		Sessions:   mcp.NewSessionManager(),
		Keys:       keys,
		Limiter:    limiter,
		Lockout:    auth.NewLockout(),
		Auditor:    auditor,
		Resolver:   res,
		Upstream:   client,
		Registry:   registry,
		Discovery:  discovery,
		Engine:     engine,
		Logger:     logger,
		Timeout:    cfg.RequestTimeout,
		OnShutdown: stop,
	})

	switch mode {
	case "stdio":
		transport := mcp.NewStdioTransport(dispatcher, logger)
		if err := transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("stdio transport failed", zap.Error(err))
			return exitConfig
		}
	case "http":
		server := mcp.NewHTTPServer(dispatcher, cfg.Server, logger)
		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(ctx) }()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("HTTP shutdown incomplete", zap.Error(err))
			}
		case err := <-errCh:
			if err != nil {
				logger.Error("HTTP transport failed", zap.Error(err))
				return exitConfig
			}
		}
	}

	logger.Info("loxmcp stopped")
	return exitOK
}

// fillUpstreamFromProvider backfills host and credentials from the
// credential provider when the environment left them empty.
func fillUpstreamFromProvider(up *config.Upstream, provider cred.Provider) {
	if up.Host == "" {
		if v, err := provider.Get(cred.KeyHost); err == nil {
			up.Host = string(v)
		}
	}
	if up.User == "" {
		if v, err := provider.Get(cred.KeyUser); err == nil {
			up.User = string(v)
		}
	}
	if up.Pass == "" {
		if v, err := provider.Get(cred.KeyPass); err == nil {
			up.Pass = string(v)
		}
	}
}

// runDiscovery samples every unclassified device once, sequentially, so
// learning mode never floods the Miniserver.
func runDiscovery(ctx context.Context, client *upstream.HTTPClient, registry *sensor.Registry, discovery *sensor.Discovery, logger *zap.Logger) {
	st := client.Structure()
	if st == nil {
		return
	}
	for _, dev := range st.Devices {
		if ctx.Err() != nil {
			return
		}
		if registry.Classify(dev).Kind != sensor.KindUnknown {
			continue
		}
		if err := discovery.Sample(ctx, dev); err != nil {
			logger.Debug("discovery sampling stopped", zap.Error(err))
			return
		}
	}
}

// ingestEvents pumps WebSocket value updates into the resolver until ctx
// ends.
func ingestEvents(ctx context.Context, client *upstream.HTTPClient, res *resolver.Resolver, logger *zap.Logger) {
	events, err := client.SubscribeEvents(ctx)
	if err != nil {
		logger.Warn("event subscription unavailable", zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			res.IngestEvent(ev.UUID, ev.Raw)
		}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: loxmcp <mode> [flags]

modes:
  stdio            serve MCP over stdin/stdout (implicit admin session)
  http             serve MCP over streamable HTTP and legacy SSE
  version          print version information

flags:
  --config path    configuration file (default: ./loxmcp.yaml if present)
  --port n         HTTP listen port (http mode)
  --host addr      HTTP listen address (http mode)
`)
}
