package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hatago/gateway/internal/config"
	"github.com/hatago/gateway/internal/limiter"
	"github.com/hatago/gateway/internal/pluginhost"
	"github.com/hatago/gateway/internal/proxy"
	"github.com/hatago/gateway/internal/runner"
	"github.com/hatago/gateway/internal/session"
	"github.com/hatago/gateway/internal/telemetry"
	"github.com/hatago/gateway/internal/toolsurface"
	"github.com/hatago/gateway/internal/transport/streamable"
	"github.com/hatago/gateway/internal/upstream"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	Long: `Start the Hatago gateway: connect to every upstream MCP server
configured in proxy.servers (HTTP) and runner.servers (spawned subprocess),
aggregate their tool catalogs, and serve the combined surface over
Streamable HTTP.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	return boot(ctx, cfg, logger)
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// boot wires every component in dependency order and runs the gateway until
// ctx is canceled. Each numbered step corresponds to one stage of the
// request path from client to upstream client.
func boot(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// 1. Telemetry: tracer/meter providers behind Provider, disabled unless
	// the operator opts in via debug-level logging (stdout exporters would
	// otherwise spam a production console).
	telemetryProvider, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace",
		ServiceName:    "hatago",
		ServiceVersion: Version,
		Writer:         os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetryProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// 2. Session store (C2).
	sessions := session.NewStore(session.Config{}, logger)
	sessions.StartSweep(ctx)
	defer sessions.Stop()

	// 3. Proxy registry (C6), namespace/conflict strategy per config.
	registry := proxy.NewRegistry(
		proxy.NamespaceStrategy(cfg.Proxy.NamespaceStrategy),
		proxy.ConflictPolicy(cfg.Proxy.ConflictResolution),
		logger,
	)
	registry.SetNamespaceOptions(cfg.Proxy.Namespace.Separator, cfg.Proxy.Namespace.AutoPrefix.Format)

	// 4. HTTP upstreams connect eagerly; a failing one is logged and
	// skipped, never fatal.
	for _, up := range cfg.Proxy.Servers {
		if up.Transport != "http" {
			continue
		}
		spec := httpUpstreamSpec(up)
		client := upstream.NewHTTPClient(up.ID, spec)
		if err := registry.Register(ctx, spec, client); err != nil {
			logger.Warn("http upstream registration failed, continuing without it", "upstream", up.ID, "error", err)
		}
	}

	// 5. Subprocess upstreams (C5): spawn via the runner, reconnect the
	// registry's client binding every time the runner reports a fresh
	// running process (covers both first start and post-restart rebinding).
	runners := make([]*runner.Runner, 0, len(cfg.Runner.Servers))
	for _, sub := range cfg.Runner.Servers {
		spec := subprocessUpstreamSpec(sub, cfg.Runner.Defaults)
		upstreamID := sub.ID

		var r *runner.Runner
		r, err := runner.New(upstreamID, spec, logger, func(status upstream.Status) {
			if status.State != upstream.StateRunning {
				return
			}
			stdin, stdout, err := r.Stdio()
			if err != nil {
				logger.Error("runner reported running with no stdio pipes", "upstream", upstreamID, "error", err)
				return
			}
			client := upstream.NewStdioClient(upstreamID, spec, stdin, stdout)
			if err := registry.Register(ctx, spec, client); err != nil {
				logger.Error("subprocess upstream registration failed", "upstream", upstreamID, "error", err)
			}
		})
		if err != nil {
			logger.Error("failed to construct runner", "upstream", upstreamID, "error", err)
			continue
		}

		if spec.Subprocess.TransportKind == upstream.TransportStdio {
			r.SetHealthCheck(func(ctx context.Context) error {
				return registry.Refresh(ctx, upstreamID)
			})
		}

		if err := r.Start(ctx); err != nil {
			logger.Error("failed to start subprocess upstream", "upstream", upstreamID, "error", err)
			continue
		}
		runners = append(runners, r)
	}
	defer func() {
		for _, r := range runners {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = r.Stop(stopCtx)
			cancel()
		}
	}()

	// 6. Gateway-wide admission control (C7): a single limiter shields the
	// whole dispatch path, independent of the per-upstream breakers the
	// registry maintains for routed calls.
	breaker := limiter.NewCircuitBreaker(limiter.DefaultCircuitConfig())
	gatewayLimiter := limiter.New(limiter.Config{MaxConcurrent: 256, QueueSize: 1024, Timeout: 5 * time.Second}, breaker)

	// 7. Tool surface (C8): local tools plus the registry's routed catalog.
	surface := toolsurface.New(toolsurface.ServerInfo{Name: "hatago", Version: Version}, registry, sessions, gatewayLimiter, logger)
	surface.SetTracer(telemetryProvider.Tracer())
	registerBuiltinTools(surface)

	// 8. Plugin host (C9): no plugins ship by default; embedders call
	// pluginhost.New/Load from their own main before Start.
	host := pluginhost.New(surface, sessions, logger)
	if err := host.Load(ctx, nil); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	// 9. Streamable HTTP transport (C3), mounting health/drain/metrics
	// alongside /mcp.
	srv := streamable.New(sessions, surface,
		streamable.WithAddr(fmt.Sprintf("%s:%d", cfg.Server.Hostname, cfg.Server.Port)),
		streamable.WithAllowedOrigins(cfg.Security.AllowedOrigins),
		streamable.WithLogger(logger),
	)
	registry.SetMetricsSink(srv.Sink())
	for pattern, handler := range host.Routes() {
		_ = pattern
		_ = handler
	}
	for _, mw := range host.Middleware() {
		_ = mw
	}
	srv.Health().SetStartupComplete(true)
	srv.Health().SetReady(true)

	logger.Info("hatago gateway starting", "addr", cfg.Server.Hostname, "port", cfg.Server.Port, "upstreams", registry.Len())
	return srv.Start(ctx)
}

func httpUpstreamSpec(up config.UpstreamConfig) upstream.Spec {
	return upstream.Spec{
		ID:        up.ID,
		Transport: upstream.TransportHTTP,
		Endpoint:  up.Endpoint,
		Auth: upstream.AuthConfig{
			Kind:     upstream.AuthKind(up.Auth.Kind),
			Token:    up.Auth.Token,
			Username: up.Auth.Username,
			Headers:  up.Auth.Headers,
		},
		Timeout: durationOrDefault(up.TimeoutMS, 30*time.Second),
		Filter: upstream.ToolFilter{
			Include: up.Include,
			Exclude: up.Exclude,
			Rename:  up.Rename,
		},
		HealthCheck: time.Duration(up.HealthCheckMS) * time.Millisecond,
	}
}

func subprocessUpstreamSpec(sub config.SubprocessConfig, defaults config.RunnerDefaultsConfig) upstream.Spec {
	transport := upstream.TransportStdio
	if sub.Transport == "http" {
		transport = upstream.TransportHTTP
	}
	framing := upstream.FramingLineDelimited
	if sub.Framing == "length-prefixed" {
		framing = upstream.FramingLengthPrefixed
	}
	pm := sub.PackageManager
	if pm == "" {
		pm = defaults.PackageManager
	}

	healthInterval, _ := time.ParseDuration(sub.HealthCheckInterval)
	stopTimeout, _ := time.ParseDuration(sub.StopTimeout)

	return upstream.Spec{
		ID:        sub.ID,
		Transport: transport,
		Subprocess: &upstream.SubprocessSpec{
			Package:        sub.Package,
			PackageManager: upstream.PackageManager(pm),
			Version:        sub.Version,
			Args:           sub.Args,
			Env:            sub.Env,
			WorkingDir:     sub.WorkingDir,
			TransportKind:  transport,
			HTTPPort:       sub.HTTPPort,
			Framing:        framing,
			Limits: upstream.ResourceLimits{
				MemoryMB:     sub.Limits.MemoryMB,
				CPUSeconds:   sub.Limits.CPUSeconds,
				WallSeconds:  sub.Limits.WallSeconds,
				MaxOpenFiles: sub.Limits.MaxOpenFiles,
			},
			Permissions: upstream.Permissions{
				Network:      sub.Permissions.Network,
				FSRead:       sub.Permissions.FSRead,
				FSWrite:      sub.Permissions.FSWrite,
				EnvAccess:    sub.Permissions.EnvAccess,
				SpawnChild:   sub.Permissions.SpawnChild,
				AllowedHosts: sub.Permissions.AllowedHosts,
				AllowedPaths: sub.Permissions.AllowedPaths,
			},
			HealthCheckInterval: healthInterval,
			RestartOnFailure:    sub.RestartOnFailure,
			MaxRestarts:         sub.MaxRestarts,
			StopTimeout:         stopTimeout,
		},
	}
}

func durationOrDefault(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// registerBuiltinTools adds the gateway's own diagnostic tools to surface,
// independent of any configured upstream.
func registerBuiltinTools(surface *toolsurface.Surface) {
	surface.RegisterTool("hello_hatago", "Hello Hatago", "Returns a static greeting, for verifying the gateway's own tool surface is reachable.", json.RawMessage(`{"type":"object","properties":{}}`),
		func(ctx context.Context, args json.RawMessage, extra toolsurface.CallExtra) (upstream.CallResult, error) {
			content, _ := json.Marshal([]map[string]string{{"type": "text", "text": "Hello Hatago"}})
			return upstream.CallResult{Content: content}, nil
		},
	)
}
