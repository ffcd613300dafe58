// Command entry-cache runs the entry cache admin server and talks to a running
// one from the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"

	"github.com/wolfeidau/entry-cache/cache"
	"github.com/wolfeidau/entry-cache/server"
	"github.com/wolfeidau/entry-cache/store/gc"
	"github.com/wolfeidau/entry-cache/telemetry"
)

var version = "dev"

// CLI is the command line interface.
type CLI struct {
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"ENTRY_CACHE_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"ENTRY_CACHE_LOG_FORMAT"`

	Serve ServeCmd `cmd:"" help:"Run the cache admin server."`
	Stats StatsCmd `cmd:"" help:"Show aggregate counters of a storage."`
	List  ListCmd  `cmd:"" help:"List the entries of a storage."`
	Evict EvictCmd `cmd:"" help:"Evict every entry of a storage."`
	Get   GetCmd   `cmd:"" help:"Write an entry's payload to stdout."`
	Put   PutCmd   `cmd:"" help:"Store stdin as an entry's payload."`
	Index IndexCmd `cmd:"" help:"Check or compact the entry index of a stopped server."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// Globals are passed to every command's Run method.
type Globals struct {
	Logger *slog.Logger
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// ServeCmd runs the server.
type ServeCmd struct {
	Address     string `help:"Address to listen on." default:":8080" env:"ENTRY_CACHE_ADDRESS"`
	DataDir     string `help:"Directory for the index and persistent tiers." default:"./cache" env:"ENTRY_CACHE_DATA_DIR"`
	AuthToken   string `help:"Bearer token required by the admin API." env:"ENTRY_CACHE_AUTH_TOKEN"`
	MemoryMaxMB int    `help:"Memory tier limit in MiB (0 for unlimited)." default:"256" env:"ENTRY_CACHE_MEMORY_MAX_MB"`
	DiskCapMB   int64  `name:"disk-capacity-mb" help:"Disk capacity reported by storage info, in MiB." default:"10240" env:"ENTRY_CACHE_DISK_CAPACITY_MB"`

	GCInterval     time.Duration `name:"gc-interval" help:"How often expired entries are purged." default:"1h" env:"ENTRY_CACHE_GC_INTERVAL"`
	GCStartupDelay time.Duration `name:"gc-startup-delay" help:"Delay before the first purge." default:"5m" env:"ENTRY_CACHE_GC_STARTUP_DELAY"`

	MetricsOTLPEndpoint string `name:"metrics-otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"ENTRY_CACHE_METRICS_OTLP_ENDPOINT"`
	MetricsPrometheus   bool   `name:"metrics-prometheus" help:"Serve Prometheus metrics on /metrics." default:"true" env:"ENTRY_CACHE_METRICS_PROMETHEUS" negatable:""`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("entry-cache"),
		kong.Description("Partitioned HTTP entry cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)

	kctx.FatalIfErrorf(kctx.Run(&Globals{
		Logger: logger,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// Run starts the cache service, the expiry manager and the HTTP server and
// blocks until SIGINT or SIGTERM.
func (c *ServeCmd) Run(g *Globals) error {
	logger := g.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "entry-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.MetricsOTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("shutting down metrics", "error", err)
		}
	}()

	svc, err := cache.NewService(ctx, cache.Config{
		DataDir:      c.DataDir,
		MemoryMaxMB:  c.MemoryMaxMB,
		DiskCapacity: c.DiskCapMB << 20,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("creating cache service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing cache service", "error", err)
		}
	}()

	mgr := gc.New(svc, gc.Config{Interval: c.GCInterval, StartupDelay: c.GCStartupDelay},
		gc.WithLogger(logger.With("component", "gc")),
		gc.WithMetrics(otel.Meter("entry-cache/gc")),
	)
	mgr.Start(ctx)

	srv, err := server.New(svc, server.Config{
		Address:   c.Address,
		AuthToken: c.AuthToken,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"data_dir", c.DataDir,
		"auth", c.AuthToken != "",
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		logger.Warn("stopping gc manager", "error", err)
	}
	return srv.Shutdown(shutdownCtx)
}
