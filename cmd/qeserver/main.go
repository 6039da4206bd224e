// Command qeserver runs the query-engine coordinator: it admits queries off
// the result bus, plans and executes them against a storage engine, and
// streams results back.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof is intentionally available when --pprof flag is set
	"os"
	"os/signal"
	"time"

	"gastrolog-qe/internal/config"
	"gastrolog-qe/internal/logging"
	"gastrolog-qe/internal/qe/jobserver"
	"gastrolog-qe/internal/qe/resultbus"
	"gastrolog-qe/internal/qe/storage"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // Allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "qeserver",
		Short: "Query engine coordinator",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pprofAddr, _ := cmd.Flags().GetString("pprof")
			if pprofAddr != "" {
				go func() {
					logger.Info("pprof server listening", "addr", pprofAddr)
					pprofSrv := &http.Server{Addr: pprofAddr, Handler: nil, ReadHeaderTimeout: 10 * time.Second}
					if err := pprofSrv.ListenAndServe(); err != nil {
						logger.Error("pprof server error", "error", err)
					}
				}()
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().String("pprof", "", "pprof HTTP server address (e.g. localhost:6060). WARNING: exposes CPU/memory profiles and goroutine dumps — bind to loopback only, never expose publicly")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the query engine coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, metricsAddr, err := cfgFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, cfg, metricsAddr)
		},
	}
	serveCmd.Flags().String("resultbus-addr", "localhost:6379", "result bus (Redis-compatible) address")
	serveCmd.Flags().String("resultbus-password", "", "result bus password")
	serveCmd.Flags().Int("resultbus-db", 0, "result bus logical DB index")
	serveCmd.Flags().Int("connections", 4, "number of non-intake result-bus connections (K)")
	serveCmd.Flags().String("host", "", "this engine's identity in ENGINE:<host> (default: OS hostname)")
	serveCmd.Flags().String("storage-endpoint", "", "storage-engine endpoint (empty selects the in-memory engine)")
	serveCmd.Flags().String("keyspace", "analytics", "storage-engine keyspace")
	serveCmd.Flags().Int("max-tasks", 0, "stage-0 instance count per pipeline (default: config.DefaultTunables)")
	serveCmd.Flags().Int("max-slice", 0, "chunk size as a multiple of 2^RowTimeBits (default: config.DefaultTunables)")
	serveCmd.Flags().Int("max-pipelines", 0, "global in-flight pipeline cap (default: config.DefaultTunables)")
	serveCmd.Flags().Int("max-rows", 0, "default per-query row cap (default: config.DefaultTunables)")
	serveCmd.Flags().String("metrics-addr", "", "Prometheus /metrics HTTP server address (e.g. localhost:9090)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// cfgFromFlags builds a config.Config from serveCmd's flags. qeserver has no
// durable config store of its own (spec.md's coordinator is stateless apart
// from in-flight pipelines); config.NewMemory holds the flag-derived values
// for the process lifetime.
func cfgFromFlags(cmd *cobra.Command) (*config.Config, string, error) {
	host, _ := cmd.Flags().GetString("host")
	if host == "" {
		hn, err := os.Hostname()
		if err != nil {
			return nil, "", fmt.Errorf("resolve hostname: %w", err)
		}
		host = hn
	}

	resultBusAddr, _ := cmd.Flags().GetString("resultbus-addr")
	resultBusPassword, _ := cmd.Flags().GetString("resultbus-password")
	resultBusDB, _ := cmd.Flags().GetInt("resultbus-db")
	connections, _ := cmd.Flags().GetInt("connections")
	storageEndpoint, _ := cmd.Flags().GetString("storage-endpoint")
	keyspace, _ := cmd.Flags().GetString("keyspace")
	maxTasks, _ := cmd.Flags().GetInt("max-tasks")
	maxSlice, _ := cmd.Flags().GetInt("max-slice")
	maxPipelines, _ := cmd.Flags().GetInt("max-pipelines")
	maxRows, _ := cmd.Flags().GetInt("max-rows")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	cfg := &config.Config{
		ResultBus: config.ResultBusConfig{
			Addr:        resultBusAddr,
			Password:    resultBusPassword,
			DB:          resultBusDB,
			Connections: connections,
			Host:        host,
		},
		Storage: config.StorageConfig{
			Endpoint: storageEndpoint,
			Keyspace: keyspace,
		},
		Tunables: config.Tunables{
			MaxTasks:     maxTasks,
			MaxSlice:     maxSlice,
			MaxPipelines: maxPipelines,
			MaxRows:      maxRows,
		},
	}
	if err := cfg.Tunables.Validate(); err != nil {
		return nil, "", fmt.Errorf("validate tunables: %w", err)
	}
	return cfg, metricsAddr, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config, metricsAddr string) error {
	cfgStore := config.NewMemory(cfg)
	loaded, err := cfgStore.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	engine, err := openStorageEngine(ctx, loaded.Storage)
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}

	logger.Info("connecting to result bus", "addr", loaded.ResultBus.Addr, "host", loaded.ResultBus.Host, "connections", loaded.ResultBus.Connections)
	bus, err := resultbus.New(resultbus.Config(loaded.ResultBus), logger)
	if err != nil {
		return fmt.Errorf("construct result bus: %w", err)
	}
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("start result bus: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := jobserver.NewMetrics(reg)
	if metricsAddr != "" {
		serveMetrics(logger, metricsAddr, reg)
	}

	coord := jobserver.New(bus, engine, loaded.Tunables, logger, metrics)
	logger.Info("starting job server",
		"max_tasks", loaded.Tunables.MaxTasks,
		"max_slice", loaded.Tunables.MaxSlice,
		"max_pipelines", loaded.Tunables.MaxPipelines,
		"max_rows", loaded.Tunables.MaxRows,
	)
	if err := coord.Start(ctx); err != nil {
		return fmt.Errorf("start job server: %w", err)
	}

	<-ctx.Done()

	logger.Info("shutting down job server")
	if err := coord.Stop(); err != nil {
		logger.Error("job server stop error", "error", err)
	}
	if err := bus.Stop(); err != nil {
		logger.Error("result bus stop error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// openStorageEngine opens the configured storage engine. Only the in-memory
// engine is wired up today (internal/qe/storage.Memory); a non-empty
// Endpoint is rejected rather than silently ignored.
func openStorageEngine(ctx context.Context, sc config.StorageConfig) (storage.Engine, error) {
	if sc.Endpoint != "" {
		return nil, fmt.Errorf("storage endpoint %q: no storage-engine driver registered for non-empty endpoints yet", sc.Endpoint)
	}
	eng := storage.NewMemory()
	if err := eng.Init(ctx, sc.Keyspace); err != nil {
		return nil, err
	}
	return eng, nil
}

func serveMetrics(logger *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
}
