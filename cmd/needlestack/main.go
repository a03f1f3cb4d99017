// needlestack is an immutable photo blob store: append-only needle volumes
// behind a replicated directory, cache, and gateway tier.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/needlestack/needlestack/internal/cache"
	"github.com/needlestack/needlestack/internal/config"
	"github.com/needlestack/needlestack/internal/directory"
	"github.com/needlestack/needlestack/internal/feature"
	"github.com/needlestack/needlestack/internal/gateway"
	"github.com/needlestack/needlestack/internal/store"
	"github.com/needlestack/needlestack/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	logLevel string

	// Service mode flags (hidden, used when running as a service)
	serviceRun  bool
	serviceRole string
)

func main() {
	// Check if running as a service (invoked by service manager)
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	rootCmd := &cobra.Command{
		Use:   "needlestack",
		Short: "Needlestack - immutable photo blob store",
		Long: `Needlestack stores billions of small immutable photos in append-only
needle volumes. A deployment runs four kinds of processes:

  store      a machine hosting physical volume logs
  directory  a placement directory replica
  cache      one shard of the read-through cache tier
  gateway    the public HTTP API and fan-out coordinator

Each role reads its own YAML config:

  needlestack store     --config /etc/needlestack/store.yaml
  needlestack directory --config /etc/needlestack/directory.yaml
  needlestack cache     --config /etc/needlestack/cache.yaml
  needlestack gateway   --config /etc/needlestack/gateway.yaml

To install a role as a system service:

  needlestack service install store`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")

	// Hidden service mode flags (used when running as a service)
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	rootCmd.PersistentFlags().StringVar(&serviceRole, "service-role", "", "Service role (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")
	_ = rootCmd.PersistentFlags().MarkHidden("service-role")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "store",
		Short: "Run a store machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(runStore)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "directory",
		Short: "Run a directory replica",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(runDirectory)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "cache",
		Short: "Run a cache shard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(runCache)
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "gateway",
		Short: "Run the public gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithSignals(runGateway)
		},
	})

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("needlestack %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Build Time: %s\n", BuildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.AddCommand(newServiceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// setupServiceLogging configures logging when running under a service
// manager. This writes directly to a file because launchd/kardianos-service
// may not properly redirect stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logPath := "/var/log/needlestack-service.log"
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}

	multi := io.MultiWriter(logFile, os.Stderr)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: multi, TimeFormat: time.RFC3339})
}

// runWithSignals runs a role until SIGINT or SIGTERM.
func runWithSignals(run svc.RunFunc) error {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return run(ctx, cfgFile)
}

// newRegistry builds a per-process metrics registry with the standard
// process and Go runtime collectors attached.
func newRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// serveHTTP runs an HTTP server until the context is cancelled, then
// drains it.
func serveHTTP(ctx context.Context, listen string, handler http.Handler) error {
	srv := &http.Server{
		Addr:        listen,
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func runStore(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = svc.DefaultConfigPath(svc.RoleStore)
	}
	cfg, err := config.LoadStoreConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	registry := newRegistry()
	st, err := store.Open(cfg.DataDir, cfg.MaxPayload.Bytes(), store.InitMetrics(registry))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("data_dir", cfg.DataDir).
		Msg("store machine starting")
	return serveHTTP(ctx, cfg.Listen, store.NewServer(st, registry).Handler())
}

func runDirectory(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = svc.DefaultConfigPath(svc.RoleDirectory)
	}
	cfg, err := config.LoadDirectoryConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var extractor feature.Extractor
	switch cfg.Extractor.Mode {
	case "remote":
		extractor = feature.NewRemote(cfg.Extractor.URL, 30*time.Second)
	default:
		extractor = feature.ByteDistribution{}
	}

	registry := newRegistry()
	dir := directory.New(directory.Topology{
		LogicalVolumes:    cfg.Cluster.LogicalVolumes,
		ReplicasPerVolume: cfg.Cluster.ReplicasPerVolume,
		Machines:          cfg.Cluster.Machines(),
		CacheShards:       cfg.Cluster.CacheShards(),
	}, extractor, directory.InitMetrics(registry))

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Int("logical_volumes", cfg.Cluster.LogicalVolumes).
		Int("machines", cfg.Cluster.Machines()).
		Msg("directory replica starting")
	return serveHTTP(ctx, cfg.Listen, directory.NewServer(dir, cfg.Cluster.BatchSize, registry).Handler())
}

func runCache(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = svc.DefaultConfigPath(svc.RoleCache)
	}
	cfg, err := config.LoadCacheConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	storeTimeout, err := cfg.StoreTimeoutDuration()
	if err != nil {
		return err
	}

	var backend cache.Backend
	switch cfg.Backend {
	case "redis":
		backend = cache.NewRedisBackend(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	default:
		backend = cache.NewMemoryBackend()
	}

	registry := newRegistry()
	cache.InitMetrics(registry)
	c := cache.New(backend)
	defer func() { _ = c.Close() }()

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Str("backend", cfg.Backend).
		Msg("cache shard starting")
	return serveHTTP(ctx, cfg.Listen, cache.NewServer(c, storeTimeout, registry).Handler())
}

func runGateway(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = svc.DefaultConfigPath(svc.RoleGateway)
	}
	cfg, err := config.LoadGatewayConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	timeout, err := cfg.TimeoutDuration()
	if err != nil {
		return err
	}

	registry := newRegistry()
	gateway.InitMetrics(registry)
	coord, err := gateway.NewCoordinator(gateway.Options{
		DirectoryURLs:      cfg.Cluster.DirectoryURLs,
		CacheURLs:          cfg.Cluster.CacheURLs,
		MachineURLs:        cfg.Cluster.MachineURLs,
		BatchSize:          cfg.Cluster.BatchSize,
		CandidateThreshold: cfg.Cluster.CandidateThreshold,
		WriteRate:          rate.Limit(cfg.WriteRate),
		WriteBurst:         cfg.WriteBurst,
		Timeout:            timeout,
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("version", Version).
		Str("listen", cfg.Listen).
		Int("directories", len(cfg.Cluster.DirectoryURLs)).
		Int("cache_shards", cfg.Cluster.CacheShards()).
		Msg("gateway starting")
	return serveHTTP(ctx, cfg.Listen, gateway.NewServer(coord, registry).Handler())
}

// runnerForRole maps a role name to its run function.
func runnerForRole(role string) (svc.RunFunc, error) {
	switch role {
	case svc.RoleStore:
		return runStore, nil
	case svc.RoleDirectory:
		return runDirectory, nil
	case svc.RoleCache:
		return runCache, nil
	case svc.RoleGateway:
		return runGateway, nil
	}
	return nil, fmt.Errorf("unknown role: %s", role)
}
