// Command cloudmountd mounts a remote object store as a local POSIX
// filesystem: it wires together the durable store, the on-disk cache,
// the remote client, the FUSE adapter and the sync engine, and drives
// them until the mount is torn down.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloudmount/cloudmount/internal/cache"
	"github.com/cloudmount/cloudmount/internal/config"
	"github.com/cloudmount/cloudmount/internal/fuse"
	"github.com/cloudmount/cloudmount/internal/metrics"
	"github.com/cloudmount/cloudmount/internal/model"
	"github.com/cloudmount/cloudmount/internal/remote"
	"github.com/cloudmount/cloudmount/internal/store"
	"github.com/cloudmount/cloudmount/internal/syncengine"
	"github.com/cloudmount/cloudmount/pkg/health"
	"github.com/cloudmount/cloudmount/pkg/logging"
	"github.com/cloudmount/cloudmount/pkg/status"
)

const tickInterval = 2 * time.Second

var (
	cfgFile    string
	mountPoint string
	dbPath     string
	cacheDir   string
	bucket     string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cloudmountd",
		Short: "Mount a remote object store as a local filesystem",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	root.AddCommand(newMountCmd(), newStatusCmd(), newConfigCmd())
	return root
}

func loadConfig() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if cfgFile != "" {
		if err := cfg.LoadFromFile(cfgFile); err != nil {
			return nil, err
		}
	}
	if mountPoint != "" {
		cfg.Drive.MountPoint = mountPoint
	}
	if dbPath != "" {
		cfg.Drive.DBPath = dbPath
	}
	if cacheDir != "" {
		cfg.Drive.CacheDir = cacheDir
	}
	if bucket != "" {
		cfg.Remote.S3.Bucket = bucket
	}
	return cfg, nil
}

func newMountCmd() *cobra.Command {
	var appleID, cookieDir string
	cmd := &cobra.Command{
		Use:   "mount",
		Short: "Mount the drive and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if appleID != "" {
				cfg.Drive.AccountID = appleID
			}
			if cookieDir != "" {
				cfg.Drive.CookieDir = cookieDir
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runMount(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&appleID, "apple-id", "", "account identifier for the remote session")
	cmd.Flags().StringVar(&cookieDir, "cookie-dir", "", "directory holding the remote session's cookies")
	cmd.Flags().StringVar(&mountPoint, "mount-point", "", "local directory to mount on")
	cmd.Flags().StringVar(&dbPath, "db-path", "", "path to the local state database")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "directory for cached file content")
	cmd.Flags().StringVar(&bucket, "bucket", "", "remote bucket name")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the queue depth and oldest pending age from the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Drive.DBPath == "" {
				return fmt.Errorf("drive.db_path (--db-path) is required")
			}
			st, err := store.Open(cfg.Drive.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			depth, err := st.CountPendingOrProcessing(cmd.Context())
			if err != nil {
				return fmt.Errorf("count pending actions: %w", err)
			}
			age, err := st.OldestPendingAge(cmd.Context())
			if err != nil {
				return fmt.Errorf("oldest pending age: %w", err)
			}
			fmt.Printf("pending_or_processing: %d\n", depth)
			fmt.Printf("oldest_pending_age_seconds: %d\n", age)
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile == "" {
				return fmt.Errorf("--config is required")
			}
			return config.NewDefault().SaveToFile(cfgFile)
		},
	}
	return cmd
}

func runMount(ctx context.Context, cfg *config.Configuration) error {
	logging.Init(logging.Config{Level: cfg.Global.LogLevel, JSONOutput: true})
	logger := logging.Component("cloudmountd")

	st, err := store.Open(cfg.Drive.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cacheLayer, err := cache.New(st, cfg.Drive.CacheDir, cfg.Drive.ChunkSize, cfg.Drive.PartialThreshold)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	remoteClient, err := remote.Build(ctx, cfg.Remote)
	if err != nil {
		return fmt.Errorf("build remote client: %w", err)
	}

	engine := syncengine.New(st, cacheLayer, remoteClient, cfg.Drive, cfg.Network)

	healthTracker := health.NewTracker(health.DefaultConfig())
	healthTracker.RegisterComponent("remote")
	engine.AttachHealth(healthTracker)

	opsTracker := status.NewTracker(status.TrackerConfig{HealthTracker: healthTracker})
	engine.AttachStatus(opsTracker)
	opsTracker.AttachEngineProbe(func(ctx context.Context) (int, int64, string, error) {
		engineStatus, err := engine.Status(ctx)
		if err != nil {
			return 0, 0, "", err
		}
		return engineStatus.QueuePendingOrProcessing, engineStatus.OldestPendingAgeSeconds, engineStatus.SessionState, nil
	})

	collector, err := newMetricsCollector(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("build metrics collector: %w", err)
	}
	engine.AttachMetrics(collector)
	st.AttachFoldMetrics(collector.RecordCoalesceFold)
	collector.AttachStatusProvider(func(ctx context.Context) (interface{}, error) {
		return opsTracker.GetSystemStatus(ctx)
	})
	if err := collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}
	defer func() { _ = collector.Stop(context.Background()) }()

	m := model.New(st)
	fsys := fuse.New(m, cacheLayer, &cfg.Drive)
	fsys.AttachMetrics(collector)

	mgr := fuse.NewMountManager(fsys, cfg.Drive.MountPoint, fuse.MountOptions{FSName: "cloudmount"})
	if err := mgr.Mount(); err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go engine.Run(ctx, tickInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutting down")
		_ = mgr.Unmount()
		cancel()
	}()

	mgr.Wait()
	return nil
}

func newMetricsCollector(cfg config.MetricsConfig) (*metrics.Collector, error) {
	mc := &metrics.Config{
		Enabled:   cfg.Enabled,
		Namespace: "cloudmount",
		Path:      "/metrics",
	}
	if cfg.Enabled {
		_, portStr, err := net.SplitHostPort(cfg.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse metrics.addr %q: %w", cfg.Addr, err)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("parse metrics.addr port %q: %w", portStr, err)
		}
		mc.Port = port
	}
	return metrics.NewCollector(mc)
}
