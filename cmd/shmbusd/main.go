// Command shmbusd runs the shmbus broker process.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to the broker via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"shmbus/internal/broker"
	"shmbus/internal/config"
	"shmbus/internal/control"
	"shmbus/internal/home"
	"shmbus/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "shmbusd",
		Short: "Zero-copy shared-memory pub/sub broker",
	}
	rootCmd.PersistentFlags().String("home", "", "home directory (default: platform config dir)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			homeFlag, _ := cmd.Flags().GetString("home")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			return run(ctx, logger, homeFlag)
		},
	}

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

func run(ctx context.Context, logger *slog.Logger, homeFlag string) error {
	hd, err := resolveHome(homeFlag)
	if err != nil {
		return fmt.Errorf("resolve home directory: %w", err)
	}
	if err := hd.EnsureExists(); err != nil {
		return err
	}
	logger.Info("home directory", "path", hd.Root())

	store := config.NewStore(hd.ConfigPath())
	cfgMgr, err := ensureConfig(logger, store)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfgMgr.Close()

	if err := cfgMgr.Watch(); err != nil {
		logger.Warn("config hot-reload unavailable", "error", err)
	}

	socketPath := hd.BrokerSocketPath()
	os.Remove(socketPath) // stale socket from a prior, uncleanly stopped run

	listener, err := control.ListenUnix(socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	logger.Info("listening", "socket", socketPath)

	b, err := broker.NewBroker(cfgMgr, listener, broker.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build broker: %w", err)
	}

	logger.Info("starting broker")
	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	logger.Info("broker started")

	<-ctx.Done()

	logger.Info("stopping broker")
	if err := b.Stop(); err != nil {
		logger.Error("broker stop error", "error", err)
	}
	if err := b.Close(); err != nil {
		logger.Error("broker close error", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// ensureConfig loads the broker's config, bootstrapping a minimal default
// file on first run rather than treating a fresh install as an error.
func ensureConfig(logger *slog.Logger, store *config.Store) (*config.Manager, error) {
	cfg, err := store.Load()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		logger.Info("no config found, bootstrapping default configuration", "path", store.Path())
		if err := store.Save(defaultConfig()); err != nil {
			return nil, fmt.Errorf("bootstrap config: %w", err)
		}
	}
	return config.NewManager(store, logger)
}

// defaultConfig is the minimal geometry a fresh install starts with: one
// "default" access group with three payload tiers (256 B, 4 KiB, 64 KiB)
// and a 128-record management pool, sized generously enough for a first
// publisher/subscriber pair to talk over immediately.
func defaultConfig() config.Config {
	return config.Config{
		AccessGroups: []config.AccessGroupConfig{
			{
				Name: "default",
				Pools: []config.PoolSpec{
					{Size: 256, Count: 64},
					{Size: 4096, Count: 32},
					{Size: 65536, Count: 8},
				},
				ManagementPoolCount: 128,
			},
		},
		DiscoveryIntervalMs:  1000,
		KeepAliveThresholdMs: 5000,
		PortPoolCapacity:     256,
		MaxPublishers:        128,
		MaxSubscribers:       256,
	}
}

// resolveHome returns a Dir from the flag value, or the platform default.
func resolveHome(flagValue string) (home.Dir, error) {
	if flagValue != "" {
		return home.New(flagValue), nil
	}
	return home.Default()
}
