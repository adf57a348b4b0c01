package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcphub/internal/infra/auth"
	"mcphub/internal/infra/catalog"
	"mcphub/internal/infra/directory"
	"mcphub/internal/infra/telemetry"
	"mcphub/internal/platform"
)

type cliOptions struct {
	configPath string
	jsonOutput bool
	verbose    bool

	logger  *zap.Logger
	runtime catalog.RuntimeConfig

	platform  *platform.Registry
	fileStore *directory.FileStore
	storage   auth.TokenStorage
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "mcphubctl",
		Short:         "Manage and query MCP servers through the hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := buildLogger(opts.verbose)
			if err != nil {
				return fmt.Errorf("build logger: %w", err)
			}
			opts.logger = logger
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			_ = opts.logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML config file")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output JSON")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(opts),
		newListCmd(opts),
		newDiscoverCmd(opts),
		newSearchCmd(opts),
		newInvokeCmd(opts),
		newHostEchoCmd(opts),
		newLoginCmd(opts),
	)
	return root
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// setup loads the config file, wires the platform façade, and seeds the
// directory from config and the persisted registry file.
func (opts *cliOptions) setup(ctx context.Context) error {
	cfg := catalog.Config{}
	if opts.configPath != "" {
		loaded, err := catalog.NewLoader(opts.logger).Load(ctx, opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	opts.runtime = cfg.Runtime

	storage, err := buildTokenStorage(cfg.Runtime, opts.logger)
	if err != nil {
		return err
	}
	opts.storage = storage

	opts.platform = platform.New(platform.Options{
		Logger:               opts.logger,
		Metrics:              telemetry.NewPrometheusMetrics(nil),
		TokenStorage:         storage,
		CapabilityTTL:        cfg.Runtime.CapabilityTTL,
		DiscoveryConcurrency: cfg.Runtime.DiscoveryConcurrency,
	})

	for _, server := range cfg.Servers {
		if err := opts.platform.RegisterExternalServer(server); err != nil {
			return err
		}
	}

	if cfg.Runtime.RegistryFile != "" {
		store := directory.NewFileStore(cfg.Runtime.RegistryFile, opts.logger)
		persisted, snapshots, err := store.Load()
		if err != nil {
			return err
		}
		for _, server := range persisted {
			if err := opts.platform.RegisterExternalServer(server); err != nil {
				opts.logger.Warn("persisted server rejected",
					zap.String("server", server.Name), zap.Error(err))
			}
		}
		for name, snap := range snapshots {
			opts.platform.Capabilities().SeedSnapshot(name, snap)
		}
		opts.fileStore = store
	}
	return nil
}

func buildTokenStorage(runtime catalog.RuntimeConfig, logger *zap.Logger) (auth.TokenStorage, error) {
	if runtime.TokenStorePath == "" {
		return auth.NewMemoryStorage(), nil
	}
	if runtime.TokenStorePassphrase != "" {
		return auth.NewEncryptedStorage(runtime.TokenStorePath,
			auth.DeriveStorageKey(runtime.TokenStorePassphrase), logger)
	}
	return auth.NewBoltStorage(runtime.TokenStorePath)
}

func (opts *cliOptions) teardown(ctx context.Context) {
	if opts.platform != nil {
		if err := opts.platform.Close(ctx); err != nil {
			opts.logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}
	if closer, ok := opts.storage.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// persist saves the directory plus capability snapshots when a registry
// file is configured.
func (opts *cliOptions) persist() {
	if opts.fileStore == nil {
		return
	}
	configs := opts.platform.Directory().List(directory.Filter{})
	snapshots := opts.platform.Capabilities().Snapshots()
	if err := opts.fileStore.Save(configs, snapshots); err != nil {
		opts.logger.Warn("persist registry failed", zap.Error(err))
	}
}
