package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mcphub/internal/domain"
	"mcphub/internal/infra/directory"
	"mcphub/internal/infra/host"
	"mcphub/internal/infra/registry"
	"mcphub/internal/infra/telemetry"
)

func newListCmd(opts *cliOptions) *cobra.Command {
	var transport, hosting, accessibility string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := opts.setup(ctx); err != nil {
				return err
			}
			defer opts.teardown(ctx)

			servers := opts.platform.Directory().List(directory.Filter{
				Transport:     domain.Transport(transport),
				Hosting:       domain.Hosting(hosting),
				Accessibility: domain.Accessibility(accessibility),
			})
			return printServers(servers, opts.jsonOutput)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "filter by transport (stdio, sse, streamable)")
	cmd.Flags().StringVar(&hosting, "hosting", "", "filter by hosting (local, remote)")
	cmd.Flags().StringVar(&accessibility, "accessibility", "", "filter by accessibility (internal, external, both)")
	return cmd
}

func newDiscoverCmd(opts *cliOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "discover [server]",
		Short: "Discover tool/resource/prompt capabilities",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := opts.setup(ctx); err != nil {
				return err
			}
			defer opts.teardown(ctx)
			defer opts.persist()

			caps := opts.platform.Capabilities()
			if len(args) == 1 {
				result := caps.DiscoverCapabilities(ctx, args[0], force)
				if err := printDiscovery(result, opts.jsonOutput); err != nil {
					return err
				}
				if result.Status == registry.StatusError {
					return exitWithMessage(1, "discovery failed")
				}
				return nil
			}

			result := caps.DiscoverAll(ctx, force)
			if err := printDiscoverAll(result, opts.jsonOutput); err != nil {
				return err
			}
			if result.Discovered == 0 && result.Failed > 0 {
				return exitWithMessage(1, "all servers failed discovery")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "bypass the capability cache")
	return cmd
}

func newSearchCmd(opts *cliOptions) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search cached tools by name or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := opts.setup(ctx); err != nil {
				return err
			}
			defer opts.teardown(ctx)

			if refresh {
				opts.platform.Capabilities().DiscoverAll(ctx, false)
				opts.persist()
			}
			return printToolHits(opts.platform.SearchTools(args[0]), opts.jsonOutput)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "run discovery before searching")
	return cmd
}

func newInvokeCmd(opts *cliOptions) *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "invoke <server> <tool>",
		Short: "Invoke a tool on a server",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := opts.setup(ctx); err != nil {
				return err
			}
			defer opts.teardown(ctx)

			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			result := opts.platform.InvokeTool(ctx, args[0], args[1], toolArgs)
			if err := writeJSON(result); err != nil {
				return err
			}
			if result.Status == registry.StatusError {
				return exitWithMessage(1, "invocation failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "tool arguments as a JSON object")
	return cmd
}

func newHostEchoCmd(opts *cliOptions) *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "host-echo",
		Short: "Host a demo echo tool and block until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := opts.setup(ctx); err != nil {
				return err
			}
			defer opts.teardown(context.Background())

			handle, err := opts.platform.RegisterPlatformTool(ctx, "echo",
				func(_ context.Context, args map[string]any) (any, error) {
					if msg, ok := args["message"].(string); ok {
						return msg, nil
					}
					return args, nil
				},
				host.FunctionOptions{Port: port, Description: "echoes its message argument"},
			)
			if err != nil {
				return err
			}

			fmt.Printf("hosting echo at %s\n", handle.URL)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (0 picks a free port)")
	return cmd
}

func newLoginCmd(opts *cliOptions) *cobra.Command {
	var scopes []string

	cmd := &cobra.Command{
		Use:   "login <resource-url>",
		Short: "Run the authorization flow for a protected resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := opts.setup(ctx); err != nil {
				return err
			}
			defer opts.teardown(ctx)

			if err := opts.platform.Login(ctx, args[0], scopes); err != nil {
				return err
			}
			fmt.Println("authorization complete")
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&scopes, "scope", nil, "requested scope (repeatable)")
	return cmd
}

func newServeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub: discover servers, watch the registry file, expose metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := opts.setup(ctx); err != nil {
				return err
			}
			defer opts.teardown(context.Background())
			defer opts.persist()

			if opts.fileStore != nil {
				stopWatch, err := opts.fileStore.Watch(opts.platform.Directory())
				if err != nil {
					return err
				}
				defer stopWatch()
			}

			metricsDone, err := startMetrics(ctx, opts)
			if err != nil {
				return err
			}

			result := opts.platform.Capabilities().DiscoverAll(ctx, false)
			opts.logger.Info("initial discovery complete",
				zap.Int("discovered", result.Discovered),
				zap.Int("failed", result.Failed),
			)
			opts.persist()

			<-ctx.Done()
			if metricsDone != nil {
				<-metricsDone
			}
			return nil
		},
	}
}

// startMetrics runs the /metrics listener in the background and reports its
// shutdown through the returned channel.
func startMetrics(ctx context.Context, opts *cliOptions) (<-chan struct{}, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		err := telemetry.StartHTTPServer(ctx, telemetry.HTTPServerOptions{
			Addr: opts.runtime.MetricsListenAddress,
		}, opts.logger)
		if err != nil {
			opts.logger.Warn("metrics server stopped with error", zap.Error(err))
		}
	}()
	return done, nil
}
