package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/hvd/internal/daemon"
	"github.com/cochaviz/hvd/internal/logging"
	"github.com/cochaviz/hvd/internal/netconf"
	"github.com/cochaviz/hvd/internal/netd"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger, &levelVar).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		logger.Error("netd failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		socketPath string
		namespace  string
		logLevel   string
		dryRun     bool
	)

	cmd := &cobra.Command{
		Use:           "netd",
		Short:         "Reference network daemon applying bridge, tap and route documents",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			levelVar.Set(level)

			var applier netd.Applier = netd.LogApplier{Logger: logger}
			if !dryRun {
				links, err := netd.NewLinkApplier(namespace, logger)
				if err != nil {
					return fmt.Errorf("open netlink: %w", err)
				}
				defer links.Close()
				applier = links
			}

			server := daemon.NewServer(socketPath, 0o600, netd.NewHandler(applier, logger), logger)
			server.MaxRequest = netconf.RenderCapacity + 1
			logger.Info("starting netd", "socket", socketPath, "netns", namespace, "dry_run", dryRun)
			return server.Serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", netconf.DefaultSocketPath, "Path to the netd socket")
	cmd.Flags().StringVar(&namespace, "netns", "", "Named network namespace to configure")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Set log verbosity (debug, info, warning, error)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Log documents instead of applying them")
	return cmd
}
