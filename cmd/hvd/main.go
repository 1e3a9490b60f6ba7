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

	"github.com/cochaviz/hvd/internal/config"
	"github.com/cochaviz/hvd/internal/logging"
)

const defaultLogLevel = "info"

var version = "dev"

// errCommandFailed marks a daemon response that reported an error. The
// response itself has already been printed.
var errCommandFailed = errors.New("command failed")

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		switch {
		case errors.Is(err, errCommandFailed):
			os.Exit(1)
		case errors.Is(err, context.Canceled):
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// cli carries the state shared by all subcommands.
type cli struct {
	logger     *slog.Logger
	levelVar   *slog.LevelVar
	configPath string
	logLevel   string
	levelFlag  bool
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	state := &cli{logger: logger, levelVar: levelVar, logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "hvd",
		Short:         "Hypervisor management daemon and control client",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&state.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&state.configPath, "config", config.DefaultPath, "Path to the daemon configuration file")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(state.logLevel)
		if err != nil {
			return err
		}
		state.levelFlag = cmd.Flags().Changed("log-level")
		if state.levelVar != nil {
			state.levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newServeCommand(state),
		newInitCommand(state),
		newExecCommand(state),
		newShellCommand(state),
		newVersionCommand(),
	)
	return root
}

// loadConfig reads the configuration file, applies HVD_* overrides and
// validates the result. The log section reconfigures the logger unless
// --log-level was given explicitly.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(nil)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	flagLevel := c.levelVar.Level()
	c.logger = cfg.Logger(c.levelVar)
	if c.levelFlag {
		c.levelVar.Set(flagLevel)
	}
	slog.SetDefault(c.logger)
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hvd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "hvd "+version)
		},
	}
}
