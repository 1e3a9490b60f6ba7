package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cochaviz/hvd/internal/config"
	"github.com/cochaviz/hvd/internal/daemon"
)

type executeFunc func(ctx context.Context, line string) (string, error)

// resolveSocket prefers --socket, then HVD_SOCKET and the config file.
func (c *cli) resolveSocket(flag string) string {
	if path := strings.TrimSpace(flag); path != "" {
		return path
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		c.logger.Debug("using default socket", "error", err)
		return daemon.DefaultSocketPath
	}
	cfg.ApplyEnv(nil)
	return cfg.Socket
}

func newExecCommand(state *cli) *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "exec <command...>",
		Short: "Send one command to the daemon",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(state.resolveSocket(socketPath))
			response, err := client.Execute(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), response)
			if daemon.Failed(response) {
				return errCommandFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "Path to the daemon control socket")
	return cmd
}

func newShellCommand(state *cli) *cobra.Command {
	var socketPath string
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Send commands to the daemon interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client := daemon.NewClient(state.resolveSocket(socketPath))
			return runShell(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), client.Execute)
		},
	}
	cmd.Flags().StringVar(&socketPath, "socket", "", "Path to the daemon control socket")
	return cmd
}

// runShell reads command lines until EOF, quit or exit. Connection failures
// are printed and the loop continues.
func runShell(ctx context.Context, in io.Reader, out io.Writer, execute executeFunc) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "hvd> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		response, err := execute(ctx, line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprint(out, response)
	}
}
