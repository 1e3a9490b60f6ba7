package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cochaviz/hvd/internal/attachments"
	"github.com/cochaviz/hvd/internal/command"
	"github.com/cochaviz/hvd/internal/daemon"
	"github.com/cochaviz/hvd/internal/events"
	"github.com/cochaviz/hvd/internal/metrics"
	"github.com/cochaviz/hvd/internal/netconf"
	"github.com/cochaviz/hvd/internal/network"
	"github.com/cochaviz/hvd/internal/storage"
	"github.com/cochaviz/hvd/internal/store"
	"github.com/cochaviz/hvd/internal/vm"
)

func newServeCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon on its control socket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			logger := state.logger

			backend := cfg.Backend()
			if err := storage.Init(ctx, backend); err != nil {
				return err
			}
			st := store.New(cfg.Storage.Root)
			collectors := metrics.New()

			netd := netconf.NewClient(cfg.Netd.Socket, logger)
			netd.Timeout = cfg.Netd.Timeout
			netd.Observer = collectors
			if !netd.CheckAvailability(ctx) {
				logger.Warn("netd unavailable, network operations fail until it is reachable", "socket", cfg.Netd.Socket)
			}

			registry, err := attachments.Open(cfg.AttachmentsPath())
			if err != nil {
				return err
			}
			defer registry.Close()

			var publisher events.Publisher = events.Nop{}
			if cfg.Events.NATSURL != "" {
				nats, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger)
				if err != nil {
					logger.Warn("lifecycle events disabled", "error", err)
				} else {
					defer nats.Close()
					publisher = nats
				}
			}

			supervisor, err := vm.NewProcessSupervisor(cfg.VM.Command)
			if err != nil {
				return fmt.Errorf("guest command: %w", err)
			}

			networks := network.NewManager(st, backend, netd, registry, logger)
			networks.Events = publisher
			networks.Recorder = collectors

			vms := vm.NewManager(st, backend, supervisor, logger)
			vms.Taps = networks
			vms.Events = publisher
			vms.Recorder = collectors
			vms.StopGrace = cfg.VM.StopGrace

			dispatcher := command.NewDispatcher(vms, networks, logger)
			dispatcher.Observer = collectors

			mode, err := cfg.FileMode()
			if err != nil {
				return err
			}
			server := daemon.NewServer(cfg.Socket, mode, dispatcher, logger)
			server.Observer = collectors
			if err := server.Listen(); err != nil {
				return err
			}

			if cfg.Metrics.Listen != "" {
				go func() {
					if err := collectors.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
						logger.Error("metrics endpoint failed", "error", err)
					}
				}()
			}

			logger.Info("starting daemon", "socket", cfg.Socket, "storage", cfg.Storage.Driver, "root", cfg.Storage.Root)
			return server.Serve(ctx)
		},
	}
}

func newInitCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the storage layout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			if err := storage.Init(cmd.Context(), cfg.Backend()); err != nil {
				return err
			}
			state.logger.Info("storage initialized", "driver", cfg.Storage.Driver, "root", cfg.Storage.Root)
			return nil
		},
	}
}
