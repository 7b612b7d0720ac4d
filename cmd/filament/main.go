// Command filament is the host process: it loads a manifest, spawns the
// described process tree and drives the kernel until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/najoast/filament/engine/goscript"
	"github.com/najoast/filament/engine/native"
	"github.com/najoast/filament/kernel"
	"github.com/najoast/filament/manifest"
	"github.com/najoast/filament/persist"
)

func main() {
	root := &cobra.Command{
		Use:          "filament",
		Short:        "Deterministic event-sourced partitioning kernel",
		SilenceUsage: true,
	}
	root.AddCommand(runCmd(), checkCmd(), archiveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		archivePath string
		watch       bool
		debug       bool
	)
	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Spawn the manifest's process and drive the kernel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := kernel.Options{Logger: logger}
			if archivePath != "" {
				archive, err := persist.Open(archivePath)
				if err != nil {
					return err
				}
				defer archive.Close()
				opts.Archive = archive
			}

			k := kernel.New(opts)
			k.RegisterEngine(native.New())
			k.RegisterEngine(goscript.New())

			m, err := manifest.LoadFile(args[0])
			if err != nil {
				return err
			}
			spec, err := m.SpawnSpec()
			if err != nil {
				return err
			}
			pid, err := k.Spawn(0, spec)
			if err != nil {
				return err
			}
			logger.Info("process spawned", zap.Uint64("pid", pid))

			if watch {
				w, err := manifest.NewWatcher(args[0], logger)
				if err != nil {
					return err
				}
				w.OnChange(func(_, m *manifest.Manifest) {
					spec, err := m.SpawnSpec()
					if err != nil {
						logger.Warn("updated manifest rejected", zap.Error(err))
						return
					}
					if err := k.Terminate(pid); err != nil {
						logger.Warn("terminating previous process", zap.Error(err))
					}
					newPID, err := k.Spawn(0, spec)
					if err != nil {
						logger.Error("respawn failed", zap.Error(err))
						return
					}
					pid = newPID
					logger.Info("process respawned", zap.Uint64("pid", pid))
				})
				if err := w.Start(); err != nil {
					return err
				}
				defer w.Stop()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := k.Run(ctx); err != nil {
				return err
			}
			return k.Shutdown()
		},
	}
	cmd.Flags().StringVar(&archivePath, "archive", "", "sqlite file receiving committed events")
	cmd.Flags().BoolVar(&watch, "watch", false, "respawn when the manifest changes")
	cmd.Flags().BoolVar(&debug, "debug", false, "verbose logging")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <manifest>",
		Short: "Validate a manifest without spawning anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := manifest.LoadFile(args[0])
			if err != nil {
				return err
			}
			spec, err := m.SpawnSpec()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d module(s), %d channel(s), policy %s\n",
				len(spec.Args.Modules), len(spec.Channels), spec.Args.Policy)
			return nil
		},
	}
}

func archiveCmd() *cobra.Command {
	var pid uint64
	cmd := &cobra.Command{
		Use:   "archive <db>",
		Short: "List archived events for a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := persist.Open(args[0])
			if err != nil {
				return err
			}
			defer a.Close()
			events, err := a.Events(pid)
			if err != nil {
				return err
			}
			for _, rec := range events {
				fmt.Fprintf(cmd.OutOrStdout(), "%6d  virt=%-8d %-40s %d bytes\n",
					rec.Header.ID, rec.Header.VirtTime, rec.Topic, len(rec.Payload))
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&pid, "pid", 1, "process id to list")
	return cmd
}

func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
