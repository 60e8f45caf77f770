package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loykin/carte"
	"github.com/spf13/cobra"
)

func createServeCommand() *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the carte server",
		Long: `Start the carte server. Without a config file the defaults apply:
listen on :8081 under /kettle with no authentication.

Examples:
  carte serve
  carte serve carte.toml
  carte serve carte.toml --daemonize --logfile=carte.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, args)
		},
	}
	cmd.Flags().BoolVar(&flags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&flags.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags, args []string) error {
	cfg := carte.DefaultConfig()
	if len(args) > 0 {
		var err error
		if cfg, err = carte.LoadConfig(args[0]); err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
	}
	if flags.Daemonize {
		return daemonize(flags.LogFile)
	}

	srv, err := carte.NewServer(cfg, carte.Options{})
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.Run(ctx)
}
