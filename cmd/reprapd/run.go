package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"reprapd/pkg/config"
	"reprapd/pkg/log"
)

func newRunCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the host daemon with the IPC bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.IPC.Listen = listen
			}
			return runDaemon(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "IPC listen address (overrides config)")
	return cmd
}

func runDaemon(parent context.Context, cfg *config.Config) error {
	logger := log.GetLogger("daemon")

	host := newHost(cfg)
	ipcServer := host.newIPCServer(cfg.IPC.Listen)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ipcServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		return ipcServer.Close()
	})

	logger.Info("daemon ready, IPC on %s", cfg.IPC.Listen)
	return g.Wait()
}
