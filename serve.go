package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"node.town/livespeak/config"
	"node.town/livespeak/stt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session engine",
	Long:  `Serve accepts test sessions over a websocket at /ws and runs the expiry sweeper until interrupted.`,
	Run:   runServe,
}

func runServe(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Fatal("load config", "error", err)
	}
	closeLog, err := openLogFile(cfg.LogFile)
	if err != nil {
		logger.Fatal("open log file", "error", err)
	}
	defer closeLog()
	logs := createLoggers(cfg.LogLevel)
	a := newApp(cfg, logs, stt.MockOptions{})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logs.main.Info(
		"starting",
		"addr", cfg.HTTP.Addr,
		"provider", cfg.Session.Provider,
		"providers", a.catalog.Modes(),
		"budget", cfg.Session.TimeBudget,
		"idle", cfg.Session.IdleTimeout,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Serve(gctx, cfg.HTTP.Addr)
	})
	g.Go(func() error {
		return a.sweeper.Run(gctx)
	})
	err = g.Wait()

	a.engine.Shutdown(context.Background())
	a.server.CloseConnections()
	if err != nil {
		logs.main.Fatal("serve", "error", err)
	}
	logs.main.Info("bye")
}
