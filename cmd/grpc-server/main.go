package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"chapterhub/internal/app"
	"chapterhub/pkg/utils"
)

func main() {
	var configFlag string

	cmd := &cobra.Command{
		Use:           "chapterhub-grpc",
		Short:         "Serve ChapterService over gRPC only",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFlag)
		},
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func run(parent context.Context, configPath string) error {
	cm, err := utils.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg := cm.Get()

	logger, err := utils.NewLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Error("close", "err", err)
		}
	}()

	cm.OnChange(a.ApplyConfig)
	cm.Watch(func(err error) { logger.Warn("config reload rejected", "err", err) })

	go a.Leases.RunSweeper(ctx, cfg.Lease.SweepInterval)

	ln, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	gs := a.GRPCServer()
	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
	if err := gs.Serve(ln); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
