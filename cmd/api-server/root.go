package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"chapterhub/internal/app"
	chsync "chapterhub/internal/sync"
	"chapterhub/pkg/utils"
)

func newRootCommand() *cobra.Command {
	var (
		configFlag string
		noGRPC     bool
	)

	cmd := &cobra.Command{
		Use:           "chapterhub-api",
		Short:         "HTTP, WebSocket/TCP sync, UDP notify and gRPC front end for chapter editing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configFlag, !noGRPC)
		},
	}
	cmd.Flags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	cmd.Flags().BoolVar(&noGRPC, "no-grpc", false, "Do not serve gRPC alongside HTTP")
	return cmd
}

func run(parent context.Context, configPath string, withGRPC bool) error {
	if parent == nil {
		parent = context.Background()
	}
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
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	cm.OnChange(a.ApplyConfig)
	cm.Watch(func(err error) { logger.Warn("config reload rejected", "err", err) })

	httpSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	tcpSrv := chsync.NewServer(cfg.Sync.Addr, a.Hub)

	errCh := make(chan error, 4)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tcpSrv.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Notify.Run(ctx); err != nil {
			errCh <- err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.Leases.RunSweeper(ctx, cfg.Lease.SweepInterval)
	}()

	if withGRPC {
		gs := a.GRPCServer()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ln, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				errCh <- err
				return
			}
			logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
			if err := gs.Serve(ln); err != nil {
				errCh <- err
			}
		}()
		go func() {
			<-ctx.Done()
			gs.GracefulStop()
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("http listening", "addr", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server error", "err", runErr)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	wg.Wait()

	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("close", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("servers stopped")
	return runErr
}
