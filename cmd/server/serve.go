package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/stall-market/internal/adapter/handler"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the rent billing engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return opts.withApp(ctx, serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	if a.cfg.JWTSecret == "" {
		return errors.New("MARKET_JWT_SECRET is not set")
	}
	logger := a.logger

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start billing: %w", err)
	}
	logger.Printf("billing every %s after %s warm-up", a.cfg.Billing.TickInterval, a.cfg.Billing.WarmUp)

	grpcServer, healthServer := handler.NewGRPCServer(
		handler.NewGRPCHandler(a.coordinator, a.negotiator, a.hub, logger), a.auth)
	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.GRPCAddr, err)
	}

	httpServer := &http.Server{
		Addr:    a.cfg.HTTPAddr,
		Handler: handler.NewHTTPHandler(a.coordinator, a.negotiator, a.hub, a.auth, logger).Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Printf("gRPC server listening on %s", a.cfg.GRPCAddr)
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Printf("HTTP server listening on %s", a.cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Println("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Billing.StopTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown: %v", err)
		}
		logger.Println("HTTP server stopped")

		healthServer.Shutdown()
		grpcServer.GracefulStop()
		logger.Println("gRPC server stopped")

		if err := a.engine.Stop(shutdownCtx); err != nil {
			logger.Printf("billing stop: %v", err)
		}
		logger.Println("billing stopped")
		return nil
	})
	return g.Wait()
}
