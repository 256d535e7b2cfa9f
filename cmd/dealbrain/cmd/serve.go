package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dealbrain/dealbrain/internal/core/api"
	"github.com/dealbrain/dealbrain/internal/core/auth"
	"github.com/dealbrain/dealbrain/internal/core/config"
	"github.com/dealbrain/dealbrain/internal/core/server"
)

// Version is the service version reported at startup.
const Version = "0.1.0"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gRPC valuation API and the recalculation worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50051, "gRPC server port")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
	}
	authenticator := auth.NewAuthenticator(secrets, a.store.Queries())

	service, err := api.NewService(api.Deps{
		Store:     a.store,
		Valuation: a.valuation,
		Baseline:  a.baseline,
		Packaging: a.packaging,
		Preview:   a.preview,
		Recalc:    a.queue,
		Cache:     a.cache,
		CacheTTL:  cfg.Cache.TTL,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	grpcServer, err := server.NewGRPCServer(cfg.Server, service, authenticator, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("starting dealbrain", "version", Version, "addr", grpcServer.Addr())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.queue.Run(gctx) })
	g.Go(func() error { return grpcServer.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return grpcServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
