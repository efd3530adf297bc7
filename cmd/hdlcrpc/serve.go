package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"hdlc-rpc/channel"
	"hdlc-rpc/metrics"
	"hdlc-rpc/registry"
	"hdlc-rpc/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		advertise string
		weight    int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the demo echo device on the configured endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := []server.Option{
				server.WithLogger(logger),
				server.WithRPCAddress(cfg.RPCAddress),
				server.WithOutputMiddleware(channel.LoggingMiddleware(logger)),
			}
			if cfg.RateLimit.PacketsPerSecond > 0 {
				opts = append(opts, server.WithOutputMiddleware(
					channel.RateLimitMiddleware(cfg.RateLimit.PacketsPerSecond, cfg.RateLimit.Burst)))
			}
			if cfg.Discovery.Enabled() {
				reg, err := registry.NewEtcdRegistry(cfg.Discovery.Etcd, cfg.Discovery.DialTimeout, logger)
				if err != nil {
					return err
				}
				defer reg.Close()
				if advertise == "" {
					advertise = cfg.Endpoint
				}
				ep := registry.Endpoint{Addr: advertise, Weight: weight}
				opts = append(opts, server.WithRegistry(reg, cfg.Device, ep, cfg.Discovery.TTL))
			}

			srv := server.New(echoLibrary(), opts...)
			if err := registerEcho(srv); err != nil {
				return err
			}

			if cfg.Metrics.Addr != "" {
				serveMetrics(ctx, cfg.Metrics.Addr, logger)
			}

			lis, err := net.Listen("tcp", cfg.Endpoint)
			if err != nil {
				return err
			}
			logger.Info("serving", zap.String("endpoint", lis.Addr().String()), zap.String("device", cfg.Device))

			go func() {
				<-ctx.Done()
				if err := srv.Shutdown(shutdownTimeout); err != nil {
					logger.Warn("shutdown", zap.Error(err))
				}
			}()
			return srv.Serve(ctx, lis)
		},
	}
	cmd.Flags().StringVar(&advertise, "advertise", "", "address registered for discovery (default: endpoint)")
	cmd.Flags().IntVar(&weight, "weight", 1, "load balancing weight registered for discovery")
	return cmd
}

func serveMetrics(ctx context.Context, addr string, logger *zap.Logger) {
	metrics.Register()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}
