package main

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"hdlc-rpc/channel"
	"hdlc-rpc/client"
	"hdlc-rpc/config"
	"hdlc-rpc/descriptor"
	"hdlc-rpc/loadbalance"
	"hdlc-rpc/registry"
	"hdlc-rpc/transport"
)

// keepaliveAddress carries empty frames that the device ignores.
const keepaliveAddress byte = 0xFF

func newCallCmd(root *rootOptions) *cobra.Command {
	var (
		channelID uint32
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <method> [message...]",
		Short: "Call a method of the demo echo device",
		Long: "Call Echo, Split, Join or Chat on the echo device. Unary and server\n" +
			"streaming methods send the messages joined by spaces; client streaming\n" +
			"and bidirectional methods send one request per message.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			addr, err := resolveEndpoint(ctx, cfg, logger)
			if err != nil {
				return err
			}

			pool := newClientPool(cfg, logger)
			defer pool.Close()
			session, err := pool.Get(ctx, addr)
			if err != nil {
				return err
			}

			if !cmd.Flags().Changed("channel") {
				channelID = cfg.Channels[0]
			}
			cc, err := session.Processor.Channel(channelID)
			if err != nil {
				return err
			}
			mc, err := cc.Method(echoServiceName, args[0])
			if err != nil {
				return err
			}
			return runCall(ctx, cmd.OutOrStdout(), mc, args[1:])
		},
	}
	cmd.Flags().Uint32Var(&channelID, "channel", 1, "channel to call on (default: first configured channel)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "overall deadline for the call")
	return cmd
}

// resolveEndpoint picks the address to dial: the configured endpoint, or
// one discovered through etcd when discovery is enabled.
func resolveEndpoint(ctx context.Context, cfg config.Config, logger *zap.Logger) (string, error) {
	if !cfg.Discovery.Enabled() {
		return cfg.Endpoint, nil
	}
	reg, err := registry.NewEtcdRegistry(cfg.Discovery.Etcd, cfg.Discovery.DialTimeout, logger)
	if err != nil {
		return "", err
	}
	defer reg.Close()

	endpoints, err := reg.Discover(ctx, cfg.Device)
	if err != nil {
		return "", err
	}
	balancer, err := loadbalance.New(cfg.Discovery.Strategy, cfg.Name)
	if err != nil {
		return "", err
	}
	ep, err := balancer.Pick(endpoints)
	if err != nil {
		return "", fmt.Errorf("device %s: %w", cfg.Device, err)
	}
	logger.Debug("picked endpoint", zap.String("addr", ep.Addr), zap.String("strategy", balancer.Name()))
	return ep.Addr, nil
}

func newClientPool(cfg config.Config, logger *zap.Logger) *transport.Pool[*client.Client] {
	withMetrics := cfg.Metrics.Addr != ""
	dial := func(ctx context.Context, addr string) (*transport.Transport, error) {
		opts := []transport.Option{
			transport.WithLogger(logger),
			transport.WithRPCAddress(cfg.RPCAddress),
			transport.WithMetrics(withMetrics),
		}
		if cfg.Keepalive > 0 {
			opts = append(opts, transport.WithKeepalive(keepaliveAddress, cfg.Keepalive))
		}
		return transport.Dial(ctx, "tcp", addr, opts...)
	}
	bind := func(t *transport.Transport) (*client.Client, error) {
		mws := []channel.Middleware{
			channel.LoggingMiddleware(logger),
			channel.RetryMiddleware(2, 50*time.Millisecond, logger),
		}
		if cfg.RateLimit.PacketsPerSecond > 0 {
			mws = append(mws, channel.RateLimitMiddleware(cfg.RateLimit.PacketsPerSecond, cfg.RateLimit.Burst))
		}
		channels := make([]*channel.Channel, 0, len(cfg.Channels))
		for _, id := range cfg.Channels {
			channels = append(channels, channel.New(id, t.RPCOutput(), mws...))
		}
		return client.New(channels, echoLibrary(),
			client.WithLogger(logger),
			client.WithUnaryTimeout(cfg.Timeouts.Unary),
			client.WithStreamTimeout(cfg.Timeouts.Stream),
			client.WithMetrics(withMetrics))
	}
	return transport.NewPool(1, dial, bind)
}

func runCall(ctx context.Context, out io.Writer, mc *client.MethodClient, words []string) error {
	printStatus := func(status codes.Code) {
		fmt.Fprintf(out, "status: %s\n", status)
	}
	printResponse := func(resp any) {
		if s, ok := resp.(*wrapperspb.StringValue); ok {
			fmt.Fprintf(out, "response: %q\n", s.GetValue())
		} else {
			fmt.Fprintf(out, "response: %v\n", resp)
		}
	}

	switch mc.Method().Type() {
	case descriptor.Unary:
		res, err := mc.Unary(ctx, wrapperspb.String(strings.Join(words, " ")))
		if err != nil {
			return err
		}
		printResponse(res.Response)
		printStatus(res.Status)
		return res.Err()

	case descriptor.ServerStreaming:
		call, err := mc.InvokeServerStream(wrapperspb.String(strings.Join(words, " ")))
		if err != nil {
			return err
		}
		defer call.Cancel()
		return printStream(call.Responses(ctx), printResponse, printStatus, call.Status)

	case descriptor.ClientStreaming:
		call, err := mc.InvokeClientStream()
		if err != nil {
			return err
		}
		defer call.Cancel()
		for _, w := range words {
			if err := call.Send(wrapperspb.String(w)); err != nil {
				return err
			}
		}
		res, err := call.Finish(ctx)
		if err != nil {
			return err
		}
		printResponse(res.Response)
		printStatus(res.Status)
		return res.Err()

	default:
		call, err := mc.InvokeBidiStream()
		if err != nil {
			return err
		}
		defer call.Cancel()
		for _, w := range words {
			if err := call.Send(wrapperspb.String(w)); err != nil {
				return err
			}
		}
		if err := call.CloseSend(); err != nil {
			return err
		}
		return printStream(call.Responses(ctx), printResponse, printStatus, call.Status)
	}
}

func printStream(responses iter.Seq2[any, error], printResponse func(any),
	printStatus func(codes.Code), status func() (codes.Code, bool)) error {
	for resp, err := range responses {
		if err != nil {
			return err
		}
		printResponse(resp)
	}
	if st, ok := status(); ok {
		printStatus(st)
	}
	return nil
}
