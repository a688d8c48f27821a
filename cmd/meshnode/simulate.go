package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/meshfabric/codec"
	"github.com/rocketbitz/meshfabric/fabric"
	"github.com/rocketbitz/meshfabric/internal/config"
	"github.com/rocketbitz/meshfabric/internal/softqp"
	"github.com/rocketbitz/meshfabric/verbs/loopback"
)

type simulateOptions struct {
	size           int
	rounds         int
	codec          string
	poolSize       int
	bufferSize     int
	signalInterval int
	log            config.LogConfig
}

func newSimulateCmd() *cobra.Command {
	opts := simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a whole mesh in this process over the loopback verbs provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger, err := newLogger(opts.log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			results, err := simulate(ctx, opts, logger.Sugar())
			if err != nil {
				return err
			}
			for _, res := range results {
				fmt.Fprintln(cmd.OutOrStdout(), res)
			}
			return nil
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&opts.size, "size", 4, "number of nodes")
	fs.IntVar(&opts.rounds, "rounds", 100, "probes each node sends to every peer")
	fs.StringVar(&opts.codec, "codec", "gob", "object codec")
	fs.IntVar(&opts.poolSize, "pool-size", fabric.DefaultPoolSize, "send and receive buffers per peer")
	fs.IntVar(&opts.bufferSize, "buffer-size", 64<<10, "bytes per buffer")
	fs.IntVar(&opts.signalInterval, "signal-interval", fabric.DefaultSignalInterval, "sends per signaled completion")
	fs.StringVar(&opts.log.Level, "log-level", "warn", "log level")
	fs.StringVar(&opts.log.Format, "log-format", "console", "log format: console or json")
	return cmd
}

// simulate runs opts.size nodes concurrently on one loopback network.
func simulate(ctx context.Context, opts simulateOptions, log *zap.SugaredLogger) ([]exchangeResult, error) {
	if opts.size < 1 {
		return nil, fmt.Errorf("size must be at least 1, got %d", opts.size)
	}
	cdc, err := codec.Lookup(opts.codec)
	if err != nil {
		return nil, err
	}
	nodes := make([]fabric.NodeAddress, opts.size)
	for i := range nodes {
		nodes[i] = fabric.NodeAddress{Host: fmt.Sprintf("sim-%d", i), Port: 1}
	}
	network := loopback.New(softqp.Options{MaxMessageSize: opts.bufferSize})

	results := make([]exchangeResult, opts.size)
	g, gctx := errgroup.WithContext(ctx)
	for i := range nodes {
		i := i
		fcfg := fabric.Config{
			Nodes:            nodes,
			Self:             i,
			Backend:          fabric.BackendRDMA,
			Codec:            cdc,
			Provider:         network,
			PoolSize:         opts.poolSize,
			BufferSize:       opts.bufferSize,
			SignalInterval:   opts.signalInterval,
			SettleDelay:      10 * time.Millisecond,
			PollInterval:     10 * time.Millisecond,
			StructuredLogger: log,
		}
		g.Go(func() error {
			res, err := exchangeOnce(gctx, fcfg, opts.rounds, isRawCodec(opts.codec), log)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
