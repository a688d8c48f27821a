package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/meshfabric/fabric"
	"github.com/rocketbitz/meshfabric/internal/config"
)

const tracerName = "github.com/rocketbitz/meshfabric/cmd/meshnode"

func newRunCmd() *cobra.Command {
	var (
		configPath string
		rounds     int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Join the mesh as one node and exchange probes with every peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			res, err := runNode(ctx, cfg, rounds, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file (yaml, json or toml)")
	cmd.Flags().IntVar(&rounds, "rounds", 10, "probes sent to every peer")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// runNode brings up one node with the configured logging and metrics, runs
// the exchange and shuts the transport down.
func runNode(ctx context.Context, cfg *config.Config, rounds int, dump io.Writer) (exchangeResult, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return exchangeResult{}, err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	sink, err := newMetricsSink(cfg.Metrics, log, dump)
	if err != nil {
		return exchangeResult{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sink.close(closeCtx); err != nil {
			log.Warnw("metrics sink close", "error", err)
		}
	}()

	tracer, shutdownTracer, err := newTracer(ctx, cfg.Trace, log)
	if err != nil {
		return exchangeResult{}, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(closeCtx); err != nil {
			log.Warnw("tracer shutdown", "error", err)
		}
	}()

	fcfg, err := cfg.ToFabric()
	if err != nil {
		return exchangeResult{}, err
	}
	fcfg.StructuredLogger = log
	fcfg.Metrics = sink.hook
	fcfg.Tracer = tracer
	return exchangeOnce(ctx, fcfg, rounds, isRawCodec(cfg.Codec), log)
}

// exchangeOnce runs New, the probe exchange and Close for one node.
func exchangeOnce(ctx context.Context, fcfg fabric.Config, rounds int, raw bool, log *zap.SugaredLogger) (exchangeResult, error) {
	tr, err := fabric.New(ctx, fcfg)
	if err != nil {
		return exchangeResult{}, fmt.Errorf("node %d: %w", fcfg.Self, err)
	}
	res, xerr := exchange(ctx, tr, rounds, raw)
	for peer, st := range tr.Stats() {
		log.Debugw("peer stats", "node", fcfg.Self, "peer", peer,
			"sent", st.SendCompleted, "received", st.ReceiveMatched,
			"stalls", st.CreditStalls, "link_errors", st.LinkErrors, "state", st.State)
	}
	cerr := tr.Close()
	if xerr != nil {
		return res, fmt.Errorf("node %d exchange: %w", fcfg.Self, xerr)
	}
	if cerr != nil && !errors.Is(cerr, fabric.ErrClosed) {
		return res, fmt.Errorf("node %d shutdown: %w", fcfg.Self, cerr)
	}
	return res, nil
}

func isRawCodec(name string) bool {
	return name == "raw" || strings.HasPrefix(name, "raw+")
}
