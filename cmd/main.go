package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/router-lab/config"
	"github.com/angeloszaimis/router-lab/internal/dispatcher"
	"github.com/angeloszaimis/router-lab/internal/httpserver"
	"github.com/angeloszaimis/router-lab/internal/loadbalancer"
	"github.com/angeloszaimis/router-lab/internal/metrics"
	"github.com/angeloszaimis/router-lab/internal/responder"
	"github.com/angeloszaimis/router-lab/internal/strategy"
	"github.com/angeloszaimis/router-lab/internal/target"
	"github.com/angeloszaimis/router-lab/pkg/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("router-lab failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "router-lab",
		Short:         "Route HTTP/1.1 requests across a set of targets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logger.New(cfg.Logging.Level, false, cfg.Server.Environment)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, cfg, log, cmd.OutOrStdout())
		},
	}

	config.RegisterFlags(root.Flags())
	root.AddCommand(newLoadtestCommand())

	return root
}

// run serves until ctx is cancelled or a component fails, then shuts
// everything down and writes the distribution report to out.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer) error {
	targets, err := cfg.TargetSet()
	if err != nil {
		return fmt.Errorf("build targets: %w", err)
	}

	strat, err := strategy.New(cfg.Strategy.Type, targets)
	if err != nil {
		return fmt.Errorf("create strategy: %w", err)
	}

	lb := loadbalancer.NewLoadBalancer(strat, log)
	aggregator := metrics.NewAggregator(targets)
	instruments := metrics.NewInstruments()
	collector := metrics.NewCollector(aggregator, lb)
	registry := metrics.NewRegistry(collector, instruments)

	d, err := dispatcher.New(dispatcher.Options{
		Balancer:    lb,
		Aggregator:  aggregator,
		Instruments: instruments,
		Logger:      log,
		DialTimeout: cfg.Server.DialTimeoutDuration(),
	})
	if err != nil {
		return err
	}

	var servers []*httpserver.Server

	if cfg.Targets.Spawn {
		responders, err := newResponders(targets, cfg.Targets.DelayDuration(), log)
		if err != nil {
			return err
		}
		servers = append(servers, responders...)
	}

	if cfg.Admin.Address != "" {
		admin, err := httpserver.New(cfg.Admin.Address, setupRouter(collector, registry, lb.LoadBalancerStrategy().Name()))
		if err != nil {
			return fmt.Errorf("create admin server: %w", err)
		}
		if err := admin.Listen(); err != nil {
			return fmt.Errorf("admin listen on %s: %w", cfg.Admin.Address, err)
		}
		servers = append(servers, admin)
		log.Info("Admin endpoint listening", slog.String("addr", admin.Addr()))
	}

	ln, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		closeServers(servers)
		return fmt.Errorf("listen on %s: %w", cfg.Server.Address, err)
	}

	log.Info("Router started",
		slog.String("addr", ln.Addr().String()),
		slog.String("strategy", strat.Name()),
		slog.Any("targets", targets.Strings()))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.Serve(gctx, ln); err != nil {
			return err
		}
		if gctx.Err() == nil {
			return errors.New("dispatcher stopped unexpectedly")
		}
		return nil
	})

	for _, srv := range servers {
		g.Go(srv.Start)
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...", slog.Int64("requests", aggregator.Total()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()

		if err := d.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during dispatcher shutdown", slog.Any("err", err))
		}

		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("Error during server shutdown",
					slog.String("addr", srv.Addr()),
					slog.Any("err", err))
			}
		}

		return nil
	})

	err = g.Wait()

	report := aggregator.Report()
	if _, werr := report.WriteTo(out); werr != nil {
		log.Error("Failed to write report", slog.Any("err", werr))
	}
	log.Info("Request distribution", reportAttrs(report)...)

	return err
}

func newResponders(targets target.Set, delay time.Duration, log *slog.Logger) ([]*httpserver.Server, error) {
	servers := make([]*httpserver.Server, 0, len(targets))

	for _, id := range targets {
		srv, err := httpserver.New(id.String(), responder.New(id, delay, log))
		if err == nil {
			err = srv.Listen()
		}
		if err != nil {
			closeServers(servers)
			return nil, fmt.Errorf("start responder %s: %w", id, err)
		}

		servers = append(servers, srv)
	}

	log.Info("Responders listening",
		slog.Int("count", len(servers)),
		slog.Duration("delay", delay))

	return servers, nil
}

func closeServers(servers []*httpserver.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, srv := range servers {
		_ = srv.Shutdown(ctx)
	}
}

func reportAttrs(report metrics.Report) []any {
	entries := make([]any, 0, len(report.Entries))
	for _, e := range report.Entries {
		entries = append(entries, slog.String(e.Target.String(), fmt.Sprintf("%d (%.1f%%)", e.Count, e.Percentage)))
	}

	return []any{
		slog.Int64("total", report.Total),
		slog.Group("targets", entries...),
	}
}
