package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arqma/arqmavisor/internal/api"
	"github.com/arqma/arqmavisor/internal/config"
	"github.com/arqma/arqmavisor/internal/daemon"
	"github.com/arqma/arqmavisor/internal/gateway"
	"github.com/arqma/arqmavisor/internal/metrics"
	"github.com/arqma/arqmavisor/pkg/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ErrDaemonExited is returned by run when the node exits on its own.
var ErrDaemonExited = errors.New("daemon exited unexpectedly")

func newRunCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Supervise the node in the foreground",
		Long: `Run starts the node (or connects to a remote one), polls its status and
serves it over the API until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runSupervisor(ctx, cfg, log)
		},
	}

	cmd.Flags().Bool("api", false, "Serve the HTTP/WebSocket API")
	cmd.Flags().Int("api-port", config.DefaultAPIPort, "API port")
	cmd.Flags().Bool("metrics", false, "Collect Prometheus metrics")
	bindFlag(opts, cmd, "api", "api_enabled")
	bindFlag(opts, cmd, "api-port", "api_port")
	bindFlag(opts, cmd, "metrics", "metrics_enabled")

	return cmd
}

func bindFlag(opts *options, cmd *cobra.Command, flag, key string) {
	_ = opts.viper.BindPFlag(key, cmd.Flags().Lookup(flag))
}

// runSupervisor wires the supervisor to its gateways and blocks until ctx
// is done or the node exits.
func runSupervisor(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("starting arqmavisor",
		zap.String("home", cfg.Home),
		zap.String("mode", string(cfg.Mode)),
		zap.Bool("testnet", cfg.Testnet))

	gateways := gateway.Multi{gateway.NewLogGateway(log)}
	var supOpts []daemon.Option

	var collector *metrics.Collector
	if cfg.MetricsEnabled || cfg.APIEnabled {
		collector = metrics.NewCollector(log)
		gateways = append(gateways, collector)
		supOpts = append(supOpts, daemon.WithRPCObserver(collector))
	}

	var hub *gateway.Hub
	if cfg.APIEnabled {
		hub = gateway.NewHub(log)
		gateways = append(gateways, hub)
	}

	sup := daemon.New(cfg, log, append(supOpts, daemon.WithGateway(gateways))...)
	defer sup.Close()

	if hub != nil {
		hub.SetCommandHandler(sup.CommandHandler())
	}

	stopServers, err := startServers(cfg, sup, hub, collector, log)
	if err != nil {
		return err
	}
	defer stopServers()

	if collector != nil {
		collectCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go collector.Run(collectCtx, cfg.MetricsInterval, sup.Pid, sup.RemoteHeight)
	}

	if err := sup.Start(ctx); err != nil {
		shutdown(sup, cfg, log)
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case <-sup.Exited():
		log.Error("daemon exited", zap.Int("pid", sup.Status().PID))
		runErr = ErrDaemonExited
	}

	shutdown(sup, cfg, log)
	return runErr
}

func startServers(cfg *config.Config, sup *daemon.Supervisor, hub *gateway.Hub, collector *metrics.Collector, log *logger.Logger) (func(), error) {
	var stops []func(context.Context) error

	if cfg.APIEnabled {
		server := api.NewServer(cfg, sup, hub, collector, log)
		if err := server.Start(); err != nil {
			return nil, err
		}
		stops = append(stops, server.Stop)
	} else if collector != nil {
		exporter := metrics.NewExporter(collector, cfg.MetricsAddr, log)
		if err := exporter.Start(); err != nil {
			return nil, err
		}
		stops = append(stops, exporter.Stop)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, stop := range stops {
			if err := stop(ctx); err != nil {
				log.Warn("failed to stop server", zap.Error(err))
			}
		}
	}, nil
}

func shutdown(sup *daemon.Supervisor, cfg *config.Config, log *logger.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := sup.Quit(ctx); err != nil {
		log.Error("failed to stop daemon cleanly", zap.Error(err))
	}
}
