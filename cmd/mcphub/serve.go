package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mcpgateway "github.com/vikashloomba/mcp-hub-go/pkg/mcp-gateway"
	"github.com/vikashloomba/mcp-hub-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-hub-go/pkg/oauth"
	"github.com/vikashloomba/mcp-hub-go/pkg/stats"
)

type serveFlags struct {
	addr            string
	mode            string
	bearerToken     string
	integrations    []string
	cleanup         bool
	watch           bool
	traceRPC        bool
	drainTimeout    time.Duration
	shutdownTimeout time.Duration
	statsInterval   time.Duration
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect the configured servers and run the proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, root, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.addr, "addr", "", "listen address; defaults to a per-user port on 127.0.0.1")
	f.StringVar(&flags.mode, "mode", string(mcpgateway.ModePassthrough), "proxy mode: passthrough or discovery")
	f.StringVar(&flags.bearerToken, "bearer-token", os.Getenv("MCPHUB_TOKEN"), "require this bearer token on proxy and control routes (env MCPHUB_TOKEN)")
	f.StringArrayVar(&flags.integrations, "integration", nil, "client config file to keep pointed at the proxy, as path[@client]; repeatable")
	f.BoolVar(&flags.cleanup, "cleanup-integrations", false, "remove proxy entries from integration files on exit")
	f.BoolVar(&flags.watch, "watch", true, "apply changes to the config file while running")
	f.BoolVar(&flags.traceRPC, "trace-rpc", false, "log every JSON-RPC message exchanged with servers")
	f.DurationVar(&flags.drainTimeout, "drain-timeout", 10*time.Second, "how long a mode switch waits for running calls")
	f.DurationVar(&flags.shutdownTimeout, "shutdown-timeout", 10*time.Second, "bound on graceful shutdown")
	f.DurationVar(&flags.statsInterval, "stats-interval", time.Minute, "how often call statistics are saved")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootFlags, flags *serveFlags) error {
	logger, err := newLogger(cmd.ErrOrStderr(), root.logFormat, root.logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	mode, err := mcpgateway.ParseMode(flags.mode)
	if err != nil {
		return err
	}
	var targets []integrationTarget
	for _, raw := range flags.integrations {
		t, err := parseTarget(raw)
		if err != nil {
			return err
		}
		targets = append(targets, t)
	}

	configPath := root.configPath()
	configs, err := mcpmgr.LoadConfigFile(configPath)
	if err != nil {
		return err
	}

	collector := stats.NewCollector(stats.DefaultCapacity)
	if err := loadStats(root.statsPath(), collector); err != nil {
		logger.Warn("discarding saved stats", "path", root.statsPath(), "error", err)
	}
	coord := oauth.NewCoordinator(&oauth.Options{
		Store:  oauth.NewFileStore(root.tokenPath()),
		Logger: logger,
	})
	mgr := mcpmgr.NewManager(configs, &mcpmgr.ManagerOptions{
		DefaultClientName: "mcp-hub",
		DefaultLogJSONRPC: flags.traceRPC,
		OAuth:             coord,
		Stats:             collector,
		Logger:            logger,
	})

	gw, err := mcpgateway.NewGateway(mgr, &mcpgateway.Options{
		Addr:         flags.addr,
		Mode:         mode,
		BearerToken:  flags.bearerToken,
		DrainTimeout: flags.drainTimeout,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	mountControl(gw, mgr)

	ln, err := gw.Listen()
	if err != nil {
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	writer := newIntegrationWriter(targets, port, gw, mgr, logger)
	gw.OnModeChange(func(mcpgateway.Mode) { writer.Trigger() })
	integrationEvents := mgr.Subscribe(64)
	logEvents := mgr.Subscribe(256)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := gw.Serve(gctx, ln)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := mgr.ConnectEnabled(gctx); err != nil {
			logger.Warn("some servers failed to connect", "error", err)
		}
		return nil
	})
	if len(targets) > 0 {
		g.Go(func() error { return writer.Run(gctx, integrationEvents.Events()) })
	}
	g.Go(func() error { return logManagerEvents(gctx, logger, logEvents.Events()) })
	if flags.watch {
		watcher := newConfigWatcher(configPath, logger, func(ctx context.Context) {
			reloadConfig(ctx, mgr, configPath, logger)
		})
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				logger.Warn("config changes will not be applied", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		saveStatsPeriodically(gctx, root.statsPath(), collector, flags.statsInterval, logger)
		return nil
	})

	logger.Info("mcp hub started", "addr", ln.Addr().String(), "mode", mode, "servers", len(configs), "config", configPath)
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.shutdownTimeout)
	defer cancel()
	integrationEvents.Close()
	logEvents.Close()
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	if err := saveStats(root.statsPath(), collector); err != nil {
		logger.Warn("saving stats failed", "error", err)
	}
	if flags.cleanup {
		writer.Remove()
	}
	logger.Info("mcp hub stopped")
	return runErr
}

// reloadConfig applies the config file to the running manager and connects
// servers that were added, changed or re-enabled.
func reloadConfig(ctx context.Context, mgr *mcpmgr.Manager, path string, logger *slog.Logger) {
	configs, err := mcpmgr.LoadConfigFile(path)
	if err != nil {
		logger.Warn("config reload rejected", "path", path, "error", err)
		return
	}
	touched, err := mgr.Sync(ctx, configs)
	if err != nil {
		logger.Warn("config reload incomplete", "error", err)
	}
	for _, id := range touched {
		cfg, ok := mgr.Config(id)
		if !ok || !cfg.Enabled {
			continue
		}
		go func() {
			if err := mgr.Connect(ctx, id); err != nil {
				logger.Warn("connect failed", "server", id, "error", err)
			}
		}()
	}
	logger.Info("config reloaded", "servers", len(configs), "changed", len(touched))
}

func logManagerEvents(ctx context.Context, logger *slog.Logger, events <-chan mcpmgr.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case mcpmgr.EventStatus:
				switch ev.Error {
				case "":
					logger.Info("server status", "server", ev.ServerID, "state", ev.State)
				case mcpmgr.AttemptCancelled:
					// A user action, always followed by disconnected.
					logger.Info("server status", "server", ev.ServerID, "state", ev.State, "reason", ev.Error)
				default:
					logger.Warn("server status", "server", ev.ServerID, "state", ev.State, "error", ev.Error)
				}
			case mcpmgr.EventOAuthRequired:
				logger.Warn("server requires authorization", "server", ev.ServerID, "hint", "mcphub auth login "+ev.ServerID)
			case mcpmgr.EventOAuth:
				logger.Info("oauth status", "server", ev.ServerID, "status", ev.OAuthStatus, "error", ev.Error)
			case mcpmgr.EventLog:
				logger.Debug("server log", "server", ev.ServerID, "level", ev.Level, "message", ev.Message)
			}
		}
	}
}
