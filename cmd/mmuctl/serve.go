package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scionmmu/mmuctl/internal/api"
	"github.com/scionmmu/mmuctl/internal/config"
	"github.com/scionmmu/mmuctl/internal/dispatch"
	"github.com/scionmmu/mmuctl/internal/log"
	"github.com/scionmmu/mmuctl/internal/panel"
	"github.com/scionmmu/mmuctl/internal/poller"
)

const pruneInterval = time.Hour

func runServe(args []string) int {
	if hasHelpFlag(args) {
		fmt.Println("Usage: mmuctl serve [--config PATH] [--address HOST] [--listen ADDR] [--no-poll]")
		return 0
	}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	address := fs.String("address", "", "Printer address (overrides device.address)")
	listen := fs.String("listen", "", "API listen address (overrides api.listen and enables the API)")
	noPoll := fs.Bool("no-poll", false, "Start with status polling off")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *listen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *listen
	}
	if *noPoll {
		cfg.Polling.Enabled = false
	}
	if cfg.API.Enabled && cfg.API.Auth.APIKey == "" && !config.IsLoopbackListen(cfg.API.Listen) {
		fmt.Fprintf(os.Stderr, "Refusing to serve the API on %s without api.auth.api_key\n", cfg.API.Listen)
		return 1
	}

	log.Configure(log.Options{Level: cfg.Service.LogLevel, Format: cfg.Service.LogFormat})
	logger := log.WithComponent("main")
	logger.Info("mmuctl serve starting", "version", version, "config", cfg.SourcePath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStack(ctx, cfg, stackOptions{address: *address, requireDB: true})
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer st.Close()

	ctrl, err := st.controller(*address)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	if snap, err := st.state.Load(ctx, ctrl.Address()); err == nil && !snap.LastSeen.IsZero() {
		logger.Info("last known device state", "last_seen", snap.LastSeen, "failures", snap.Failures, "last_error", snap.LastError)
	}

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		drainResults(st.disp.Results(), ctrl, logger)
	}()

	poll := poller.New(cfg.Polling.Interval, ctrl, st.hub, log.WithComponent("poller"))
	poll.Start(ctx)
	defer poll.Stop()

	go pruneLoop(ctx, st, cfg.State.HistoryRetention, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		server := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.Auth.APIKey}, ctrl, st.history, st.hub, log.WithComponent("api"))
		server.SetPoller(poll)
		go func() {
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("mmuctl running (press Ctrl+C to stop)", "device", ctrl.Address(), "polling", ctrl.Polling())

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	poll.Stop()
	ctrl.Cancel()
	_ = st.disp.Close()
	<-drained
	logger.Info("mmuctl stopped")
	return code
}

// drainResults feeds every dispatcher result to the controller until the
// dispatcher closes. Nobody is at a terminal to acknowledge notices, so
// they are logged.
func drainResults(results <-chan dispatch.Result, ctrl *panel.Controller, logger *slog.Logger) {
	for r := range results {
		for _, n := range ctrl.Handle(r) {
			attrs := []any{"kind", n.Kind, "title", n.Title, "message", n.Message}
			if n.Blocking {
				logger.Error("device notice", attrs...)
			} else {
				logger.Warn("device notice", attrs...)
			}
		}
	}
}

func pruneLoop(ctx context.Context, st *stack, retention time.Duration, logger *slog.Logger) {
	if retention <= 0 {
		return
	}
	prune := func() {
		n, err := st.history.Prune(ctx, retention)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("history prune failed", "error", err)
			}
			return
		}
		if n > 0 {
			logger.Info("history pruned", "rows", n, "retention", retention)
		}
	}
	prune()

	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
