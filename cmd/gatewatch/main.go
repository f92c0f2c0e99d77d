// Package main implements the entry point for GateWatch, a proxy
// gateway traffic monitor: it streams and polls connection data from
// configured gateways, reduces it to per-key traffic deltas, enriches
// with GeoIP, persists minute aggregates, and serves a live dashboard
// feed over WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/gatewatch/gatewatch/batch"
	"github.com/gatewatch/gatewatch/config"
	"github.com/gatewatch/gatewatch/geoip"
	"github.com/gatewatch/gatewatch/health"
	"github.com/gatewatch/gatewatch/input"
	"github.com/gatewatch/gatewatch/input/agent"
	"github.com/gatewatch/gatewatch/input/poll"
	"github.com/gatewatch/gatewatch/input/stream"
	"github.com/gatewatch/gatewatch/logging"
	"github.com/gatewatch/gatewatch/metric"
	"github.com/gatewatch/gatewatch/natsclient"
	"github.com/gatewatch/gatewatch/notify"
	"github.com/gatewatch/gatewatch/output/wsfanout"
	"github.com/gatewatch/gatewatch/pkg/security"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/stats"
	"github.com/gatewatch/gatewatch/storage/sqlitestore"
	"github.com/gatewatch/gatewatch/tracker"
	"github.com/gatewatch/gatewatch/types"
	"github.com/gatewatch/gatewatch/writequeue"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "gatewatch"
)

// adapter is what every gateway collector exposes to the lifecycle
// code, regardless of family.
type adapter interface {
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("gatewatch failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("configuration is valid", "path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("starting gatewatch",
		"version", Version,
		"platform", cfg.Platform.ID,
		"gateways", len(cfg.Gateways))

	ctx := context.Background()
	registry := metric.NewRegistry()
	monitor := health.NewMonitor(registry.Core)

	// Optional internal event bus. Absent NATS degrades to
	// local-only signaling, it is not an error.
	var bus *natsclient.Client
	if cfg.NATS.URL != "" {
		bus, err = natsclient.Connect(natsclient.Options{
			URL:           cfg.NATS.URL,
			Name:          cfg.Platform.ID,
			Token:         cfg.NATS.Token,
			Username:      cfg.NATS.Username,
			Password:      cfg.NATS.Password,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, registry.Core, logger)
		if err != nil {
			logger.Warn("event bus unavailable, running local-only", "error", err)
			bus = nil
		} else {
			defer bus.Close()
			// Mirror logs onto the bus for live streaming.
			logger = slog.New(logging.NewHandler(logger.Handler(), bus, cfg.Platform.ID))
			slog.SetDefault(logger)
		}
	}

	store, err := sqlitestore.Open(cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	monitor.UpdateHealthy("storage", "sqlite open")

	queue, err := writequeue.New(writequeue.Options{
		MaxPendingBatches: cfg.WriteQueue.MaxPendingBatches,
		MaxPendingRows:    cfg.WriteQueue.MaxPendingRows,
		WriteTimeout:      cfg.WriteQueue.WriteTimeout,
		StatsInterval:     cfg.WriteQueue.StatsInterval,
		Logger:            logger,
		Metrics:           registry,
	})
	if err != nil {
		return err
	}
	if err := queue.Start(ctx); err != nil {
		return err
	}

	overlay := realtime.NewStore()

	buf := batch.New(queue, store, store, overlay, batch.Options{
		FlushInterval: cfg.Batch.FlushInterval,
		MaxPending:    cfg.Batch.MaxPending,
		Logger:        logger,
		Core:          registry.Core,
	})
	if err := buf.Start(ctx); err != nil {
		return err
	}

	geo, err := geoip.New(cfg.GeoIP, store, registry, logger)
	if err != nil {
		// Enrichment is optional: traffic still flows without
		// country attribution.
		logger.Warn("geoip disabled", "error", err)
		monitor.UpdateDegraded("geoip", err.Error())
		geo = nil
	} else {
		monitor.UpdateHealthy("geoip", cfg.GeoIP.Mode)
	}

	notifier := notify.New(bus, logger)

	statsSvc, err := stats.New(store, overlay)
	if err != nil {
		return err
	}
	defer statsSvc.Close()

	pipe := &input.Pipeline{
		Batch:    buf,
		Realtime: overlay,
		Geo:      geo,
		Notifier: notifier,
		Core:     registry.Core,
	}

	adapters := startAdapters(ctx, cfg.Gateways, pipe, monitor, logger)

	agentSrv, err := agent.New(agent.Config{
		Port:          cfg.Ingest.Port,
		MaxBatchSize:  cfg.Ingest.MaxBatchSize,
		RatePerSecond: cfg.Ingest.RatePerSecond,
	}, pipe, overlay, bus, security.NewStaticToken(cfg.Ingest.Token, ""), registry, logger)
	if err != nil {
		return err
	}
	if err := agentSrv.Start(ctx); err != nil {
		return err
	}

	fanout, err := wsfanout.New(wsfanout.Config{
		Port:            cfg.Fanout.Port,
		Path:            cfg.Fanout.Path,
		BroadcastWindow: cfg.Fanout.BroadcastWindow,
		MinPushInterval: cfg.Fanout.MinPushInterval,
	}, statsSvc, overlay, notifier, bus, security.NewStaticToken(cfg.Fanout.Token, ""), registry, logger)
	if err != nil {
		return err
	}
	if err := fanout.Start(ctx); err != nil {
		return err
	}

	metricsSrv := metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	metricsSrv.Mount("/health", monitor.Handler(appName))
	if err := metricsSrv.Start(); err != nil {
		return err
	}

	logger.Info("gatewatch running",
		"fanout_port", cfg.Fanout.Port,
		"ingest_port", cfg.Ingest.Port,
		"metrics_port", cfg.Metrics.Port)

	signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-signalCtx.Done()
	logger.Info("shutdown signal received")

	shutdown(cliCfg.ShutdownTimeout, logger, adapters, agentSrv, fanout, buf, queue, geo, metricsSrv)
	return nil
}

// startAdapters launches one collector per configured gateway. Each
// adapter owns its own connection tracker.
func startAdapters(ctx context.Context, gateways []types.Gateway, pipe *input.Pipeline,
	monitor *health.Monitor, logger *slog.Logger) []adapter {
	adapters := make([]adapter, 0, len(gateways))
	for _, gw := range gateways {
		var a adapter
		switch gw.Kind {
		case types.GatewayStream:
			a = stream.New(stream.Config{Gateway: gw}, tracker.New(), pipe, logger)
		case types.GatewayPoll:
			a = poll.New(poll.Config{Gateway: gw}, tracker.New(), pipe, logger)
		default:
			continue // config validation rejects unknown kinds
		}
		if err := a.Start(ctx); err != nil {
			logger.Error("adapter start failed", "gateway", gw.ID, "error", err)
			monitor.UpdateUnhealthy("adapter:"+gw.ID, err.Error())
			continue
		}
		monitor.UpdateHealthy("adapter:"+gw.ID, string(gw.Kind))
		adapters = append(adapters, a)
	}
	return adapters
}

// shutdown tears the pipeline down in dependency order: stop accepting
// input, flush the buffer one last time, drain the write queue, then
// close the outward-facing servers.
func shutdown(timeout time.Duration, logger *slog.Logger, adapters []adapter,
	agentSrv *agent.Server, fanout *wsfanout.Server, buf *batch.Buffer,
	queue *writequeue.Queue, geo *geoip.Service, metricsSrv *metric.Server) {
	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		d := time.Until(deadline)
		if d < time.Second {
			return time.Second
		}
		return d
	}

	for _, a := range adapters {
		if err := a.Stop(remaining()); err != nil {
			logger.Warn("adapter stop", "error", err)
		}
	}
	if err := agentSrv.Stop(remaining()); err != nil {
		logger.Warn("ingest stop", "error", err)
	}
	if geo != nil {
		if err := geo.Close(); err != nil {
			logger.Warn("geoip close", "error", err)
		}
	}
	if err := buf.Stop(remaining()); err != nil {
		logger.Warn("buffer stop", "error", err)
	}
	if err := queue.Stop(remaining()); err != nil {
		logger.Warn("write queue stop", "error", err)
	}
	if err := fanout.Stop(remaining()); err != nil {
		logger.Warn("fanout stop", "error", err)
	}
	if err := metricsSrv.Stop(remaining()); err != nil {
		logger.Warn("metrics stop", "error", err)
	}
	logger.Info("shutdown complete")
}
