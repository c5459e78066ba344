package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/presence"
	"github.com/cyberinferno/chatrelay/relay"
)

const shutdownTimeout = 5 * time.Second

var errAcceptLoopStopped = errors.New("accept loop stopped unexpectedly")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relayserver <host> <port>",
		Short: "Run the chat relay",
		Long: "Run the chat relay on host:port until interrupted.\n\n" +
			"Settings are read from RELAY_* environment variables, e.g. RELAY_LOG_LEVEL,\n" +
			"RELAY_KEEPALIVE_INTERVAL, RELAY_ANNOUNCE_DEPARTURES, RELAY_METRICS_ADDR and\n" +
			"RELAY_REDIS_ADDR.",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(net.JoinHostPort(args[0], args[1]))
		},
	}
}

func run(addr string) error {
	cfg, err := relay.ConfigFromEnv(addr)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log := logger.NewConsoleLogger("relayserver", level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker, closeTracker, err := newTracker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeTracker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := relay.NewServer(cfg,
		relay.WithLogger(log),
		relay.WithMetrics(relay.NewMetrics(reg)),
		relay.WithPresence(tracker))

	if err := srv.Start(ctx); err != nil {
		log.Error("relay failed to start", logger.Field{Key: "addr", Value: addr}, logger.Field{Key: "error", Value: err.Error()})
		return err
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr, reg, srv, log)

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}

	srv.Stop()

	if ctx.Err() == nil {
		log.Error("relay listener failed")
		return errAcceptLoopStopped
	}

	return nil
}

// newTracker picks the presence backend: redis when RELAY_REDIS_ADDR is set,
// memory otherwise.
func newTracker(ctx context.Context, cfg relay.Config, log logger.Logger) (presence.Tracker, func(), error) {
	if cfg.RedisAddr == "" {
		return presence.NewMemoryTracker(cfg.LastSeenRetention, time.Hour), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	tracker := presence.NewRedisTracker(client, presence.DefaultRedisKeyPrefix, cfg.LastSeenRetention)

	pingCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := tracker.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis at %s: %w", cfg.RedisAddr, err)
	}

	log.Info("using redis presence tracker", logger.Field{Key: "redis_addr", Value: cfg.RedisAddr})
	return tracker, func() { _ = client.Close() }, nil
}

func startMetricsServer(addr string, reg *prometheus.Registry, srv *relay.Server, log logger.Logger) *http.Server {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ok sessions=%d\n", srv.Registry().Len())
	})

	httpSrv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("metrics server listening", logger.Field{Key: "addr", Value: addr})
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", logger.Field{Key: "error", Value: err.Error()})
		}
	}()

	return httpSrv
}
