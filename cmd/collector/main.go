package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendrl-inc-labs/go-sdk/internal/collector"
	"github.com/tendrl-inc-labs/go-sdk/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("tendrl-collector starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cc := cfg.Collector

	slog.Info("config loaded",
		"grpc_addr", cc.GRPCAddr,
		"agent_socket", cc.AgentSocket,
		"auth_mode", cc.Auth.Mode,
		"retention", cc.Retention,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Message store with background TTL eviction.
	st := collector.NewStore(cc.Retention)
	go st.Run(ctx, logger)

	reg := prometheus.NewRegistry()
	rec := collector.NewReceiver(st, logger, reg)

	grpcSrv := collector.NewGRPCServer(rec, collector.APIKeyInterceptor(cc.Auth.Mode, cc.Auth.Key()))
	if cc.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cc.GRPCAddr)
		if err != nil {
			slog.Error("failed to listen on gRPC address", "addr", cc.GRPCAddr, "err", err)
			os.Exit(1)
		}
		go func() {
			slog.Info("gRPC receiver listening", "addr", cc.GRPCAddr)
			if err := grpcSrv.Serve(lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		}()
	}

	// Optional local agent socket feeding the same store.
	agentDone := make(chan struct{})
	if cc.AgentSocket != "" {
		_ = os.Remove(cc.AgentSocket) // stale socket from a previous run
		alis, err := net.Listen("unix", cc.AgentSocket)
		if err != nil {
			slog.Error("failed to listen on agent socket", "path", cc.AgentSocket, "err", err)
			os.Exit(1)
		}
		go func() {
			defer close(agentDone)
			slog.Info("agent socket listening", "path", cc.AgentSocket)
			if err := collector.NewAgentServer(rec, logger).Serve(ctx, alis); err != nil {
				slog.Error("agent server stopped", "err", err)
			}
		}()
	} else {
		close(agentDone)
	}

	// Combined HTTP server: metrics, inspection API and live feed on HTTPAddr.
	var httpSrv *http.Server
	if cc.HTTPAddr != "" {
		hub := collector.NewHub(rec, cc.FeedInterval)
		go hub.Run(ctx)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/api/", collector.NewAPI(rec))
		mux.Handle("/ws/feed", hub)
		httpSrv = &http.Server{Addr: cc.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("HTTP server listening", "addr", cc.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server stopped", "err", err)
			}
		}()
	}

	<-ctx.Done()
	slog.Info("tendrl-collector shutting down")
	grpcSrv.GracefulStop()
	<-agentDone
	if httpSrv != nil {
		httpSrv.Shutdown(context.Background()) //nolint:errcheck
	}
}
