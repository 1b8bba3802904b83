package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	tendrl "github.com/tendrl-inc-labs/go-sdk"
	"github.com/tendrl-inc-labs/go-sdk/internal/config"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "stats" {
		if err := runStats(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "tendrl stats:", err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "config.yaml", "path to config file")
	stdin := flag.Bool("stdin", false, "publish every line read from stdin")
	heartbeat := flag.Duration("heartbeat", 0, "publish a heartbeat message at this interval (0 disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger := config.NewLogger(os.Stdout, cfg.Client.LogLevel, cfg.Client.LogJSON)
	slog.SetDefault(logger)
	slog.Info("tendrl starting",
		"config", *configPath,
		"version", tendrl.Version,
		"mode", cfg.Client.Mode,
		"endpoint", cfg.Client.Endpoint,
		"offline_storage", cfg.Client.OfflineStorage,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := tendrl.New(cfg.Client,
		tendrl.WithLogger(logger),
		tendrl.WithHandler(tendrl.HandlerFuncs{
			OnMessage: func(msg json.RawMessage) {
				slog.Info("inbound message", "msg", string(msg))
			},
			OnError: func(err error) {
				slog.Warn("delivery failed", "err", err)
			},
		}),
	)
	if err != nil {
		slog.Error("failed to build client", "err", err)
		os.Exit(1)
	}
	if err := client.Start(ctx); err != nil {
		slog.Error("failed to start client", "err", err)
		os.Exit(1)
	}
	if cfg.Client.Headless && cfg.Client.OfflineStorage {
		n, err := client.ReplayOffline(ctx)
		if err != nil {
			slog.Warn("offline replay incomplete", "replayed", n, "err", err)
		} else if n > 0 {
			slog.Info("offline backlog replayed", "count", n)
		}
	}

	// Hot-reload applies scheduling bounds; transport and storage changes need a restart.
	go func() {
		if err := config.Watch(ctx, *configPath, logger, func(updated *config.Config) {
			if err := client.SetScheduling(tendrl.BoundsFrom(updated.Client)); err != nil {
				slog.Error("config reload rejected", "err", err)
			}
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	var httpSrv *http.Server
	if cfg.Client.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", client.Metrics())
		httpSrv = &http.Server{Addr: cfg.Client.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			slog.Info("metrics listening", "addr", cfg.Client.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
	}

	if *heartbeat > 0 {
		tasks := tendrl.NewTasks(client, logger)
		if err := tasks.Register(heartbeatTask(*heartbeat)); err != nil {
			slog.Error("failed to register heartbeat", "err", err)
			os.Exit(1)
		}
		go tasks.Run(ctx) //nolint:errcheck
	}

	if *stdin {
		go func() {
			n := publishLines(ctx, client, os.Stdin)
			slog.Info("stdin closed", "published", n)
		}()
	}

	<-ctx.Done()
	slog.Info("tendrl shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Client.ShutdownGrace+5*time.Second)
	defer stopCancel()
	if err := client.Stop(stopCtx); err != nil {
		slog.Error("shutdown incomplete", "err", err)
	}
	if httpSrv != nil {
		httpSrv.Shutdown(stopCtx) //nolint:errcheck
	}
}

func heartbeatTask(interval time.Duration) tendrl.Task {
	start := time.Now()
	host, _ := os.Hostname()
	return tendrl.Task{
		Name:         "heartbeat",
		Interval:     interval,
		Tags:         []string{"heartbeat"},
		WriteOffline: true,
		Collect: func(context.Context) (any, error) {
			return map[string]any{
				"host":       host,
				"uptime_s":   int(time.Since(start).Seconds()),
				"goroutines": runtime.NumGoroutine(),
			}, nil
		},
	}
}

// publishLines publishes each non-empty line of r. Lines holding valid JSON
// are sent as-is, anything else as a JSON string.
func publishLines(ctx context.Context, client *tendrl.Client, r io.Reader) int {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var payload any = string(line)
		if json.Valid(line) {
			payload = json.RawMessage(append([]byte(nil), line...))
		}
		if _, err := client.Publish(ctx, payload, tendrl.Tags("stdin"), tendrl.OfflineOnFull()); err != nil {
			slog.Warn("publish failed", "err", err)
			continue
		}
		n++
	}
	if err := sc.Err(); err != nil {
		slog.Error("reading stdin", "err", err)
	}
	return n
}
