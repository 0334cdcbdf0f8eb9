// Command ipcbench measures throughput of the ipcring queue, either inside
// one process or across processes sharing a named segment.
//
// Run a self-contained shared-memory benchmark:
//
//	ipcbench -mode shm -producers 2 -consumers 2 -messages 10000000
//
// Or split it over processes:
//
//	ipcbench -mode consumer -name demo -consumers 2 -messages 1000000 &
//	ipcbench -mode producer -name demo -producers 2 -messages 1000000
//	ipcbench -mode remove -name demo
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const appName = "ipcbench"

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	logger := setupLogger(stderr, cli.LogLevel, cli.LogFormat)

	cfg, err := LoadConfig(cli.ConfigPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		return 1
	}
	cli.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		reg.MustRegister(collectors.NewGoCollector())
		srv := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting run",
		"mode", cfg.Mode, "name", cfg.Name, "capacity", cfg.Capacity,
		"producers", cfg.Producers, "consumers", cfg.Consumers,
		"messages", cfg.Messages, "backoff", cfg.Backoff, "teardown", cfg.Teardown)

	res, err := run(ctx, cfg, logger, reg)
	if err != nil {
		logger.Error("run failed", "mode", cfg.Mode, "name", res.Name,
			"sent", res.Sent, "received", res.Received, "error", err)
		return 1
	}
	if cfg.Mode == modeRemove {
		logger.Info("segment removed", "name", cfg.Name)
		return 0
	}

	printReport(stdout, res)
	logger.Info("run complete",
		"mode", res.Mode, "name", res.Name,
		"sent", res.Sent, "received", res.Received,
		"elapsed", res.Elapsed, "throughput", res.Throughput(),
		"enqueue_full", res.Stats.EnqueueFull, "dequeue_empty", res.Stats.DequeueEmpty,
		"enqueue_retries", res.Stats.EnqueueRetries, "dequeue_retries", res.Stats.DequeueRetries)
	return 0
}

func printReport(w io.Writer, r result) {
	total := max(r.Sent, r.Received)
	fmt.Fprintf(w, "Total messages: %d\n", total)
	fmt.Fprintf(w, "Time elapsed:   %.3f sec\n", r.Elapsed.Seconds())
	fmt.Fprintf(w, "Throughput:     %.0f msgs/sec\n", r.Throughput())
	fmt.Fprintf(w, "Latency:        %.4f us/msg\n", float64(r.Latency())/float64(time.Microsecond))
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
