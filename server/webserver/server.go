package webserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunExtension serves the extension on PORT (default 80) until
// SIGTERM/SIGINT, then drains in-flight requests. If METRICS_PORT is
// set, a separate listener exposes /metrics so the scrape endpoint
// never shares the extension's public port.
func RunExtension(extension http.Handler) {
	port := 80
	if p := os.Getenv("PORT"); p != "" {
		p, err := strconv.ParseInt(p, 10, 16)
		if err != nil {
			panic(err)
		}
		port = int(p)
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           extension,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var metricsSrv *http.Server
	if mp := os.Getenv("METRICS_PORT"); mp != "" {
		p, err := strconv.ParseInt(mp, 10, 16)
		if err != nil {
			panic(err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", p),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	wgServerClosed := sync.WaitGroup{}

	osSignals := make(chan os.Signal, 1)
	signal.Notify(osSignals, os.Interrupt, syscall.SIGTERM)

	wgServerClosed.Add(1)
	go func() {
		defer wgServerClosed.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("http.ListenAndServe(): %v\n", err))

			// Try to terminate the process cleanly.
			p, err := os.FindProcess(os.Getpid())
			if err != nil {
				panic(err)
			}
			if err := p.Signal(syscall.SIGTERM); err != nil {
				slog.Error(fmt.Sprintf("failed to send SIGTERM: %v", err))
				return
			}
		}
	}()

	if metricsSrv != nil {
		wgServerClosed.Add(1)
		go func() {
			defer wgServerClosed.Done()
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error(fmt.Sprintf("metrics ListenAndServe(): %v", err))
			}
		}()
		slog.Info(fmt.Sprintf("metrics listening on port %s", os.Getenv("METRICS_PORT")))
	}

	slog.Info(fmt.Sprintf("server is listening on port %d", port))

	sig := <-osSignals
	slog.Info(fmt.Sprintf("Received signal %v, shutting down server...\n", sig))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Info(fmt.Sprintf("server.Shutdown(): %v\n", err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(ctx); err != nil {
			slog.Info(fmt.Sprintf("metrics Shutdown(): %v\n", err))
		}
	}

	slog.Info("server gracefully shut down")

	wgServerClosed.Wait()
}
