// Package main runs a standalone h2core server: a handler wired through
// the tracing middleware, prometheus exposed on a side HTTP/1 listener,
// and the gnet-backed HTTP/2 transport on the main port.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coriolis-h2/h2core/internal/h2/hpack"
	"github.com/coriolis-h2/h2core/internal/h2/metrics"
	"github.com/coriolis-h2/h2core/internal/h2/stream"
	"github.com/coriolis-h2/h2core/internal/h2/task"
	"github.com/coriolis-h2/h2core/internal/h2/tracing"
	"github.com/coriolis-h2/h2core/internal/h2/transport"
)

func main() {
	logger := log.New(os.Stdout, "h2core: ", log.LstdFlags)

	reg := prometheus.NewRegistry()
	mtr := metrics.New(reg)

	handler := tracing.Wrap(task.HandlerFunc(serve), tracing.Config{TracerName: "h2core/cmd"})

	srv := transport.NewServer(transport.Config{
		Addr:                 ":8443",
		Multicore:            true,
		Logger:               logger,
		Metrics:              mtr,
		Handler:              handler,
		MaxConcurrentStreams: 100,
		PrefaceTimeout:       10 * time.Second,
		ReadTimeout:          5 * time.Minute,
	})

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Println("metrics listening on :9090/metrics")
		if err := http.ListenAndServe(":9090", mux); err != nil {
			logger.Printf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatalf("server stopped: %v", err)
		}
	}()

	fmt.Println("h2core listening on :8443")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
}

func serve(ctx context.Context, req *stream.Request, body io.Reader, w task.ResponseWriter) {
	switch req.Path {
	case "/":
		respond(w, 200, []byte("hello"))
	case "/ping":
		respond(w, 200, []byte(`{"message":"pong"}`))
	default:
		respond(w, 404, []byte("not found"))
	}
}

func respond(w task.ResponseWriter, status int, body []byte) {
	_ = w.SendHeaders([]hpack.HeaderField{
		{":status", statusString(status)},
		{"content-type", "text/plain"},
	}, false)
	_ = w.SendData(body, true)
}

func statusString(status int) string {
	return fmt.Sprintf("%d", status)
}
