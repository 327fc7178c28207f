// Command mppd hosts an MPP task manager: it accepts dispatched plan
// fragments, runs them, and serves metrics. It wires the runtime the
// way a host server would, with the hang monitor managed as a service
// and every actor composed into one run group.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/mppcore/pkg/mppcore/taskmanager"
	"github.com/grafana/mppcore/pkg/mppcore/transport"
	"github.com/grafana/mppcore/pkg/mppcore/tunnel"
)

func main() {
	fs := flag.NewFlagSet("mppd", flag.ExitOnError)
	var (
		listenAddr      = fs.String("listen-addr", ":8080", "HTTP address serving metrics and the dispatch endpoint.")
		monitorInterval = fs.Duration("hang-monitor.interval", taskmanager.DefaultMonitorInterval, "How often the hang monitor checks for stuck tasks.")
		waitingTimeout  = fs.Duration("hang-monitor.waiting-timeout", taskmanager.DefaultWaitingTimeout, "Cancel a query whose task produced no rows for this long.")
		runningTimeout  = fs.Duration("hang-monitor.running-timeout", 0, "Override for the per-request running-hang threshold. Zero derives it from each request's timeout.")
		recordsPerChunk = fs.Int64("chunk.records", 1024, "Rows accumulated per destination before a chunk is flushed.")
		bufferDepth     = fs.Int("tunnel.buffer-depth", tunnel.DefaultBufferDepth, "Chunk messages buffered per tunnel before writers block.")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := log.With(
		log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)),
		"ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller,
	)

	reg := prometheus.NewRegistry()

	mgr := taskmanager.New(&jsonPlanSource{}, taskmanager.Settings{
		MonitorInterval:   *monitorInterval,
		WaitingTimeout:    *waitingTimeout,
		RunningTimeout:    *runningTimeout,
		TunnelBufferDepth: *bufferDepth,
		RecordsPerChunk:   *recordsPerChunk,
		Registerer:        reg,
	}, logger)
	if err := mgr.RegisterMetrics(reg); err != nil {
		level.Error(logger).Log("msg", "registering metrics", "err", err)
		os.Exit(1)
	}

	local := transport.NewLocal(mgr)

	router := mux.NewRouter()
	router.Path("/metrics").Methods("GET").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	router.Path("/api/v1/dispatch").Methods("POST").Handler(newDispatchHandler(local, logger))

	server := &http.Server{Addr: *listenAddr, Handler: router}

	var g run.Group
	g.Add(run.SignalHandler(context.Background(), syscall.SIGINT, syscall.SIGTERM))
	g.Add(func() error {
		level.Info(logger).Log("msg", "http server listening", "addr", *listenAddr)
		return server.ListenAndServe()
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	g.Add(func() error {
		if err := services.StartAndAwaitRunning(context.Background(), mgr.Service()); err != nil {
			return err
		}
		return mgr.Service().AwaitTerminated(context.Background())
	}, func(error) {
		_ = services.StopAndAwaitTerminated(context.Background(), mgr.Service())
	})

	if err := g.Run(); err != nil {
		var sig run.SignalError
		if errors.As(err, &sig) {
			level.Info(logger).Log("msg", "shutting down", "signal", sig.Signal)
			return
		}
		level.Error(logger).Log("msg", "mppd exited with error", "err", err)
		os.Exit(1)
	}
}
