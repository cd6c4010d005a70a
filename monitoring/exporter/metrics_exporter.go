package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"waitfor/pkg/waitfor"
)

var lockType = &waitfor.ResourceType{Name: "demo-lock"}

// runWorkload spins up a ring of workers that contend on each other, so the
// exporter has live wait, timeout, and deadlock series to show.
func runWorkload(c *waitfor.Coordinator, workers int, logger *zap.Logger) {
	threads := make([]*waitfor.ThreadDescriptor, workers)
	timeoutShort := 50 * time.Millisecond
	timeoutLong := 200 * time.Millisecond
	for i := range threads {
		threads[i] = c.NewThread(waitfor.Params{
			TimeoutShort: &timeoutShort,
			TimeoutLong:  &timeoutLong,
		})
		threads[i].SetWeight(int64(i))
	}

	for i := range threads {
		go func(i int) {
			self := threads[i]
			next := threads[(i+1)%workers]
			id := waitfor.ResourceID{Type: lockType, Value: uint64(i)}
			var host sync.Mutex

			for {
				err := self.DeclareWait(next, id)
				if errors.Is(err, waitfor.ErrDeadlock) {
					self.ReleaseAll()
					time.Sleep(10 * time.Millisecond)
					continue
				}
				if err != nil {
					logger.Error("declare failed", zap.Int("worker", i), zap.Error(err))
					return
				}
				host.Lock()
				self.Wait(&host)
				host.Unlock()
				self.ReleaseAll()
			}
		}(i)
	}
}

func main() {
	port := os.Getenv("METRICS_PORT")
	if port == "" {
		port = "8080"
	}
	workers := 6
	if w := os.Getenv("WORKERS"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n < 2 {
			fmt.Fprintf(os.Stderr, "invalid WORKERS %q\n", w)
			os.Exit(1)
		}
		workers = n
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // #nosec G104

	logger.Info("starting wait coordinator exporter",
		zap.String("port", port), zap.Int("workers", workers))

	coord := waitfor.New(waitfor.WithLogger(logger))

	reg := prometheus.NewRegistry()
	reg.MustRegister(waitfor.NewMetricsCollector(coord))

	runWorkload(coord, workers, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("metrics available", zap.String("url", "http://localhost:"+port+"/metrics"))
	logger.Fatal("server exited", zap.Error(srv.ListenAndServe()))
}
