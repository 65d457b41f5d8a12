// Command worker-recorder runs the terminal-job archivist described in
// spec.md §4.F: it consumes the recorder queue and writes every terminal
// job result to the dated JSON tree.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/runloop"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/recorder"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

const shutdownTimeout = 30 * time.Second

type healthProvider struct {
	q *queue.Queue
}

func (h *healthProvider) Health(ctx context.Context) metrics.HealthStatus {
	depth, _ := h.q.Length(ctx, types.QueueRecorder)
	return metrics.HealthStatus{Status: "ok", QueueDepth: depth}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	outputDir := flag.String("output-dir", "outputs", "root of the recorder's dated JSON tree")
	port := flag.String("port", "8082", "health/metrics server port")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	q, err := queue.New(queue.Config{
		URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize,
		TTL: time.Duration(cfg.Redis.TTLSeconds) * time.Second,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("connect to redis")
	}
	defer q.Close()

	rec, err := recorder.New(q, *outputDir, log)
	if err != nil {
		log.WithError(err).Fatal("construct recorder")
	}

	metricsSrv := metrics.NewServer(*port, log)
	metricsSrv.SetHealthProvider(&healthProvider{q: q})
	metricsSrv.StartAsync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runloop.ReportGauges(ctx, func() {
		depth, _ := q.Length(ctx, types.QueueRecorder)
		metrics.SetQueueDepth(types.QueueRecorder, float64(depth))
		metrics.SetActiveWorkers(types.QueueRecorder, 1)
	})

	log.WithField("output_dir", *outputDir).Info("worker-recorder starting")
	runloop.Run(ctx, log, types.QueueRecorder, rec.ProcessOne)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}
	log.Info("worker-recorder stopped")
}
