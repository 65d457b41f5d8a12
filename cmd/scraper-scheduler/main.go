// Command scraper-scheduler runs the cron-scheduled scraper orchestrator
// described in spec.md §4.H as a long-running daemon: it discovers scrapers
// on startup, runs them on the configured cron schedule (default
// "0 */4 * * *"), and enqueues each successful run onto the raw queue. This
// is the scheduled counterpart to cmd/scraper-cli's one-shot run/test
// subcommands.
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
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/scraper"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

const shutdownTimeout = 30 * time.Second

type healthProvider struct {
	q *queue.Queue
}

func (h *healthProvider) Health(ctx context.Context) metrics.HealthStatus {
	depth, _ := h.q.Length(ctx, types.QueueRaw)
	return metrics.HealthStatus{Status: "ok", QueueDepth: depth}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	port := flag.String("port", "8084", "health/metrics server port")
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

	orch := scraper.New(q, cfg.Scraper.ScraperDir, cfg.Scraper.Concurrency, cfg.Scraper.Timeout.AsDuration(), cfg.Scraper.Schedule, log)

	metricsSrv := metrics.NewServer(*port, log)
	metricsSrv.SetHealthProvider(&healthProvider{q: q})
	metricsSrv.StartAsync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runloop.ReportGauges(ctx, func() {
		depth, _ := q.Length(ctx, types.QueueRaw)
		metrics.SetQueueDepth(types.QueueRaw, float64(depth))
	})

	if err := orch.Start(ctx); err != nil {
		log.WithError(err).Fatal("start scraper schedule")
	}
	log.WithField("schedule", cfg.Scraper.Schedule).Info("scraper-scheduler starting")

	<-ctx.Done()
	orch.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}
	log.Info("scraper-scheduler stopped")
}
