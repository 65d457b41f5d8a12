// Command worker-reconciler runs the reconciliation worker described in
// spec.md §4.E: it consumes the aligned queue and merges each payload into
// canonical organization/location/service rows within one transaction.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/pgdb"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/policy"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/runloop"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/reconciler"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

const shutdownTimeout = 30 * time.Second

type healthProvider struct {
	q *queue.Queue
}

func (h *healthProvider) Health(ctx context.Context) metrics.HealthStatus {
	depth, _ := h.q.Length(ctx, types.QueueAligned)
	return metrics.HealthStatus{Status: "ok", QueueDepth: depth}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	port := flag.String("port", "8081", "health/metrics server port")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.New(queue.Config{
		URL: cfg.Redis.URL, PoolSize: cfg.Redis.PoolSize,
		TTL: time.Duration(cfg.Redis.TTLSeconds) * time.Second,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("connect to redis")
	}
	defer q.Close()

	db, err := pgdb.Open(ctx, pgdb.Config{
		DSN: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns, MaxIdleConns: cfg.Database.MaxIdleConns,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	geo, err := policy.NewGeoBounds(ctx)
	if err != nil {
		log.WithError(err).Fatal("compile geobounds policy")
	}
	merge, err := policy.NewMergePolicy(ctx)
	if err != nil {
		log.WithError(err).Fatal("compile merge policy")
	}

	r := reconciler.New(db, q, geo, merge, log)

	metricsSrv := metrics.NewServer(*port, log)
	metricsSrv.SetHealthProvider(&healthProvider{q: q})
	metricsSrv.StartAsync()

	go runloop.ReportGauges(ctx, func() {
		depth, _ := q.Length(ctx, types.QueueAligned)
		metrics.SetQueueDepth(types.QueueAligned, float64(depth))
		metrics.SetActiveWorkers(types.QueueAligned, 1)
	})

	log.Info("worker-reconciler starting")
	runloop.Run(ctx, log, types.QueueAligned, r.ProcessOne)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}
	log.Info("worker-reconciler stopped")
}
