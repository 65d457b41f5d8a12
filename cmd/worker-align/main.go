// Command worker-align runs the alignment worker described in spec.md
// §4.D: it consumes the raw queue, turns source text into HSDS candidates
// via an LLM provider, and fans the result out to the aligned and
// recorder queues.
package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/alerting"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/runloop"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/contentstore"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/llm"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/llm/provider"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

const shutdownTimeout = 30 * time.Second

// healthProvider adapts the worker's primary LLM provider and raw queue
// depth to pkg/metrics.HealthProvider (spec.md §4.I).
type healthProvider struct {
	primary provider.Provider
	q       *queue.Queue
}

func (h *healthProvider) Health(ctx context.Context) metrics.HealthStatus {
	depth, _ := h.q.Length(ctx, types.QueueRaw)
	authenticated := h.primary.Authenticated(ctx)
	metrics.SetProviderAuthenticated(h.primary.Name(), authenticated)
	return metrics.HealthStatus{
		Status:        "ok",
		Provider:      h.primary.Name(),
		Authenticated: authenticated,
		Model:         h.primary.Model(),
		QueueDepth:    depth,
	}
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	port := flag.String("port", "8080", "health/metrics server port")
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

	var store *contentstore.Store
	if cfg.ContentStore.Enabled {
		store, err = contentstore.New(cfg.ContentStore.Path, log)
		if err != nil {
			log.WithError(err).Fatal("open content store")
		}
	}

	primary, err := provider.New(provider.Config{
		Name: cfg.LLM.Provider, APIKey: cfg.LLM.APIKey, Model: cfg.LLM.Model,
		Endpoint: cfg.LLM.Endpoint, MaxTokens: cfg.LLM.MaxTokens, Temperature: float64(cfg.LLM.Temperature),
	})
	if err != nil {
		log.WithError(err).Fatal("construct llm provider")
	}

	var validator provider.Provider
	if cfg.LLM.ValidatorLLM {
		validator = primary
	}

	alerts := alerting.New(cfg.Alerting.SlackWebhookURL, log)

	worker, err := llm.New(q, store, primary, validator, cfg.LLM, alerts, log)
	if err != nil {
		log.WithError(err).Fatal("construct alignment worker")
	}

	metricsSrv := metrics.NewServer(*port, log)
	metricsSrv.SetHealthProvider(&healthProvider{primary: primary, q: q})
	metricsSrv.StartAsync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runloop.ReportGauges(ctx, func() {
		depth, _ := q.Length(ctx, types.QueueRaw)
		metrics.SetQueueDepth(types.QueueRaw, float64(depth))
		metrics.SetActiveWorkers(types.QueueRaw, 1)
		if store != nil {
			stats := store.Stats()
			metrics.SetContentStoreStats(stats.EntryCount, stats.TotalBytes)
		}
	})

	log.WithField("provider", cfg.LLM.Provider).Info("worker-align starting")
	runloop.Run(ctx, log, types.QueueRaw, worker.ProcessOne)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}
	log.Info("worker-align stopped")
}
