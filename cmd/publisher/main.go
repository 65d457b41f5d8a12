// Command publisher runs the periodic external-repo sync described in
// spec.md §4.G: pull, discover, branch, sync, dump(+ratchet), export,
// commit/merge, and (if enabled) push.
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
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/pgdb"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/publisher"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	repoPath := flag.String("repo", "", "path to the external repository checkout")
	recorderRoot := flag.String("recorder-root", "outputs", "root of the recorder's dated JSON tree")
	contentStoreRoot := flag.String("content-store-root", "", "root of the content store directory (optional)")
	port := flag.String("port", "8083", "health/metrics server port")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgdb.Open(ctx, pgdb.Config{
		DSN: cfg.Database.URL, MaxOpenConns: cfg.Database.MaxOpenConns, MaxIdleConns: cfg.Database.MaxIdleConns,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	alerts := alerting.New(cfg.Alerting.SlackWebhookURL, log)

	publisherCfg := cfg.Publisher
	publisherCfg.RepoPath = *repoPath
	pubCfg := publisher.Config{
		PublisherConfig:  publisherCfg,
		RecorderRoot:     *recorderRoot,
		ContentStoreRoot: *contentStoreRoot,
		DatabaseURL:      cfg.Database.URL,
	}
	p := publisher.New(pubCfg, db, alerts, log)

	metricsSrv := metrics.NewServer(*port, log)
	metricsSrv.StartAsync()

	log.WithField("repo", *repoPath).WithField("push_enabled", cfg.Publisher.PushEnabled).Info("publisher starting")
	p.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics server shutdown")
	}
	log.Info("publisher stopped")
}
