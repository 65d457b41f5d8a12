package scraper

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// Orchestrator resolves named scrapers by discovery and runs them on a
// cron schedule, bounding concurrency and isolating per-scraper failures
// from each other and from the queue (spec.md §4.H).
type Orchestrator struct {
	Queue       *queue.Queue
	ScraperDir  string
	Concurrency int
	Timeout     time.Duration
	Schedule    string
	Log         logrus.FieldLogger

	cron *cron.Cron
}

// New constructs an Orchestrator, defaulting concurrency/timeout/schedule
// to spec.md §4.H's stated values when unset.
func New(q *queue.Queue, scraperDir string, concurrency int, timeout time.Duration, schedule string, log logrus.FieldLogger) *Orchestrator {
	if concurrency <= 0 {
		concurrency = 5
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	if schedule == "" {
		schedule = "0 */4 * * *"
	}
	if log == nil {
		log = logrus.New()
	}
	return &Orchestrator{Queue: q, ScraperDir: scraperDir, Concurrency: concurrency, Timeout: timeout, Schedule: schedule, Log: log}
}

// Start schedules RunAll on the configured cron expression and returns
// immediately; the schedule runs in its own goroutine until Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.cron = cron.New()
	_, err := o.cron.AddFunc(o.Schedule, func() {
		o.RunAll(ctx)
	})
	if err != nil {
		return errors.Wrap(err, "parse scraper schedule")
	}
	o.cron.Start()
	return nil
}

// Stop halts the cron schedule, waiting for any in-flight invocation's
// cron entry (not the subprocess itself) to return.
func (o *Orchestrator) Stop() {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
}

// RunAll discovers every scraper and runs them concurrently up to
// Concurrency, isolating failures: one scraper's failure neither blocks
// others nor poisons the queue (spec.md §4.H).
func (o *Orchestrator) RunAll(ctx context.Context) []RunResult {
	scrapers, err := Discover(o.ScraperDir)
	if err != nil {
		o.Log.WithError(err).Error("failed to discover scrapers")
		return nil
	}

	sem := semaphore.NewWeighted(int64(o.Concurrency))
	results := make([]RunResult, len(scrapers))
	done := make(chan struct{})
	remaining := len(scrapers)
	if remaining == 0 {
		return nil
	}

	for i, s := range scrapers {
		i, s := i, s
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = RunResult{ScraperID: s.ID, Err: err}
				done <- struct{}{}
				return
			}
			defer sem.Release(1)
			results[i] = o.runOne(ctx, s)
			done <- struct{}{}
		}()
	}
	for ; remaining > 0; remaining-- {
		<-done
	}
	return results
}

// runOne runs a single scraper and enqueues its result onto the raw
// queue, logging but not propagating a subprocess failure.
func (o *Orchestrator) runOne(ctx context.Context, s Scraper) RunResult {
	result := Run(ctx, s, o.Timeout)
	logStderr(o.Log, s.ID, result.Stderr)

	if result.Err != nil {
		o.Log.WithError(result.Err).WithField("scraper_id", s.ID).Error("scraper run failed")
		return result
	}

	payload, err := json.Marshal(result.Payload())
	if err != nil {
		o.Log.WithError(err).WithField("scraper_id", s.ID).Error("failed to marshal raw job")
		result.Err = err
		return result
	}

	if _, err := o.Queue.Enqueue(ctx, types.QueueRaw, payload, map[string]string{
		"scraper_id":   s.ID,
		"content_hash": result.ContentHash,
	}); err != nil {
		o.Log.WithError(err).WithField("scraper_id", s.ID).Error("failed to enqueue raw job")
		result.Err = err
		return result
	}

	o.Log.WithField("scraper_id", s.ID).WithField("content_hash", result.ContentHash).Info("scraper run enqueued")
	return result
}
