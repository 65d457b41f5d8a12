// Package runloop implements the reserve-process-backoff loop every
// worker binary (worker-align, worker-reconciler, worker-recorder) drives
// its respective ProcessOne method with, matching spec.md §5's worker
// concurrency model: block briefly on an empty queue rather than busy-spin,
// and stop cleanly on context cancellation.
package runloop

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const idleBackoff = 200 * time.Millisecond

// gaugeInterval is how often ReportGauges refreshes the queue_depth and
// active_workers gauges spec.md §4.I names, independent of job throughput.
const gaugeInterval = 15 * time.Second

// ReportGauges calls report immediately and then every gaugeInterval until
// ctx is canceled. Workers use it to keep pkg/metrics's queue_depth and
// active_workers gauges current without coupling the refresh cadence to how
// often ProcessOne actually finds work.
func ReportGauges(ctx context.Context, report func()) {
	report()
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report()
		}
	}
}

// Run calls processOne until ctx is canceled. A processOne error is
// logged and followed by a one-second pause before retrying; an empty
// queue (processed == false, err == nil) is followed by a short idle
// backoff instead of a tight loop.
func Run(ctx context.Context, log logrus.FieldLogger, queueName string, processOne func(context.Context) (bool, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		processed, err := processOne(ctx)
		if err != nil {
			log.WithError(err).WithField("queue", queueName).Error("reserve failed")
			time.Sleep(time.Second)
			continue
		}
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleBackoff):
			}
		}
	}
}
