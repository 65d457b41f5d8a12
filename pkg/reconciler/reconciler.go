// Package reconciler implements spec.md §4.E: it consumes aligned
// payloads and merges them into canonical organization/location/service
// rows plus their per-scraper source rows and version history, entirely
// within one database transaction per job.
package reconciler

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/pgdb"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/policy"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/metrics"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// Reconciler merges aligned HSDS payloads into the canonical store.
type Reconciler struct {
	DB       *sqlx.DB
	Queue    *queue.Queue // optional; only needed by ProcessOne
	Geo      *policy.GeoBounds
	Merge    *policy.MergePolicy
	Log      logrus.FieldLogger
	WorkerID string
}

// New constructs a Reconciler. geo/merge may be nil only in tests that
// exercise organization/service paths not touching coordinate or
// name-majority logic. q may be nil for callers that only use Reconcile
// directly (narrow tests bypassing the queue).
func New(db *sqlx.DB, q *queue.Queue, geo *policy.GeoBounds, merge *policy.MergePolicy, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.New()
	}
	return &Reconciler{DB: db, Queue: q, Geo: geo, Merge: merge, Log: log, WorkerID: "worker-reconciler"}
}

// ProcessOne reserves and reconciles a single aligned job, returning
// (false, nil) when the queue was empty.
func (r *Reconciler) ProcessOne(ctx context.Context) (bool, error) {
	job, err := r.Queue.Reserve(ctx, types.QueueAligned, r.WorkerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	var aligned types.AlignedJob
	if err := json.Unmarshal(job.Payload, &aligned); err != nil {
		_ = r.Queue.Fail(ctx, types.QueueAligned, job.ID, err, queue.RetryPolicy{MaxRetries: 0})
		return true, nil
	}

	log := r.Log.WithField("job_id", job.ID).WithField("scraper_id", aligned.Metadata.ScraperID)
	timer := metrics.NewTimer()

	if err := r.Reconcile(ctx, aligned.Metadata.ScraperID, aligned.HSDS); err != nil {
		timer.RecordJobLatency(types.QueueAligned)
		log.WithError(err).Error("reconciliation failed")
		_ = r.Queue.Fail(ctx, types.QueueAligned, job.ID, err, queue.DefaultRetryPolicy())
		metrics.RecordJobProcessed(types.QueueAligned, string(types.JobFailed), aligned.Cached)
		return true, nil
	}

	timer.RecordJobLatency(types.QueueAligned)
	if err := r.Queue.Complete(ctx, types.QueueAligned, job.ID, types.JobResult{}); err != nil {
		log.WithError(err).Error("complete aligned job")
		return true, nil
	}
	metrics.RecordJobProcessed(types.QueueAligned, string(types.JobCompleted), aligned.Cached)
	return true, nil
}

// Reconcile applies one aligned payload transactionally (spec.md §4.E).
func (r *Reconciler) Reconcile(ctx context.Context, scraperID string, payload types.HSDSPayload) error {
	return pgdb.WithTx(ctx, r.DB, func(tx *sqlx.Tx) error {
		orgRefs, err := r.reconcileOrganizations(ctx, tx, scraperID, payload.Organization)
		if err != nil {
			return err
		}
		locRefs, err := r.reconcileLocations(ctx, tx, scraperID, payload.Location)
		if err != nil {
			return err
		}
		if err := r.reconcileServices(ctx, tx, scraperID, payload.Service, orgRefs, locRefs); err != nil {
			return err
		}
		return nil
	})
}

func parseUpdatedAt(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

// writeVersion inserts the next monotonic version_num for (recordID,
// recordType) within the caller's transaction, but only when data differs
// from the most recently stored version. Reconciling the same aligned
// payload twice must not advance version_num (spec.md §8's idempotence
// property).
func writeVersion(ctx context.Context, tx *sqlx.Tx, recordID uuid.UUID, recordType, sourceID string, data []byte) error {
	var latest []byte
	err := tx.GetContext(ctx, &latest, `
		SELECT data FROM record_version
		WHERE record_id = $1 AND record_type = $2
		ORDER BY version_num DESC LIMIT 1
	`, recordID, recordType)
	switch {
	case err == nil:
		if bytes.Equal(latest, data) {
			return nil
		}
	case isNoRows(err):
		// no prior version; fall through to insert the first one.
	default:
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "load latest record version")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO record_version (record_id, record_type, version_num, data, created_by, source_id)
		SELECT $1, $2, COALESCE(MAX(version_num), 0) + 1, $3, $4, $5
		FROM record_version WHERE record_id = $1 AND record_type = $2
	`, recordID, recordType, data, "reconciler", sourceID); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "write record version")
	}
	metrics.RecordVersionWritten(recordType)
	return nil
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows || pgdb.IsNoRows(err)
}
