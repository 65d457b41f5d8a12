// Package recorder implements the terminal-job archivist described in
// spec.md §4.F: it consumes the recorder queue and writes every terminal
// job result to a dated JSON tree, maintaining daily summaries and a
// per-scraper "latest" pointer. All writes are atomic (write-temp-then-
// rename), the same discipline pkg/contentstore uses for its own records.
package recorder

import (
	"archive/tar"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// Summary is the daily index written to outputs/daily/<date>/summary.json.
type Summary struct {
	Date          string         `json:"date"`
	JobCount      int            `json:"job_count"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByScraper map[string]int `json:"count_by_scraper"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Recorder consumes the recorder queue and maintains the dated JSON tree
// rooted at Root (spec.md §6 "Persistent state layout (recorder)").
type Recorder struct {
	Queue    *queue.Queue
	Root     string
	Log      logrus.FieldLogger
	WorkerID string

	mu sync.Mutex // serializes summary.json read-modify-write per process
}

// New constructs a Recorder rooted at dir, creating the directory tree if
// it does not yet exist.
func New(q *queue.Queue, dir string, log logrus.FieldLogger) (*Recorder, error) {
	if log == nil {
		log = logrus.New()
	}
	if err := os.MkdirAll(filepath.Join(dir, "latest"), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create recorder output tree")
	}
	return &Recorder{Queue: q, Root: dir, Log: log, WorkerID: "worker-recorder"}, nil
}

// ProcessOne reserves and records a single job, returning false when the
// queue is empty.
func (r *Recorder) ProcessOne(ctx context.Context) (bool, error) {
	job, err := r.Queue.Reserve(ctx, types.QueueRecorder, r.WorkerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	var rec types.RecorderJob
	if err := json.Unmarshal(job.Payload, &rec); err != nil {
		_ = r.Queue.Fail(ctx, types.QueueRecorder, job.ID, err, queue.RetryPolicy{MaxRetries: 0})
		return true, nil
	}

	log := r.Log.WithField("job_id", rec.JobID).WithField("scraper_id", rec.Metadata.ScraperID)
	if err := r.Record(ctx, rec); err != nil {
		log.WithError(err).Error("failed to record job")
		_ = r.Queue.Fail(ctx, types.QueueRecorder, job.ID, err, queue.RetryPolicy{MaxRetries: 3})
		return true, nil
	}

	if err := r.Queue.Complete(ctx, types.QueueRecorder, job.ID, types.JobResult{}); err != nil {
		log.WithError(err).Error("failed to complete recorder job")
	}
	return true, nil
}

// Record writes the dated job artifact, updates the daily summary, and
// refreshes the scraper's latest pointer (spec.md §4.F).
func (r *Recorder) Record(ctx context.Context, rec types.RecorderJob) error {
	date := rec.CreatedAt.UTC().Format("2006-01-02")
	dayDir := filepath.Join(r.Root, "daily", date)
	scraperDir := filepath.Join(dayDir, "scrapers", rec.Metadata.ScraperID)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal recorder job")
	}

	jobPath := filepath.Join(scraperDir, rec.JobID+".json")
	if err := writeAtomic(jobPath, data); err != nil {
		return err
	}

	latestPath := filepath.Join(r.Root, "latest", rec.Metadata.ScraperID+"_latest.json")
	if err := writeAtomic(latestPath, data); err != nil {
		return err
	}

	return r.updateSummary(dayDir, date, rec)
}

// updateSummary rewrites summary.json with rec folded in. Guarded by mu
// so concurrent ProcessOne calls within the same process don't race on
// the read-modify-write; cross-process safety relies on each worker
// owning a disjoint scraper_id set in practice, matching the recorder's
// single-writer-per-tree deployment model.
func (r *Recorder) updateSummary(dayDir, date string, rec types.RecorderJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	summaryPath := filepath.Join(dayDir, "summary.json")
	summary := Summary{
		Date:           date,
		CountByStatus:  map[string]int{},
		CountByScraper: map[string]int{},
	}
	if data, err := os.ReadFile(summaryPath); err == nil {
		_ = json.Unmarshal(data, &summary)
	} else if !os.IsNotExist(err) {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "read daily summary")
	}
	if summary.CountByStatus == nil {
		summary.CountByStatus = map[string]int{}
	}
	if summary.CountByScraper == nil {
		summary.CountByScraper = map[string]int{}
	}

	summary.JobCount++
	summary.CountByStatus[string(rec.Status)]++
	summary.CountByScraper[rec.Metadata.ScraperID]++
	summary.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal daily summary")
	}
	return writeAtomic(summaryPath, data)
}

// Archive bundles a day's tree (daily/<date>/) into a gzip-compressed tar
// at archivePath, on request (spec.md §4.F: "Archives raw inputs to
// compressed per-day bundles on request"). The write is atomic: the
// bundle is built at archivePath+".tmp" and renamed into place so a
// reader never observes a partial archive.
func (r *Recorder) Archive(ctx context.Context, date, archivePath string) error {
	dayDir := filepath.Join(r.Root, "daily", date)
	if _, err := os.Stat(dayDir); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeNotFound, "daily tree does not exist")
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create archive directory")
	}
	tmp := archivePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create archive bundle")
	}

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(dayDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dayDir, path)
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})

	closeErr := tw.Close()
	gzErr := gz.Close()
	fErr := f.Close()

	if walkErr != nil || closeErr != nil || gzErr != nil || fErr != nil {
		_ = os.Remove(tmp)
		if walkErr != nil {
			return apperrors.Wrap(walkErr, apperrors.ErrorTypeStorage, "walk daily tree for archive")
		}
		return apperrors.Wrap(firstNonNil(closeErr, gzErr, fErr), apperrors.ErrorTypeStorage, "finalize archive bundle")
	}

	if err := os.Rename(tmp, archivePath); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "rename archive bundle into place")
	}
	return nil
}

func firstNonNil(errs ...error) error {
	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// writeAtomic writes data to a temp file in path's directory and renames
// it into place, so readers never observe a partial file.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "create recorder directory")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "write recorder artifact")
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeStorage, "rename recorder artifact into place")
	}
	return nil
}
