package recorder

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/queue"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

func TestRecorder(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "recorder Suite")
}

func newTestQueue() *queue.Queue {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return queue.FromClient(client, queue.Config{LeaseTTL: time.Minute, TTL: time.Hour}, log)
}

func newTestRecorder() (*Recorder, string) {
	dir, err := os.MkdirTemp("", "recorder-test-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(dir) })
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	r, err := New(newTestQueue(), dir, log)
	Expect(err).NotTo(HaveOccurred())
	return r, dir
}

var fixedTime = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

var _ = Describe("Recorder", func() {
	var (
		r    *Recorder
		root string
		ctx  context.Context
	)

	BeforeEach(func() {
		r, root = newTestRecorder()
		ctx = context.Background()
	})

	It("writes the dated job artifact and the latest pointer", func() {
		rec := types.RecorderJob{
			JobID:     "job-1",
			Queue:     types.QueueAligned,
			Metadata:  types.Metadata{ScraperID: "food-bank-scraper"},
			Status:    types.JobCompleted,
			Result:    types.JobResult{Text: "ok"},
			CreatedAt: fixedTime,
		}
		Expect(r.Record(ctx, rec)).To(Succeed())

		jobPath := filepath.Join(root, "daily", "2026-06-15", "scrapers", "food-bank-scraper", "job-1.json")
		data, err := os.ReadFile(jobPath)
		Expect(err).NotTo(HaveOccurred())
		var got types.RecorderJob
		Expect(json.Unmarshal(data, &got)).To(Succeed())
		Expect(got.JobID).To(Equal("job-1"))

		latestPath := filepath.Join(root, "latest", "food-bank-scraper_latest.json")
		latestData, err := os.ReadFile(latestPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(latestData).To(Equal(data))
	})

	It("maintains a running daily summary across multiple jobs", func() {
		for i, status := range []types.JobStatus{types.JobCompleted, types.JobCompleted, types.JobFailed} {
			rec := types.RecorderJob{
				JobID:     "job-" + string(rune('a'+i)),
				Metadata:  types.Metadata{ScraperID: "food-bank-scraper"},
				Status:    status,
				CreatedAt: fixedTime,
			}
			Expect(r.Record(ctx, rec)).To(Succeed())
		}

		summaryPath := filepath.Join(root, "daily", "2026-06-15", "summary.json")
		data, err := os.ReadFile(summaryPath)
		Expect(err).NotTo(HaveOccurred())
		var summary Summary
		Expect(json.Unmarshal(data, &summary)).To(Succeed())
		Expect(summary.JobCount).To(Equal(3))
		Expect(summary.CountByStatus[string(types.JobCompleted)]).To(Equal(2))
		Expect(summary.CountByStatus[string(types.JobFailed)]).To(Equal(1))
		Expect(summary.CountByScraper["food-bank-scraper"]).To(Equal(3))
	})

	It("overwrites the latest pointer for a scraper with the newest job", func() {
		first := types.RecorderJob{JobID: "job-1", Metadata: types.Metadata{ScraperID: "s1"}, CreatedAt: fixedTime}
		second := types.RecorderJob{JobID: "job-2", Metadata: types.Metadata{ScraperID: "s1"}, CreatedAt: fixedTime}
		Expect(r.Record(ctx, first)).To(Succeed())
		Expect(r.Record(ctx, second)).To(Succeed())

		latestData, err := os.ReadFile(filepath.Join(root, "latest", "s1_latest.json"))
		Expect(err).NotTo(HaveOccurred())
		var got types.RecorderJob
		Expect(json.Unmarshal(latestData, &got)).To(Succeed())
		Expect(got.JobID).To(Equal("job-2"))
	})

	It("processes a recorder-queue job end to end via ProcessOne", func() {
		rec := types.RecorderJob{JobID: "job-9", Metadata: types.Metadata{ScraperID: "s9"}, CreatedAt: fixedTime}
		payload, err := json.Marshal(rec)
		Expect(err).NotTo(HaveOccurred())
		_, err = r.Queue.Enqueue(ctx, types.QueueRecorder, payload, nil)
		Expect(err).NotTo(HaveOccurred())

		processed, err := r.ProcessOne(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(processed).To(BeTrue())

		_, err = os.Stat(filepath.Join(root, "latest", "s9_latest.json"))
		Expect(err).NotTo(HaveOccurred())

		length, err := r.Queue.Length(ctx, types.QueueRecorder)
		Expect(err).NotTo(HaveOccurred())
		Expect(length).To(BeZero())
	})

	It("archives a day's tree into a gzip tar bundle containing its files", func() {
		rec := types.RecorderJob{JobID: "job-1", Metadata: types.Metadata{ScraperID: "s1"}, CreatedAt: fixedTime}
		Expect(r.Record(ctx, rec)).To(Succeed())

		archivePath := filepath.Join(root, "archive.tar.gz")
		Expect(r.Archive(ctx, "2026-06-15", archivePath)).To(Succeed())

		f, err := os.Open(archivePath)
		Expect(err).NotTo(HaveOccurred())
		defer f.Close()
		gz, err := gzip.NewReader(f)
		Expect(err).NotTo(HaveOccurred())
		tr := tar.NewReader(gz)

		var names []string
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			Expect(err).NotTo(HaveOccurred())
			names = append(names, hdr.Name)
		}
		Expect(names).To(ContainElement(filepath.Join("scrapers", "s1", "job-1.json")))
		Expect(names).To(ContainElement("summary.json"))
	})

	It("errors archiving a day with no recorded tree", func() {
		err := r.Archive(ctx, "2099-01-01", filepath.Join(root, "missing.tar.gz"))
		Expect(err).To(HaveOccurred())
	})
})
