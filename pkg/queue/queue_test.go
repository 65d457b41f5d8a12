package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "queue Suite")
}

func newTestQueue() (*Queue, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	q := FromClient(client, Config{LeaseTTL: 50 * time.Millisecond, TTL: time.Hour}, log)
	return q, mr
}

var _ = Describe("Queue", func() {
	var (
		q   *Queue
		mr  *miniredis.Miniredis
		ctx context.Context
	)

	BeforeEach(func() {
		q, mr = newTestQueue()
		ctx = context.Background()
	})

	AfterEach(func() {
		mr.Close()
	})

	It("enqueues and reserves a job exactly once", func() {
		id, err := q.Enqueue(ctx, types.QueueRaw, []byte(`{"x":1}`), map[string]string{"scraper_id": "s1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(id).NotTo(BeEmpty())

		job, err := q.Reserve(ctx, types.QueueRaw, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(job).NotTo(BeNil())
		Expect(job.ID).To(Equal(id))
		Expect(job.Status).To(Equal(types.JobRunning))

		// No other job is available — queue exclusivity invariant.
		again, err := q.Reserve(ctx, types.QueueRaw, "worker-2")
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeNil())
	})

	It("returns nil, nil on an empty queue", func() {
		job, err := q.Reserve(ctx, types.QueueRaw, "worker-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(job).To(BeNil())
	})

	It("completes a job and clears its lease", func() {
		id, _ := q.Enqueue(ctx, types.QueueAligned, []byte(`{}`), nil)
		_, err := q.Reserve(ctx, types.QueueAligned, "worker-1")
		Expect(err).NotTo(HaveOccurred())

		Expect(q.Complete(ctx, types.QueueAligned, id, types.JobResult{Text: "ok"})).To(Succeed())

		n, err := q.Length(ctx, types.QueueAligned)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("retries failed jobs up to the policy's max, then dead-letters", func() {
		id, _ := q.Enqueue(ctx, types.QueueRaw, []byte(`{}`), nil)
		policy := RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

		_, _ = q.Reserve(ctx, types.QueueRaw, "w1")
		Expect(q.Fail(ctx, types.QueueRaw, id, errors.New("boom"), policy)).To(Succeed())

		mr.FastForward(10 * time.Millisecond)
		// FastForward only moves miniredis TTLs; the deferred index is
		// scored by the wall clock, so the retry delay has to really elapse.
		time.Sleep(10 * time.Millisecond)
		job, err := q.Reserve(ctx, types.QueueRaw, "w1")
		Expect(err).NotTo(HaveOccurred())
		Expect(job).NotTo(BeNil())

		Expect(q.Fail(ctx, types.QueueRaw, id, errors.New("boom again"), policy)).To(Succeed())

		dead, err := q.DeadLetterDrain(ctx, types.QueueRaw)
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(HaveLen(1))
		Expect(dead[0].Status).To(Equal(types.JobFailed))
	})

	It("peeks the dead letter list without removing its entries", func() {
		id, _ := q.Enqueue(ctx, types.QueueRaw, []byte(`{}`), nil)
		policy := RetryPolicy{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

		_, _ = q.Reserve(ctx, types.QueueRaw, "w1")
		Expect(q.Fail(ctx, types.QueueRaw, id, errors.New("boom"), policy)).To(Succeed())

		peeked, err := q.DeadLetterPeek(ctx, types.QueueRaw)
		Expect(err).NotTo(HaveOccurred())
		Expect(peeked).To(HaveLen(1))

		dead, err := q.DeadLetterDrain(ctx, types.QueueRaw)
		Expect(err).NotTo(HaveOccurred())
		Expect(dead).To(HaveLen(1))
	})

	It("increments retry count on DeferWithRetry, unlike Defer", func() {
		id, _ := q.Enqueue(ctx, types.QueueRaw, []byte(`{}`), nil)

		_, _ = q.Reserve(ctx, types.QueueRaw, "w1")
		Expect(q.Defer(ctx, types.QueueRaw, id, time.Now())).To(Succeed())
		job, err := q.load(ctx, types.QueueRaw, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(job.RetryCount).To(Equal(0))

		mr.FastForward(10 * time.Millisecond)
		_, _ = q.Reserve(ctx, types.QueueRaw, "w1")
		count, err := q.DeferWithRetry(ctx, types.QueueRaw, id, time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(count).To(Equal(1))
		job, err = q.load(ctx, types.QueueRaw, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(job.RetryCount).To(Equal(1))
	})

	It("reclaims a job whose lease expired without completion", func() {
		id, _ := q.Enqueue(ctx, types.QueueRecorder, []byte(`{}`), nil)
		_, err := q.Reserve(ctx, types.QueueRecorder, "w1")
		Expect(err).NotTo(HaveOccurred())

		mr.FastForward(100 * time.Millisecond) // lease TTL is 50ms

		job, err := q.Reserve(ctx, types.QueueRecorder, "w2")
		Expect(err).NotTo(HaveOccurred())
		Expect(job).NotTo(BeNil())
		Expect(job.ID).To(Equal(id))
	})
})

var _ = Describe("RetryPolicy", func() {
	It("produces increasing, capped delays", func() {
		p := RetryPolicy{MaxRetries: 5, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
		d1 := p.NextDelay(1)
		d3 := p.NextDelay(3)
		Expect(d1).To(BeNumerically(">", 0))
		Expect(d3).To(BeNumerically("<=", 200*time.Millisecond))
	})
})
