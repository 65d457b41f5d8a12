package contentstore

import (
	"context"
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
)

func TestContentStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "contentstore Suite")
}

var _ = Describe("Store", func() {
	var (
		dir string
		s   *Store
		ctx context.Context
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "content-store")
		Expect(err).NotTo(HaveOccurred())
		log := logrus.New()
		log.SetLevel(logrus.FatalLevel)
		s, err = New(dir, log)
		Expect(err).NotTo(HaveOccurred())
		ctx = context.Background()
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("computes a stable sha-256 hash", func() {
		h1 := Hash("hello world")
		h2 := Hash("hello world")
		Expect(h1).To(Equal(h2))
		Expect(h1).To(HaveLen(64))
	})

	It("returns miss for an unknown hash", func() {
		_, ok := s.Get(ctx, Hash("never stored"))
		Expect(ok).To(BeFalse())
	})

	It("is idempotent: a second Put for the same hash is a no-op", func() {
		hash := Hash("content-A")
		rec1, err := s.Put(ctx, hash, "text-A", "job-1")
		Expect(err).NotTo(HaveOccurred())

		rec2, err := s.Put(ctx, hash, "different-text", "job-2")
		Expect(err).NotTo(HaveOccurred())

		Expect(rec2).To(Equal(rec1))
		Expect(rec2.FirstJobID).To(Equal("job-1"))
		Expect(rec2.ResultText).To(Equal("text-A"))
	})

	It("persists records that a fresh index rebuild can recover", func() {
		hash := Hash("content-B")
		_, err := s.Put(ctx, hash, "text-B", "job-3")
		Expect(err).NotTo(HaveOccurred())

		log := logrus.New()
		log.SetLevel(logrus.FatalLevel)
		rebuilt, err := New(dir, log)
		Expect(err).NotTo(HaveOccurred())

		rec, ok := rebuilt.Get(ctx, hash)
		Expect(ok).To(BeTrue())
		Expect(rec.ResultText).To(Equal("text-B"))
		Expect(rec.FirstJobID).To(Equal("job-3"))
	})

	It("reports stats across stored entries", func() {
		_, err := s.Put(ctx, Hash("c1"), "abc", "j1")
		Expect(err).NotTo(HaveOccurred())
		_, err = s.Put(ctx, Hash("c2"), "defgh", "j2")
		Expect(err).NotTo(HaveOccurred())

		stats := s.Stats()
		Expect(stats.EntryCount).To(Equal(2))
		Expect(stats.TotalBytes).To(Equal(int64(8)))
	})
})
