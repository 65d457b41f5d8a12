package publisher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
)

func TestPublisher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "publisher Suite")
}

func newTestLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)
	return log
}

func tempDir() string {
	dir, err := os.MkdirTemp("", "publisher-test-*")
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() { os.RemoveAll(dir) })
	return dir
}

var _ = Describe("State", func() {
	It("round-trips watermark and processed files through disk", func() {
		dir := tempDir()
		now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
		s := State{Watermark: now, Processed: map[string]bool{"a.json": true}}
		Expect(saveState(dir, s)).To(Succeed())

		loaded, err := loadState(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.Watermark.Equal(now)).To(BeTrue())
		Expect(loaded.Processed).To(HaveKeyWithValue("a.json", true))
	})

	It("returns a zero-value state when no file exists yet", func() {
		dir := tempDir()
		s, err := loadState(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Watermark.IsZero()).To(BeTrue())
		Expect(s.Processed).NotTo(BeNil())
	})
})

var _ = Describe("ratchet", func() {
	cfg := Config{PublisherConfig: config.PublisherConfig{SQLDumpMinRecs: 100, RatchetPct: 0.9}}

	It("never trips when there is no prior high-water mark", func() {
		Expect(tripsRatchet(5, ratchet{}, cfg)).To(BeFalse())
	})

	It("trips when the count falls below the ratchet percentage of the prior max", func() {
		r := ratchet{MaxRecordCount: 1000}
		Expect(tripsRatchet(850, r, cfg)).To(BeTrue())
		Expect(tripsRatchet(950, r, cfg)).To(BeFalse())
	})

	It("never trips when AllowEmptySQL bypasses the ratchet", func() {
		bypassCfg := Config{PublisherConfig: config.PublisherConfig{
			SQLDumpMinRecs: 100, RatchetPct: 0.9, AllowEmptySQL: true,
		}}
		r := ratchet{MaxRecordCount: 1000}
		Expect(tripsRatchet(0, r, bypassCfg)).To(BeFalse())
		Expect(tripsRatchet(850, r, bypassCfg)).To(BeFalse())
	})

	It("floors the threshold at the configured minimum record count", func() {
		r := ratchet{MaxRecordCount: 50}
		Expect(ratchetThreshold(r, cfg)).To(Equal(int64(100)))
	})

	It("round-trips through disk", func() {
		dir := tempDir()
		r := ratchet{MaxRecordCount: 42, UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
		Expect(saveRatchet(dir, r)).To(Succeed())
		loaded, err := loadRatchet(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(loaded.MaxRecordCount).To(Equal(int64(42)))
	})
})

var _ = Describe("discoverRecorderFiles", func() {
	It("returns only files modified after the cutoff", func() {
		root := tempDir()
		old := filepath.Join(root, "daily", "2026-01-01", "scrapers", "s1", "old.json")
		fresh := filepath.Join(root, "daily", "2026-01-02", "scrapers", "s1", "fresh.json")
		Expect(os.MkdirAll(filepath.Dir(old), 0o755)).To(Succeed())
		Expect(os.MkdirAll(filepath.Dir(fresh), 0o755)).To(Succeed())
		Expect(os.WriteFile(old, []byte("{}"), 0o644)).To(Succeed())

		cutoff := time.Now()
		time.Sleep(10 * time.Millisecond)
		Expect(os.WriteFile(fresh, []byte("{}"), 0o644)).To(Succeed())

		files, err := discoverRecorderFiles(root, cutoff)
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(ConsistOf(fresh))
	})

	It("returns no error when the daily tree does not exist yet", func() {
		files, err := discoverRecorderFiles(tempDir(), time.Now())
		Expect(err).NotTo(HaveOccurred())
		Expect(files).To(BeEmpty())
	})
})

var _ = Describe("copyFile and copyTree", func() {
	It("copies a single file preserving its content", func() {
		srcDir, dstDir := tempDir(), tempDir()
		src := filepath.Join(srcDir, "a.json")
		Expect(os.WriteFile(src, []byte(`{"hello":"world"}`), 0o644)).To(Succeed())

		dst := filepath.Join(dstDir, "nested", "a.json")
		Expect(copyFile(src, dst)).To(Succeed())

		data, err := os.ReadFile(dst)
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte(`{"hello":"world"}`)))
	})

	It("mirrors a directory tree recursively", func() {
		srcDir, dstDir := tempDir(), tempDir()
		Expect(os.MkdirAll(filepath.Join(srcDir, "ab"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(srcDir, "ab", "cd.json"), []byte("{}"), 0o644)).To(Succeed())

		Expect(copyTree(srcDir, dstDir)).To(Succeed())

		_, err := os.Stat(filepath.Join(dstDir, "ab", "cd.json"))
		Expect(err).NotTo(HaveOccurred())
	})
})

func gitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

var _ = Describe("git branch management", func() {
	BeforeEach(func() {
		if !gitAvailable() {
			Skip("git binary not available")
		}
	})

	newRepo := func() *Publisher {
		dir := tempDir()
		run := func(args ...string) {
			cmd := exec.Command("git", args...)
			cmd.Dir = dir
			Expect(cmd.Run()).To(Succeed())
		}
		run("init", "-q", "-b", "main")
		run("config", "user.email", "test@example.com")
		run("config", "user.name", "test")
		Expect(os.WriteFile(filepath.Join(dir, "README.md"), []byte("init"), 0o644)).To(Succeed())
		run("add", "-A")
		run("commit", "-q", "-m", "init")

		return &Publisher{
			Cfg: Config{PublisherConfig: config.PublisherConfig{}, RepoPath: dir},
			Log: newTestLog(),
		}
	}

	It("creates a dated branch and reports it does not already exist", func() {
		p := newRepo()
		Expect(p.branchExists(context.Background(), "data-update-2026-05-01")).To(BeFalse())

		branch, err := p.createBranch(context.Background(), time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
		Expect(err).NotTo(HaveOccurred())
		Expect(branch).To(Equal("data-update-2026-05-01"))
	})

	It("appends an HHMMSS suffix when the branch already exists", func() {
		p := newRepo()
		now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
		first, err := p.createBranch(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(first).To(Equal("data-update-2026-05-01"))

		_, err = p.runGit(context.Background(), "checkout", "main")
		Expect(err).NotTo(HaveOccurred())

		second, err := p.createBranch(context.Background(), now)
		Expect(err).NotTo(HaveOccurred())
		Expect(second).To(Equal("data-update-2026-05-01-080000"))
	})

	It("commits staged changes and merges them into main", func() {
		p := newRepo()
		branch, err := p.createBranch(context.Background(), time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
		Expect(err).NotTo(HaveOccurred())
		Expect(os.MkdirAll(filepath.Join(p.Cfg.RepoPath, "daily"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(p.Cfg.RepoPath, "daily", "note.txt"), []byte("data"), 0o644)).To(Succeed())

		committed, err := p.commitAndMerge(context.Background(), branch)
		Expect(err).NotTo(HaveOccurred())
		Expect(committed).To(BeTrue())

		log, err := p.runGit(context.Background(), "log", "--oneline", "-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(log).To(ContainSubstring("merge"))
	})

	It("reports nothing committed when there are no staged changes", func() {
		p := newRepo()
		branch, err := p.createBranch(context.Background(), time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
		Expect(err).NotTo(HaveOccurred())

		committed, err := p.commitAndMerge(context.Background(), branch)
		Expect(err).NotTo(HaveOccurred())
		Expect(committed).To(BeFalse())
	})
})
