// Package publisher implements the periodic external-repo sync described
// in spec.md §4.G: pull the external repository, mirror new recorder
// output and a content-store snapshot into it, produce a ratchet-checked
// SQL dump and a SQLite export, commit and merge to main, and push only
// when explicitly enabled.
package publisher

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/apperrors"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/internal/config"
)

// Config collects everything the publisher needs beyond
// config.PublisherConfig: filesystem roots and the external binaries it
// shells out to, mirroring the teacher's subprocess-wrapping style for
// tools it doesn't reimplement (git, pg_dump).
type Config struct {
	config.PublisherConfig
	RecorderRoot     string
	ContentStoreRoot string
	GitBin           string
	PgDumpBin        string
	DatabaseURL      string
}

func (c Config) gitBin() string {
	if c.GitBin != "" {
		return c.GitBin
	}
	return "git"
}

func (c Config) pgDumpBin() string {
	if c.PgDumpBin != "" {
		return c.PgDumpBin
	}
	return "pg_dump"
}

// AlertSink receives the ratchet-tripped health signal (spec.md §4.G).
// internal/alerting implements this without the publisher needing to
// import it, mirroring pkg/llm.AlertSink's structural-typing pattern.
type AlertSink interface {
	RatchetTripped(detail string)
}

type noopAlertSink struct{}

func (noopAlertSink) RatchetTripped(string) {}

// Publisher runs the fixed-interval tick described in spec.md §4.G.
type Publisher struct {
	Cfg    Config
	DB     *sqlx.DB
	Log    logrus.FieldLogger
	Alerts AlertSink

	pushBreaker *gobreaker.CircuitBreaker[struct{}]
	watcher     *fsnotify.Watcher
}

// New constructs a Publisher. DB is used for the ratchet row-count check
// and the SQLite export's source queries. alerts may be nil.
func New(cfg Config, db *sqlx.DB, alerts AlertSink, log logrus.FieldLogger) *Publisher {
	if log == nil {
		log = logrus.New()
	}
	if alerts == nil {
		alerts = noopAlertSink{}
	}
	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "publisher-push",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Publisher{Cfg: cfg, DB: db, Log: log, Alerts: alerts, pushBreaker: breaker}
}

// Run ticks at the configured interval, once immediately at startup, and
// additionally whenever fsnotify observes a write under RecorderRoot
// (supplementing, not replacing, the fixed schedule per spec.md §4.G).
// It blocks until ctx is canceled.
func (p *Publisher) Run(ctx context.Context) {
	interval := p.Cfg.CheckInterval.AsDuration()
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	notify := p.startWatch()
	defer p.stopWatch()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tickAndLog(ctx)
		case <-notify:
			p.tickAndLog(ctx)
		}
	}
}

func (p *Publisher) tickAndLog(ctx context.Context) {
	if err := p.Tick(ctx); err != nil {
		p.Log.WithError(err).Error("publisher tick failed")
	}
}

// Tick runs the nine-step publish cycle (spec.md §4.G).
func (p *Publisher) Tick(ctx context.Context) error {
	log := p.Log.WithField("repo", p.Cfg.RepoPath)

	if err := p.pullRepo(ctx); err != nil {
		return err
	}

	state, err := loadState(p.Cfg.RepoPath)
	if err != nil {
		return err
	}

	files, err := p.discoverFiles(state.Watermark, p.Cfg.DaysToSync)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Debug("no new recorder files since watermark")
		return nil
	}

	branch, err := p.createBranch(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	if err := p.syncFiles(files); err != nil {
		return err
	}

	dumpWritten, err := p.writeSQLDump(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrorTypeRatchet) {
			// spec.md §4.G step 5: skip the dump and the commit, but the
			// files synced in step 4 still need a watermark advance.
			log.WithError(err).Warn("skipping commit for this tick")
			p.Alerts.RatchetTripped(err.Error())
			return p.advanceWatermark(state, files)
		}
		return err
	}

	if err := p.exportSQLite(ctx); err != nil {
		return err
	}

	committed, err := p.commitAndMerge(ctx, branch)
	if err != nil {
		return err
	}
	if !committed {
		log.Info("nothing staged, skipping commit")
		return p.advanceWatermark(state, files)
	}

	if p.Cfg.PushEnabled {
		if err := p.push(ctx); err != nil {
			log.WithError(err).Warn("push failed, branch left in place for operator inspection")
		}
	} else {
		log.Info("READ-ONLY: push disabled, stopping before push")
	}

	if err := p.advanceWatermark(state, files); err != nil {
		return err
	}

	log.WithFields(logrus.Fields{"branch": branch, "files": len(files), "sql_dump": dumpWritten}).Info("publisher tick complete")
	return nil
}

// advanceWatermark persists state with files marked processed and the
// watermark moved to now (spec.md §4.G step 9).
func (p *Publisher) advanceWatermark(state State, files []string) error {
	state.Watermark = time.Now().UTC()
	for _, f := range files {
		state.Processed[f] = true
	}
	return saveState(p.Cfg.RepoPath, state)
}

func (p *Publisher) runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.Cfg.gitBin(), args...)
	cmd.Dir = p.Cfg.RepoPath
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "git %s: %s", strings.Join(args, " "), stderr.String())
	}
	return out.String(), nil
}

// pullRepo stashes local changes then fast-forwards (spec.md §4.G step 1).
func (p *Publisher) pullRepo(ctx context.Context) error {
	if _, err := p.runGit(ctx, "stash", "--include-untracked"); err != nil {
		return err
	}
	if _, err := p.runGit(ctx, "fetch"); err != nil {
		return err
	}
	if _, err := p.runGit(ctx, "pull", "--ff-only"); err != nil {
		return err
	}
	return nil
}

// createBranch makes data-update-<date>, appending -HHMMSS on collision
// with an existing local or remote branch (spec.md §4.G step 3).
func (p *Publisher) createBranch(ctx context.Context, now time.Time) (string, error) {
	name := "data-update-" + now.Format("2006-01-02")
	if p.branchExists(ctx, name) {
		name = fmt.Sprintf("%s-%s", name, now.Format("150405"))
	}
	if _, err := p.runGit(ctx, "checkout", "-b", name); err != nil {
		return "", err
	}
	return name, nil
}

func (p *Publisher) branchExists(ctx context.Context, name string) bool {
	if out, err := p.runGit(ctx, "branch", "--list", name); err == nil && strings.TrimSpace(out) != "" {
		return true
	}
	if out, err := p.runGit(ctx, "ls-remote", "--heads", "origin", name); err == nil && strings.TrimSpace(out) != "" {
		return true
	}
	return false
}

// commitAndMerge commits any staged changes on branch and merges them
// into main with --no-ff (spec.md §4.G step 7). Reports whether there was
// anything to commit.
func (p *Publisher) commitAndMerge(ctx context.Context, branch string) (bool, error) {
	if _, err := p.runGit(ctx, "add", "-A"); err != nil {
		return false, err
	}
	status, err := p.runGit(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := p.runGit(ctx, "commit", "-m", "data update "+branch); err != nil {
		return false, err
	}
	if _, err := p.runGit(ctx, "checkout", "main"); err != nil {
		return false, err
	}
	if _, err := p.runGit(ctx, "merge", "--no-ff", branch, "-m", "merge "+branch); err != nil {
		return false, err
	}
	return true, nil
}

// push publishes main, wrapped in a breaker so a flapping remote doesn't
// retry-storm the publisher loop (spec.md §4.G step 8).
func (p *Publisher) push(ctx context.Context) error {
	_, err := p.pushBreaker.Execute(func() (struct{}, error) {
		_, err := p.runGit(ctx, "push", "origin", "main")
		return struct{}{}, err
	})
	return err
}

// discoverFiles walks RecorderRoot/daily for job artifacts newer than
// since and within the last daysToSync days (spec.md §4.G step 2).
func (p *Publisher) discoverFiles(since time.Time, daysToSync int) ([]string, error) {
	cutoff := time.Now().AddDate(0, 0, -daysToSync)
	if cutoff.Before(since) {
		cutoff = since
	}
	return discoverRecorderFiles(p.Cfg.RecorderRoot, cutoff)
}

// syncFiles copies new recorder files into the external repo's daily/ and
// latest/ mirrors, and the content store into content_store/ (spec.md
// §4.G step 4). Publisher never deletes files from the external repo.
func (p *Publisher) syncFiles(files []string) error {
	for _, src := range files {
		rel, err := filepath.Rel(p.Cfg.RecorderRoot, src)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "relativize recorder file path")
		}
		dst := filepath.Join(p.Cfg.RepoPath, rel)
		if err := copyFile(src, dst); err != nil {
			return err
		}
	}
	if err := copyTree(filepath.Join(p.Cfg.RecorderRoot, "latest"), filepath.Join(p.Cfg.RepoPath, "latest")); err != nil {
		return err
	}
	if p.Cfg.ContentStoreRoot != "" {
		if err := copyTree(p.Cfg.ContentStoreRoot, filepath.Join(p.Cfg.RepoPath, "content_store", "content-store")); err != nil {
			return err
		}
	}
	return nil
}
