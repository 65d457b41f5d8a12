// Package scraper implements scraper orchestration (spec.md §4.H): a
// scheduler resolves named scrapers by discovery, runs each as an
// isolated subprocess implementing scrape() -> raw_text, computes a
// content hash over stdout, and enqueues the result onto the raw queue.
package scraper

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/contentstore"
	"github.com/For-The-Greater-Good/pantry-pirate-radio-sub000/pkg/types"
)

// Scraper is a discovered subprocess contract implementation: an
// executable file named <scraper_id> (extension optional) under Dir.
type Scraper struct {
	ID   string
	Path string
}

// Discover lists every executable regular file directly under dir as a
// named scraper, sorted by ID for deterministic scheduling order.
func Discover(dir string) ([]Scraper, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read scraper directory")
	}

	var scrapers []Scraper
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, errors.Wrap(err, "stat scraper entry")
		}
		if info.Mode()&0o111 == 0 {
			continue
		}
		id := e.Name()
		if ext := filepath.Ext(id); ext != "" {
			id = id[:len(id)-len(ext)]
		}
		scrapers = append(scrapers, Scraper{ID: id, Path: filepath.Join(dir, e.Name())})
	}

	sort.Slice(scrapers, func(i, j int) bool { return scrapers[i].ID < scrapers[j].ID })
	return scrapers, nil
}

// RunResult is the outcome of one scraper subprocess invocation.
type RunResult struct {
	ScraperID   string
	RawText     string
	ContentHash string
	Stderr      string
	Err         error
}

// Run executes s as a subprocess, enforcing timeout with SIGTERM followed
// by SIGKILL five seconds later (spec.md §5 "Cancellation & timeouts").
// stdin is closed immediately; stdout is captured as the raw payload,
// stderr is returned for logging, never mixed into the payload.
func Run(ctx context.Context, s Scraper, timeout time.Duration) RunResult {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.Path)
	cmd.Stdin = nil
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// On timeout/cancellation send SIGTERM first; if the process hasn't
	// exited within WaitDelay, the runtime escalates to SIGKILL
	// (spec.md §5: "subprocesses receive SIGTERM at their timeout and
	// are SIGKILL'd five seconds later").
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	result := RunResult{ScraperID: s.ID, RawText: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		result.Err = errors.Wrapf(err, "scraper %s exited with error", s.ID)
		return result
	}
	result.ContentHash = contentstore.Hash(result.RawText)
	return result
}

// Payload builds the raw-queue message for a successful run (spec.md §6
// "Metadata keys expected in queue payload: scraper_id, content_hash").
func (r RunResult) Payload() types.RawJob {
	return types.RawJob{
		Metadata: types.Metadata{ScraperID: r.ScraperID, ContentHash: r.ContentHash},
		Content:  r.RawText,
	}
}

// logStderr is a small helper so callers get structured stderr logging
// without every call site repeating the field names.
func logStderr(log logrus.FieldLogger, scraperID, stderr string) {
	if stderr == "" {
		return
	}
	log.WithField("scraper_id", scraperID).WithField("stderr", stderr).Warn("scraper wrote to stderr")
}
