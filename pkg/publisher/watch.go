package publisher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of recorder writes (one job write can
// touch the job file, the latest pointer, and summary.json) into a
// single tick trigger.
const watchDebounce = 2 * time.Second

// startWatch watches RecorderRoot for writes and returns a channel that
// receives a value, debounced, whenever something changes. Supplements
// (never replaces) the fixed-interval schedule in spec.md §4.G.
func (p *Publisher) startWatch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	if p.Cfg.RecorderRoot == "" {
		return ch
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.Log.WithError(err).Warn("could not start recorder fsnotify watcher")
		return ch
	}
	for _, sub := range []string{"daily", "latest"} {
		if err := watcher.Add(filepath.Join(p.Cfg.RecorderRoot, sub)); err != nil {
			p.Log.WithError(err).WithField("path", sub).Warn("could not watch recorder subdirectory")
		}
	}
	p.watcher = watcher

	go func() {
		var timer *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(watchDebounce, func() {
						select {
						case ch <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(watchDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.Log.WithError(err).Warn("recorder fsnotify watcher error")
			}
		}
	}()

	return ch
}

func (p *Publisher) stopWatch() {
	if p.watcher != nil {
		_ = p.watcher.Close()
	}
}
