package smb

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/store"
)

// Watcher poll bounds. Watch scans are shallower than full scans; the
// poll runs often.
const (
	DefaultWatchInterval = 30 * time.Second
	watchScanDepth       = 5
	watchScanFiles       = 1000
)

// WatchEventType classifies watcher observations.
type WatchEventType string

const (
	WatchAdded   WatchEventType = "added"
	WatchChanged WatchEventType = "changed"
	WatchRemoved WatchEventType = "removed"
)

// WatchEvent is one observed change under a watched subtree.
type WatchEvent struct {
	Type WatchEventType `json:"type"`
	File Entry          `json:"file"`
}

// fileKey is the change-detection tuple. Some SMB servers report mtime
// inconsistently, so size participates in the comparison.
type fileKey struct {
	size    int64
	modTime time.Time
}

// Watcher polls a share subtree at a fixed interval and diffs
// successive scans. SMB has no portable change notification. Consumers
// must drain both C and Errors.
type Watcher struct {
	C      <-chan WatchEvent
	Errors <-chan error

	eventCh  chan WatchEvent
	errCh    chan error
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// Stop terminates the poll loop and waits for it to exit. C is closed
// afterwards.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// StartWatching polls |base| under the device's base path every
// |interval|. The initial scan seeds the baseline without emitting
// events. Scan failures surface on Errors and the next tick retries.
func (p *Pool) StartWatching(ctx context.Context, device *store.Device, base string, interval time.Duration) (*Watcher, error) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	var opts = ScanOptions{MaxDepth: watchScanDepth, MaxFiles: watchScanFiles}

	var baseline, err = p.ScanDirectory(ctx, device, base, opts)
	if err != nil {
		return nil, err
	}
	var known = make(map[string]fileKey, len(baseline.Files))
	for _, f := range baseline.Files {
		known[f.Path] = fileKey{size: f.Size, modTime: f.Modified}
	}

	var w = &Watcher{
		eventCh: make(chan WatchEvent, 64),
		errCh:   make(chan error, 16),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	w.C = w.eventCh
	w.Errors = w.errCh

	go func() {
		defer close(w.doneCh)
		defer close(w.eventCh)
		var ticker = time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			var result, err = p.ScanDirectory(ctx, device, base, opts)
			if err != nil {
				watchErrors.Inc()
				p.bus.PublishError("smb-watcher", err)
				select {
				case w.errCh <- err:
				default:
				}
				continue
			}

			var seen = make(map[string]fileKey, len(result.Files))
			for _, f := range result.Files {
				var key = fileKey{size: f.Size, modTime: f.Modified}
				seen[f.Path] = key
				var prev, existed = known[f.Path]
				if !existed {
					if !w.emit(WatchEvent{Type: WatchAdded, File: f}) {
						return
					}
				} else if prev != key {
					if !w.emit(WatchEvent{Type: WatchChanged, File: f}) {
						return
					}
				}
			}
			for path, prev := range known {
				if _, still := seen[path]; !still {
					var gone = Entry{Name: baseName(path), Path: path, Size: prev.size, Modified: prev.modTime}
					if !w.emit(WatchEvent{Type: WatchRemoved, File: gone}) {
						return
					}
				}
			}
			known = seen
		}
	}()

	log.WithFields(log.Fields{
		"device":   device.ID,
		"base":     base,
		"interval": interval,
	}).Info("watching device share")
	return w, nil
}

// emit delivers an event unless the watcher is stopping. It reports
// whether the loop should continue.
func (w *Watcher) emit(ev WatchEvent) bool {
	select {
	case w.eventCh <- ev:
		return true
	case <-w.stopCh:
		return false
	}
}
