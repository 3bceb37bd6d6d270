package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/store"
)

// writeStabilization is how long a path must stay quiet after its last
// write before it is considered complete. Devices stream exports over
// SMB in bursts of partial writes.
const writeStabilization = 2 * time.Second

// MountWatcher observes a locally mounted device share with inotify and
// feeds detected files into the queue ahead of scheduled scans.
type MountWatcher struct {
	device  *store.Device
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// StartMountWatcher begins watching |device|'s local mount. The mount
// path must exist and be a directory; watching is refused loudly
// otherwise so a missing mount is a configuration error, not silence.
func (o *Orchestrator) StartMountWatcher(ctx context.Context, device *store.Device) (*MountWatcher, error) {
	var mount = device.Connection.MountPath
	if mount == "" {
		return nil, fmt.Errorf("device %s has no mount path configured", device.ID)
	}
	var fi, err = os.Stat(mount)
	if err != nil {
		log.WithFields(log.Fields{"device": device.ID, "mount": mount}).
			WithError(err).Error("mount path unavailable; file watching disabled")
		return nil, fmt.Errorf("stat mount path %s: %w", mount, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("mount path %s is not a directory", mount)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err = fsw.Add(mount); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", mount, err)
	}

	var w = &MountWatcher{
		device:  device,
		watcher: fsw,
		pending: make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go w.loop(ctx, o)

	o.watchMu.Lock()
	o.watchers[device.ID] = w
	o.watchMu.Unlock()

	log.WithFields(log.Fields{"device": device.ID, "mount": mount}).Info("mount watcher started")
	return w, nil
}

// Stop terminates the watcher and cancels pending stabilization timers.
func (w *MountWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *MountWatcher) loop(ctx context.Context, o *Orchestrator) {
	defer close(w.doneCh)
	defer w.watcher.Close()
	defer w.cancelPending()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("device", w.device.ID).WithError(err).Warn("mount watcher error")
			o.bus.PublishError("mount-watcher", err)
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.dispatch(ctx, o, ev)
		}
	}
}

func (w *MountWatcher) dispatch(ctx context.Context, o *Orchestrator, ev fsnotify.Event) {
	var name = filepath.Base(ev.Name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return
	}

	switch {
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			// New patient folder: enqueue matching right away, there is
			// no write burst to wait out.
			if ev.Has(fsnotify.Create) {
				w.enqueueFolder(ctx, o, name)
			}
			return
		}
		w.scheduleStable(ctx, o, ev.Name)

	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.cancelPath(ev.Name)
		// Removal is broadcast only; there is nothing to fetch.
		o.bus.Publish(events.FileRemoved, events.FileEvent{
			DeviceID: w.device.ID,
			Path:     w.relPath(ev.Name),
		})
	}
}

// scheduleStable (re)arms the per-path stabilization timer. Each write
// pushes completion out by the full window.
func (w *MountWatcher) scheduleStable(ctx context.Context, o *Orchestrator, absPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[absPath]; ok {
		t.Stop()
	}
	w.pending[absPath] = time.AfterFunc(writeStabilization, func() {
		w.mu.Lock()
		delete(w.pending, absPath)
		w.mu.Unlock()

		select {
		case <-w.stopCh:
			return
		default:
		}
		w.enqueueFile(ctx, o, absPath)
	})
}

func (w *MountWatcher) enqueueFile(ctx context.Context, o *Orchestrator, absPath string) {
	var fi, err = os.Stat(absPath)
	if err != nil {
		// Deleted before it stabilized.
		return
	}
	var rel = w.relPath(absPath)
	if o.seenRecently(w.device.ID, rel, fi.ModTime()) {
		return
	}

	// Structured exports preempt opaque blobs.
	var priority = PriorityScannedFile
	switch strings.TrimPrefix(strings.ToLower(filepath.Ext(absPath)), ".") {
	case "xml", "dcm", "dicom":
		priority = PriorityWatcherFile
	}

	if _, err = o.queue.Add(ctx, queue.TypeFileProcess, FileProcessPayload{
		DeviceID:    w.device.ID,
		Path:        rel,
		InitiatedBy: store.InitiatedByDevice,
	}, queue.AddOptions{Priority: priority}); err != nil {
		log.WithFields(log.Fields{"device": w.device.ID, "file": rel}).
			WithError(err).Warn("enqueueing watched file")
		return
	}
	o.bus.Publish(events.FileDetected, events.FileEvent{
		DeviceID: w.device.ID,
		Path:     rel,
	})
}

func (w *MountWatcher) enqueueFolder(ctx context.Context, o *Orchestrator, folderName string) {
	if _, err := o.queue.Add(ctx, queue.TypePatientMatch, PatientMatchPayload{
		DeviceID:   w.device.ID,
		FolderName: folderName,
	}, queue.AddOptions{Priority: PriorityWatcherDir}); err != nil {
		log.WithFields(log.Fields{"device": w.device.ID, "folder": folderName}).
			WithError(err).Warn("enqueueing watched folder")
	}
}

// relPath maps an absolute mount path back to the device-relative path
// used by the SMB pool.
func (w *MountWatcher) relPath(absPath string) string {
	if rel, err := filepath.Rel(w.device.Connection.MountPath, absPath); err == nil {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(absPath)
}

func (w *MountWatcher) cancelPath(absPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[absPath]; ok {
		t.Stop()
		delete(w.pending, absPath)
	}
}

func (w *MountWatcher) cancelPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
}
