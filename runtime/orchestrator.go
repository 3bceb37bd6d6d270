// Package runtime drives the ingestion pipelines: scheduled and manual
// device syncs, mount-point watchers, and the queue handlers that turn
// detected files into clinical records.
package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/irisemr/devicebridge/adapter"
	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/extract"
	"github.com/irisemr/devicebridge/indexer"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

// Defaults for the sync machinery.
const (
	DefaultSyncInterval = 5 * time.Minute
	MinSyncInterval     = 30 * time.Second

	syncScanDepth = 5
	syncScanFiles = 1000

	// Fleet-wide syncs fan out, but not unboundedly: each sync holds an
	// SMB connection.
	fleetConcurrency = 4

	// dedupTTL bounds how long an enqueued (device, path, mtime) tuple
	// suppresses re-enqueueing the same file.
	dedupTTL  = 10 * time.Minute
	dedupSize = 4096
)

// Config tunes the Orchestrator. Zero values take defaults.
type Config struct {
	SyncInterval time.Duration
	ScanDepth    int
	MaxFiles     int
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.ScanDepth <= 0 {
		c.ScanDepth = syncScanDepth
	}
	if c.MaxFiles <= 0 {
		c.MaxFiles = syncScanFiles
	}
	return c
}

// Orchestrator owns sync scheduling and the per-device sync state. At
// most one sync runs per device at a time; concurrent requests are
// reported back as skipped rather than queued.
type Orchestrator struct {
	stores    store.Stores
	pool      *smb.Pool
	queue     *queue.Queue
	bus       *events.Bus
	indexer   *indexer.Indexer
	registry  *adapter.Registry
	extractor *extract.Processor
	cfg       Config

	mu      sync.Mutex
	syncing map[string]time.Time

	// dedup suppresses duplicate enqueues of a file observed by both
	// the watcher and an overlapping scheduled scan.
	dedup *expirable.LRU[uint64, struct{}]

	schedMu   sync.Mutex
	schedStop chan struct{}
	schedDone chan struct{}
	interval  time.Duration

	watchMu  sync.Mutex
	watchers map[string]*MountWatcher
}

// NewOrchestrator wires the orchestrator over its collaborators and
// registers the queue handlers.
func NewOrchestrator(stores store.Stores, pool *smb.Pool, q *queue.Queue, bus *events.Bus,
	ix *indexer.Indexer, registry *adapter.Registry, extractor *extract.Processor, cfg Config) *Orchestrator {
	var o = &Orchestrator{
		stores:    stores,
		pool:      pool,
		queue:     q,
		bus:       bus,
		indexer:   ix,
		registry:  registry,
		extractor: extractor,
		cfg:       cfg.withDefaults(),
		syncing:   make(map[string]time.Time),
		dedup:     expirable.NewLRU[uint64, struct{}](dedupSize, nil, dedupTTL),
		interval:  cfg.withDefaults().SyncInterval,
		watchers:  make(map[string]*MountWatcher),
	}
	o.registerHandlers()
	return o
}

// beginSync claims the per-device sync slot. The second return is false
// when a sync is already running.
func (o *Orchestrator) beginSync(deviceID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.syncing[deviceID]; busy {
		return false
	}
	o.syncing[deviceID] = time.Now()
	return true
}

func (o *Orchestrator) endSync(deviceID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.syncing, deviceID)
}

// SyncingDevices lists devices with a sync in flight.
func (o *Orchestrator) SyncingDevices() map[string]time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out = make(map[string]time.Time, len(o.syncing))
	for id, at := range o.syncing {
		out[id] = at
	}
	return out
}

var dedupKeyHash = make([]byte, 32)

// seenRecently records the (device, path, mtime) tuple and reports
// whether it was already present.
func (o *Orchestrator) seenRecently(deviceID, path string, modified time.Time) bool {
	var buf = make([]byte, 0, len(deviceID)+len(path)+10)
	buf = append(buf, deviceID...)
	buf = append(buf, '|')
	buf = append(buf, path...)
	buf = append(buf, '|')
	buf = binary.BigEndian.AppendUint64(buf, uint64(modified.Unix()))
	var key = highwayhash.Sum64(buf, dedupKeyHash)

	if _, ok := o.dedup.Get(key); ok {
		return true
	}
	o.dedup.Add(key, struct{}{})
	return false
}

// SyncAll runs SyncDevice over every active SMB device with bounded
// parallelism. Per-device failures are collected, not fatal.
func (o *Orchestrator) SyncAll(ctx context.Context, initiatedBy string) ([]*SyncReport, error) {
	var devices, err = o.stores.Devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}

	var mu sync.Mutex
	var reports []*SyncReport
	var g, gCtx = errgroup.WithContext(ctx)
	g.SetLimit(fleetConcurrency)

	for _, d := range devices {
		if !d.Active || d.Connection.Protocol != store.ProtocolSMB {
			continue
		}
		var device = d
		g.Go(func() error {
			var report, err = o.SyncDevice(gCtx, device, SyncOptions{InitiatedBy: initiatedBy})
			if err != nil {
				log.WithField("device", device.ID).WithError(err).Warn("device sync failed")
				report = &SyncReport{DeviceID: device.ID, Error: err.Error()}
			}
			mu.Lock()
			reports = append(reports, report)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return reports, nil
}

// StartAutoSync begins (or retunes) the periodic fleet sync.
func (o *Orchestrator) StartAutoSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = o.cfg.SyncInterval
	}
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}

	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if o.schedStop != nil {
		close(o.schedStop)
		<-o.schedDone
	}
	o.interval = interval
	o.schedStop = make(chan struct{})
	o.schedDone = make(chan struct{})
	go o.schedulerLoop(ctx, interval, o.schedStop, o.schedDone)
	log.WithField("interval", interval).Info("auto-sync started")
}

// ConfigureAutoSync updates the sync cadence and returns the clamped
// value. A running scheduler is retuned in place; a stopped one picks
// the new interval up on its next start.
func (o *Orchestrator) ConfigureAutoSync(ctx context.Context, interval time.Duration) time.Duration {
	if interval < MinSyncInterval {
		interval = MinSyncInterval
	}
	o.schedMu.Lock()
	o.cfg.SyncInterval = interval
	o.interval = interval
	var running = o.schedStop != nil
	o.schedMu.Unlock()

	if running {
		o.StartAutoSync(ctx, interval)
	}
	return interval
}

// StopAutoSync halts the periodic sync. In-flight syncs finish.
func (o *Orchestrator) StopAutoSync() {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	if o.schedStop == nil {
		return
	}
	close(o.schedStop)
	<-o.schedDone
	o.schedStop = nil
	o.schedDone = nil
	log.Info("auto-sync stopped")
}

// AutoSyncStatus reports whether the scheduler runs and at what cadence.
func (o *Orchestrator) AutoSyncStatus() (running bool, interval time.Duration) {
	o.schedMu.Lock()
	defer o.schedMu.Unlock()
	return o.schedStop != nil, o.interval
}

func (o *Orchestrator) schedulerLoop(ctx context.Context, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	var ticker = time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
		var reports, err = o.SyncAll(ctx, store.InitiatedByScheduled)
		if err != nil {
			log.WithError(err).Warn("scheduled sync failed")
			o.bus.PublishError("orchestrator", err)
			continue
		}
		var files int
		for _, r := range reports {
			files += r.FilesQueued
		}
		o.bus.Publish(events.SyncComplete, events.DeviceEvent{Files: files, Folders: len(reports)})
	}
}

// Shutdown stops the scheduler and every mount watcher.
func (o *Orchestrator) Shutdown() {
	o.StopAutoSync()
	o.watchMu.Lock()
	var watchers = make([]*MountWatcher, 0, len(o.watchers))
	for _, w := range o.watchers {
		watchers = append(watchers, w)
	}
	o.watchers = make(map[string]*MountWatcher)
	o.watchMu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}
