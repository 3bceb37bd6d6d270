package runtime

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

// Job priorities by origin. Webhook-driven work preempts watcher work,
// which preempts scheduled scans.
const (
	PriorityWebhook      = 1
	PriorityWatcherFile  = 2
	PriorityWatcherDir   = 3
	PriorityScannedFile  = 5
	PriorityFolderIndex  = 7
)

// SyncOptions tune one sync run.
type SyncOptions struct {
	// Full ignores the incremental lastSync cursor and walks the whole
	// share.
	Full        bool
	InitiatedBy string
}

// SyncReport is the outcome of one device sync.
type SyncReport struct {
	DeviceID    string `json:"deviceId"`
	Skipped     bool   `json:"skipped,omitempty"`
	FilesFound  int    `json:"filesFound"`
	FilesQueued int    `json:"filesQueued"`
	Truncated   bool   `json:"truncated,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SyncDevice scans |device|'s share for new files and enqueues their
// processing. At most one sync runs per device; an overlapping request
// returns a Skipped report without touching the device.
func (o *Orchestrator) SyncDevice(ctx context.Context, device *store.Device, opts SyncOptions) (*SyncReport, error) {
	if !o.beginSync(device.ID) {
		log.WithField("device", device.ID).Debug("sync already in progress; skipping")
		return &SyncReport{DeviceID: device.ID, Skipped: true}, nil
	}
	defer o.endSync(device.ID)

	o.bus.Publish(events.DeviceSyncStarted, events.DeviceEvent{
		DeviceID:   device.ID,
		DeviceName: device.Name,
	})

	if err := o.pool.TestConnection(ctx, device); err != nil {
		o.recordSyncFailure(ctx, device, err)
		return nil, fmt.Errorf("connecting to device %s: %w", device.ID, err)
	}

	var scan *smb.ScanResult
	if !opts.Full && device.Integration.LastSync != nil {
		var result, err = o.pool.FindNewFiles(ctx, device, "", *device.Integration.LastSync)
		if err != nil {
			o.recordSyncFailure(ctx, device, err)
			return nil, fmt.Errorf("scanning device %s: %w", device.ID, err)
		}
		scan = result
	} else {
		var result, err = o.pool.ScanDirectory(ctx, device, "", smb.ScanOptions{
			MaxDepth: o.cfg.ScanDepth,
			MaxFiles: o.cfg.MaxFiles,
		})
		if err != nil {
			o.recordSyncFailure(ctx, device, err)
			return nil, fmt.Errorf("scanning device %s: %w", device.ID, err)
		}
		scan = result
	}
	var files = scan.Files

	var report = &SyncReport{DeviceID: device.ID, FilesFound: len(files), Truncated: scan.Truncated}
	for _, f := range files {
		if o.seenRecently(device.ID, f.Path, f.Modified) {
			continue
		}
		var _, err = o.queue.Add(ctx, queue.TypeFileProcess, FileProcessPayload{
			DeviceID:    device.ID,
			Path:        f.Path,
			InitiatedBy: opts.InitiatedBy,
		}, queue.AddOptions{Priority: PriorityScannedFile})
		if err != nil {
			log.WithFields(log.Fields{"device": device.ID, "file": f.Path}).
				WithError(err).Warn("enqueueing file")
			continue
		}
		report.FilesQueued++
	}

	// Folder indexing trails file processing at a lower priority. A
	// scan that saw no directories has nothing for the indexer to do.
	if len(scan.Directories) > 0 {
		if _, err := o.queue.Add(ctx, queue.TypeFolderIndex, FolderIndexPayload{
			DeviceID: device.ID,
		}, queue.AddOptions{Priority: PriorityFolderIndex}); err != nil {
			log.WithField("device", device.ID).WithError(err).Warn("enqueueing folder index")
		}
	}

	var now = time.Now().UTC()
	var zero = 0
	if err := o.stores.Devices.UpdateIntegration(ctx, device.ID, store.IntegrationPatch{
		Status:               store.StatusConnected,
		LastSync:             &now,
		LastConnection:       &now,
		LastSyncStatus:       "success",
		SetConsecutiveErrors: &zero,
	}); err != nil {
		log.WithField("device", device.ID).WithError(err).Warn("updating integration state")
	}

	o.bus.Publish(events.DeviceSyncCompleted, events.DeviceEvent{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Files:      report.FilesQueued,
	})
	log.WithFields(log.Fields{
		"device": device.ID,
		"found":  report.FilesFound,
		"queued": report.FilesQueued,
	}).Info("device sync completed")
	return report, nil
}

func (o *Orchestrator) recordSyncFailure(ctx context.Context, device *store.Device, cause error) {
	var now = time.Now().UTC()
	if err := o.stores.Devices.UpdateIntegration(ctx, device.ID, store.IntegrationPatch{
		Status:                     store.StatusError,
		LastConnection:             &now,
		LastSyncStatus:             "error",
		IncrementConsecutiveErrors: true,
	}); err != nil {
		log.WithField("device", device.ID).WithError(err).Warn("recording sync failure")
	}
	o.bus.Publish(events.DeviceSyncError, events.DeviceEvent{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		Error:      cause.Error(),
	})
}
