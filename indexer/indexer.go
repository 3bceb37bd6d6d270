// Package indexer resolves device folder names to patient records.
// Devices name their export folders after patients in site-specific
// ways: legacy IDs, "LAST_FIRST_YYYYMMDD", or free text. Confirmed
// resolutions are remembered in a local SQLite mapping database;
// unresolved folders are staged for operator review with a TTL.
package indexer

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/store"
)

// Unmatched tickets expire after a week; an operator who hasn't linked
// a folder by then will see it staged again on the next scan.
const unmatchedTTL = 7 * 24 * time.Hour

// FolderLister enumerates the top-level patient folders of a device
// share. The runtime wires the SMB pool in; tests use a literal map.
type FolderLister interface {
	ListDeviceFolders(ctx context.Context, device *store.Device) ([]string, error)
}

// Indexer matches folder names to patients and records the outcomes.
type Indexer struct {
	db       *mappingDB
	patients store.PatientDirectory
	devices  store.DeviceStore
	lister   FolderLister
	bus      *events.Bus
}

// New opens (and migrates) the mapping database at |dbPath| and returns
// an Indexer. |lister| may be nil when only name resolution is needed.
func New(dbPath string, patients store.PatientDirectory, devices store.DeviceStore, lister FolderLister, bus *events.Bus) (*Indexer, error) {
	var db, err = openMappingDB(dbPath)
	if err != nil {
		return nil, err
	}
	return &Indexer{db: db, patients: patients, devices: devices, lister: lister, bus: bus}, nil
}

// Close releases the mapping database.
func (ix *Indexer) Close() error { return ix.db.close() }

// IndexReport summarizes one indexing pass.
type IndexReport struct {
	DeviceID  string `json:"deviceId,omitempty"`
	Indexed   int    `json:"indexed"`
	Matched   int    `json:"matched"`
	Unmatched int    `json:"unmatched"`
	Errors    int    `json:"errors"`
}

// IndexAllDevices enumerates and indexes the folders of every active
// SMB device. Per-device failures are isolated.
func (ix *Indexer) IndexAllDevices(ctx context.Context) ([]IndexReport, error) {
	if ix.lister == nil {
		return nil, fmt.Errorf("indexer has no folder lister configured")
	}
	var devices, err = ix.devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	var reports []IndexReport
	for _, d := range devices {
		if !d.Active || d.Connection.Protocol != store.ProtocolSMB {
			continue
		}
		report, err := ix.IndexDeviceFolder(ctx, d)
		if err != nil {
			log.WithField("device", d.ID).WithError(err).Warn("indexing device folders")
			reports = append(reports, IndexReport{DeviceID: d.ID, Errors: 1})
			continue
		}
		reports = append(reports, *report)
	}
	return reports, nil
}

// IndexDeviceFolder enumerates |device|'s folders and indexes each.
func (ix *Indexer) IndexDeviceFolder(ctx context.Context, device *store.Device) (*IndexReport, error) {
	if ix.lister == nil {
		return nil, fmt.Errorf("indexer has no folder lister configured")
	}
	var folders, err = ix.lister.ListDeviceFolders(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("listing folders of device %s: %w", device.ID, err)
	}
	var report = ix.IndexFolders(ctx, device, folders)
	ix.bus.Publish(events.FoldersIndexed, events.FileEvent{
		DeviceID: device.ID,
		Count:    report.Indexed,
	})
	return report, nil
}

// IndexFolders resolves each folder name, learning new mappings and
// staging the unresolved.
func (ix *Indexer) IndexFolders(ctx context.Context, device *store.Device, folders []string) *IndexReport {
	var report = &IndexReport{DeviceID: device.ID}
	for _, folder := range folders {
		report.Indexed++
		var match, suggestions, err = ix.FindPatientMatch(ctx, folder)
		if err != nil {
			log.WithFields(log.Fields{"device": device.ID, "folder": folder}).
				WithError(err).Warn("matching folder")
			report.Errors++
			continue
		}
		if match == nil {
			report.Unmatched++
			if err = ix.StageUnmatched(ctx, folder, device.Type, suggestions); err != nil {
				log.WithField("folder", folder).WithError(err).Warn("staging unmatched folder")
			}
			continue
		}
		report.Matched++
		if match.Source != SourceMapping {
			// Learned resolution; remember it so the next pass is a
			// direct lookup.
			if err = ix.db.upsertMapping(ctx, folder, device.Type, match.PatientID, "indexer"); err != nil {
				log.WithField("folder", folder).WithError(err).Warn("persisting folder mapping")
			}
		}
		ix.bus.Publish(events.PatientMatched, events.FileEvent{
			DeviceID:   device.ID,
			FolderName: folder,
			PatientID:  match.PatientID,
			Confidence: match.Confidence,
		})
	}
	return report
}

// ManualLink records an operator-confirmed folder-to-patient mapping
// and clears any staged unmatched ticket.
func (ix *Indexer) ManualLink(ctx context.Context, folderName, patientID, deviceType, userID string) error {
	if _, err := ix.patients.GetPatient(ctx, patientID); err != nil {
		return fmt.Errorf("resolving patient %s: %w", patientID, err)
	}
	if err := ix.db.upsertMapping(ctx, folderName, deviceType, patientID, userID); err != nil {
		return err
	}
	if err := ix.db.deleteUnmatched(ctx, folderName); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"folder":  folderName,
		"patient": patientID,
		"user":    userID,
	}).Info("folder manually linked")
	return nil
}

// StageUnmatched records a folder for operator review. Re-staging an
// already staged folder refreshes its TTL; it never duplicates.
func (ix *Indexer) StageUnmatched(ctx context.Context, folderName, deviceType string, suggestions []store.PatientCandidate) error {
	return ix.db.stageUnmatched(ctx, folderName, deviceType, suggestions, time.Now().Add(unmatchedTTL))
}

// UnmatchedFolders returns live tickets, oldest first. Expired rows are
// purged.
func (ix *Indexer) UnmatchedFolders(ctx context.Context) ([]UnmatchedFolder, error) {
	return ix.db.unmatchedFolders(ctx, time.Now())
}

// Stats snapshots the mapping database.
type Stats struct {
	Mappings  int `json:"mappings"`
	Unmatched int `json:"unmatched"`
}

// Stats counts stored mappings and live unmatched tickets.
func (ix *Indexer) Stats(ctx context.Context) (*Stats, error) {
	return ix.db.stats(ctx, time.Now())
}
