package runtime

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/adapter"
	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/extract"
	"github.com/irisemr/devicebridge/indexer"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

// FileProcessPayload is the file_process job payload.
type FileProcessPayload struct {
	DeviceID    string `json:"deviceId"`
	Path        string `json:"path"`
	PatientID   string `json:"patientId,omitempty"`
	ExamID      string `json:"examId,omitempty"`
	InitiatedBy string `json:"initiatedBy,omitempty"`
}

// PatientMatchPayload is the patient_match job payload.
type PatientMatchPayload struct {
	DeviceID   string `json:"deviceId"`
	FolderName string `json:"folderName"`
}

// FolderIndexPayload is the folder_index job payload.
type FolderIndexPayload struct {
	DeviceID string `json:"deviceId"`
}

// BatchImportPayload is the batch_import job payload: every file under
// |Path| is processed in one job.
type BatchImportPayload struct {
	DeviceID    string `json:"deviceId"`
	Path        string `json:"path"`
	PatientID   string `json:"patientId,omitempty"`
	ExamID      string `json:"examId,omitempty"`
	InitiatedBy string `json:"initiatedBy,omitempty"`
}

func (o *Orchestrator) registerHandlers() {
	o.queue.RegisterHandler(queue.TypeFileProcess, o.handleFileProcess)
	o.queue.RegisterHandler(queue.TypePatientMatch, o.handlePatientMatch)
	o.queue.RegisterHandler(queue.TypeFolderIndex, o.handleFolderIndex)
	o.queue.RegisterHandler(queue.TypeBatchImport, o.handleBatchImport)
}

// FileOutcome summarizes one file's run through the pipeline. It is
// stored as the job result.
type FileOutcome struct {
	Path         string `json:"path"`
	PatientID    string `json:"patientId,omitempty"`
	Method       string `json:"method,omitempty"`
	Measurements int    `json:"measurements"`
	Images       int    `json:"images"`
	Duplicates   int    `json:"duplicates"`
	Failures     int    `json:"failures"`
}

func (o *Orchestrator) handleFileProcess(ctx context.Context, job *queue.Job) (any, error) {
	var p FileProcessPayload
	if err := job.DecodeData(&p); err != nil {
		return nil, err
	}
	var device, err = o.stores.Devices.GetDevice(ctx, p.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolving device %s: %w", p.DeviceID, err)
	}
	var outcome *FileOutcome
	if outcome, err = o.processFile(ctx, device, p.Path, p.PatientID, p.ExamID, p.InitiatedBy); err != nil {
		return nil, err
	}
	return outcome, nil
}

func (o *Orchestrator) handlePatientMatch(ctx context.Context, job *queue.Job) (any, error) {
	var p PatientMatchPayload
	if err := job.DecodeData(&p); err != nil {
		return nil, err
	}
	var device, err = o.stores.Devices.GetDevice(ctx, p.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolving device %s: %w", p.DeviceID, err)
	}
	var report = o.indexer.IndexFolders(ctx, device, []string{p.FolderName})
	if report.Errors > 0 {
		return nil, fmt.Errorf("matching folder %q failed", p.FolderName)
	}
	return report, nil
}

func (o *Orchestrator) handleFolderIndex(ctx context.Context, job *queue.Job) (any, error) {
	var p FolderIndexPayload
	if err := job.DecodeData(&p); err != nil {
		return nil, err
	}
	var device, err = o.stores.Devices.GetDevice(ctx, p.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolving device %s: %w", p.DeviceID, err)
	}
	return o.indexer.IndexDeviceFolder(ctx, device)
}

func (o *Orchestrator) handleBatchImport(ctx context.Context, job *queue.Job) (any, error) {
	var p BatchImportPayload
	if err := job.DecodeData(&p); err != nil {
		return nil, err
	}
	var device, err = o.stores.Devices.GetDevice(ctx, p.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("resolving device %s: %w", p.DeviceID, err)
	}
	result, err := o.pool.ScanDirectory(ctx, device, p.Path, smb.ScanOptions{
		MaxDepth: 2,
		MaxFiles: o.cfg.MaxFiles,
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", p.Path, err)
	}

	var outcomes = make([]*FileOutcome, 0, len(result.Files))
	for _, f := range result.Files {
		var outcome, err = o.processFile(ctx, device, f.Path, p.PatientID, p.ExamID, p.InitiatedBy)
		if err != nil {
			log.WithFields(log.Fields{"device": device.ID, "file": f.Path}).
				WithError(err).Warn("batch import file failed")
			outcomes = append(outcomes, &FileOutcome{Path: f.Path, Failures: 1})
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// Extensions the device adapters parse into readings.
func isDataExt(ext string) bool {
	switch ext {
	case "csv", "txt", "dat", "xml":
		return true
	}
	return false
}

func isImageExt(ext string) bool {
	switch ext {
	case "jpg", "jpeg", "png", "bmp", "tif", "tiff", "pdf", "dcm", "dicom":
		return true
	}
	return false
}

// processFile fetches one remote file and runs it through extraction
// and the adapter pipeline.
func (o *Orchestrator) processFile(ctx context.Context, device *store.Device, remotePath, patientID, examID, initiatedBy string) (*FileOutcome, error) {
	var local, err = o.pool.ReadFile(ctx, device, remotePath)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", remotePath, err)
	}

	var extraction = o.extractor.ProcessFile(ctx, local.LocalPath, extract.Options{
		DeviceType: device.Type,
	})
	var outcome = &FileOutcome{Path: remotePath}
	if extraction.PatientInfo != nil {
		outcome.Method = extraction.Method
	}

	if patientID == "" {
		patientID = o.resolvePatient(ctx, remotePath, extraction)
	}
	outcome.PatientID = patientID

	var ext = strings.TrimPrefix(strings.ToLower(path.Ext(remotePath)), ".")
	var initiated = initiatedBy
	if initiated == "" {
		initiated = store.InitiatedByDevice
	}

	switch {
	case isDataExt(ext) && o.registry.Has(device.Type):
		var readings []adapter.Reading
		if readings, err = o.registry.Lookup(device.Type).ParseFile(local.LocalPath); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", remotePath, err)
		}
		for _, rd := range readings {
			var result = o.registry.Process(ctx, device, rd, adapter.ProcessOptions{
				PatientID:   patientID,
				ExamID:      examID,
				Source:      remotePath,
				InitiatedBy: initiated,
			})
			switch {
			case result.Duplicate:
				outcome.Duplicates++
			case result.Success:
				outcome.Measurements++
				if result.ImageID != "" {
					outcome.Images++
				}
			default:
				outcome.Failures++
			}
		}

	case isImageExt(ext):
		var laterality string
		if extraction.PatientInfo != nil {
			laterality = extraction.PatientInfo.Laterality
		}
		var _, err = o.stores.Images.SaveImage(ctx, &store.Image{
			Device:     device.ID,
			Patient:    patientID,
			Exam:       examID,
			Filename:   path.Base(remotePath),
			LocalPath:  local.LocalPath,
			Eye:        laterality,
			CapturedAt: time.Now().UTC(),
		})
		if err != nil {
			return nil, fmt.Errorf("persisting image %s: %w", remotePath, err)
		}
		outcome.Images++

	default:
		log.WithFields(log.Fields{"device": device.ID, "file": remotePath}).
			Debug("no pipeline for file extension; skipping")
	}

	o.bus.Publish(events.FileProcessed, events.FileEvent{
		DeviceID:     device.ID,
		Path:         remotePath,
		Measurements: outcome.Measurements,
		PatientID:    patientID,
	})
	return outcome, nil
}

// resolvePatient turns extraction output into a patient document ID:
// the parent folder mapping first, then legacy-ID lookup from the
// extracted identity.
func (o *Orchestrator) resolvePatient(ctx context.Context, remotePath string, extraction *extract.Result) string {
	if folder := path.Base(path.Dir(remotePath)); folder != "." && folder != "/" && folder != "" {
		if match, _, err := o.indexer.FindPatientMatch(ctx, folder); err == nil && match != nil {
			return match.PatientID
		}
	}
	if extraction.PatientInfo != nil && extraction.PatientInfo.PatientID != "" {
		if p, err := o.stores.Patients.FindByLegacyID(ctx, extraction.PatientInfo.PatientID); err == nil {
			return p.ID
		}
	}
	return ""
}

// poolLister adapts the SMB pool to the indexer's folder enumeration.
type poolLister struct {
	pool *smb.Pool
}

// NewFolderLister returns an indexer folder source backed by |pool|.
func NewFolderLister(pool *smb.Pool) indexer.FolderLister { return &poolLister{pool: pool} }

func (l *poolLister) ListDeviceFolders(ctx context.Context, device *store.Device) ([]string, error) {
	var entries, err = l.pool.ListDirectory(ctx, device, "")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir && !strings.HasPrefix(e.Name, ".") {
			out = append(out, e.Name)
		}
	}
	return out, nil
}
