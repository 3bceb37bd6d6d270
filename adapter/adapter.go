// Package adapter maps raw device output into normalized measurement
// records. Each ophthalmology device family ships an Adapter that knows
// its file formats, key vocabulary, clinical ranges, and quality
// grading; a Registry selects the adapter by device type and drives the
// validate / transform / persist pipeline.
package adapter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/store"
)

// Reading is one raw parsed record: normalized lowercase keys mapped to
// parsed values. Adapters translate their device vocabulary into these
// keys before validation.
type Reading map[string]any

// Str returns the string value under |key|, or "".
func (r Reading) Str(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// Num returns the numeric value under |key|. Stringly-typed numbers,
// common in CSV and key-value exports, are parsed.
func (r Reading) Num(key string) (float64, bool) {
	switch v := r[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		var f, err = strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(v), ",", "."), 64)
		if err == nil {
			return f, true
		}
	}
	return 0, false
}

// Time returns the timestamp under |key| when present and parseable.
func (r Reading) Time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02", "02/01/2006", "20060102"} {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// Validation is the outcome of an adapter's input check.
type Validation struct {
	IsValid bool     `json:"isValid"`
	Errors  []string `json:"errors,omitempty"`
}

func (v *Validation) fail(format string, args ...any) {
	v.IsValid = false
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Adapter is the per-device-family contract.
type Adapter interface {
	// Type is the device category this adapter serves.
	Type() string
	// Validate checks required fields and clinical ranges.
	Validate(r Reading) Validation
	// Transform maps a valid reading into the normalized measurement
	// shape, preserving the original envelope under RawData.
	Transform(r Reading) (*store.Measurement, error)
	// ParseFile reads a device export into raw readings.
	ParseFile(path string) ([]Reading, error)
}

// Demographics is patient identity pulled out of a device export.
// Adapters that can extract it implement DemographicsExtractor.
type Demographics struct {
	FirstName   string
	LastName    string
	PatientID   string
	DateOfBirth string
	Gender      string
	Laterality  string
	Confidence  float64
}

// DemographicsExtractor is optionally implemented by adapters whose
// formats embed patient identity.
type DemographicsExtractor interface {
	ExtractDemographics(r Reading) *Demographics
}

// Registry selects adapters by device type and owns the full
// process-and-persist pipeline.
type Registry struct {
	stores store.Stores

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns a Registry with the shipped adapters installed.
func NewRegistry(stores store.Stores) *Registry {
	var r = &Registry{
		stores:   stores,
		adapters: make(map[string]Adapter),
	}
	r.Register(&SpecularAdapter{})
	r.Register(&RefractorAdapter{})
	r.Register(&TonometerAdapter{})
	r.Register(&OCTAdapter{})
	return r
}

// Register installs |a|. Later registrations for a type win.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Type()] = a
}

// Has reports whether a real adapter serves |deviceType|.
func (r *Registry) Has(deviceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var _, ok = r.adapters[deviceType]
	return ok
}

// Lookup returns the adapter for |deviceType|, or a no-op adapter whose
// pipeline fails with NO_ADAPTER.
func (r *Registry) Lookup(deviceType string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.adapters[deviceType]; ok {
		return a
	}
	return noopAdapter{deviceType: deviceType}
}

// ProcessResult is the outcome of one reading's pipeline run.
type ProcessResult struct {
	Success       bool            `json:"success"`
	MeasurementID string          `json:"measurementId,omitempty"`
	ImageID       string          `json:"imageId,omitempty"`
	Duplicate     bool            `json:"duplicate,omitempty"`
	Error         *store.LogError `json:"error,omitempty"`
}

// ProcessOptions carry per-run context into the pipeline.
type ProcessOptions struct {
	PatientID string
	ExamID    string
	// Source is the ingestion channel (webhook, scheduled, manual).
	Source string
	// ImagePath, when set, is a local image file persisted alongside
	// the measurement.
	ImagePath string
	// InitiatedBy is recorded on the integration log.
	InitiatedBy string
}

// Process runs one reading through validate, transform, and persist,
// and writes an integration-log entry for the attempt. Re-processing
// the same content is detected by fingerprint and returns the prior
// measurement as a duplicate success.
func (r *Registry) Process(ctx context.Context, device *store.Device, rd Reading, opts ProcessOptions) *ProcessResult {
	var started = time.Now()
	var a = r.Lookup(device.Type)

	var entry = &store.IntegrationLogEntry{
		Device:            device.ID,
		DeviceType:        device.Type,
		EventType:         "measurement_import",
		Status:            store.LogProcessing,
		IntegrationMethod: device.Connection.Protocol,
		InitiatedBy:       opts.InitiatedBy,
		StartedAt:         started,
	}
	var logID, logErr = r.stores.Logs.AppendLog(ctx, entry)
	if logErr != nil {
		log.WithField("device", device.ID).WithError(logErr).Warn("appending integration log")
	}
	var finish = func(status store.LogStatus, result *ProcessResult) *ProcessResult {
		if logID != "" {
			var updateErr = r.stores.Logs.UpdateLog(ctx, logID, func(e *store.IntegrationLogEntry) {
				e.Status = status
				var now = time.Now()
				e.CompletedAt = &now
				e.ErrorDetails = result.Error
				e.Processing = &store.LogCounters{
					ProcessingTimeMs: time.Since(started).Milliseconds(),
				}
				if result.Success {
					e.Processing.RecordsProcessed = 1
					e.CreatedRecords = &store.CreatedRecords{Count: 1}
					if result.MeasurementID != "" {
						e.CreatedRecords.DeviceMeasurements = []string{result.MeasurementID}
					}
					if result.ImageID != "" {
						e.CreatedRecords.DeviceImages = []string{result.ImageID}
						e.CreatedRecords.Count++
					}
				} else {
					e.Processing.RecordsFailed = 1
				}
			})
			if updateErr != nil {
				log.WithField("log", logID).WithError(updateErr).Warn("finalizing integration log")
			}
		}
		return result
	}

	if _, isNoop := a.(noopAdapter); isNoop {
		return finish(store.LogFailed, &ProcessResult{Error: &store.LogError{
			Code:     "NO_ADAPTER",
			Message:  fmt.Sprintf("no adapter registered for device type %q", device.Type),
			Severity: "error",
		}})
	}

	if v := a.Validate(rd); !v.IsValid {
		return finish(store.LogFailed, &ProcessResult{Error: &store.LogError{
			Code:     "VALIDATION_FAILED",
			Message:  strings.Join(v.Errors, "; "),
			Severity: "warning",
		}})
	}

	var m, err = a.Transform(rd)
	if err != nil {
		return finish(store.LogFailed, &ProcessResult{Error: &store.LogError{
			Code:     "TRANSFORM_FAILED",
			Message:  err.Error(),
			Severity: "error",
		}})
	}
	m.Device = device.ID
	m.Patient = opts.PatientID
	m.Exam = opts.ExamID
	m.Source = opts.Source
	if m.MeasurementDate.IsZero() {
		m.MeasurementDate = started
	}
	m.Fingerprint = Fingerprint(device.ID, m)

	if prior, findErr := r.stores.Measurements.FindByFingerprint(ctx, device.ID, m.Fingerprint); findErr == nil {
		log.WithFields(log.Fields{"device": device.ID, "measurement": prior.ID}).
			Debug("skipping duplicate measurement")
		return finish(store.LogSuccess, &ProcessResult{Success: true, MeasurementID: prior.ID, Duplicate: true})
	}

	id, err := r.stores.Measurements.SaveMeasurement(ctx, m)
	if err != nil {
		return finish(store.LogFailed, &ProcessResult{Error: &store.LogError{
			Code:     "PERSIST_FAILED",
			Message:  err.Error(),
			Severity: "error",
		}})
	}
	var result = &ProcessResult{Success: true, MeasurementID: id}

	if opts.ImagePath != "" {
		imgID, imgErr := r.stores.Images.SaveImage(ctx, &store.Image{
			Device:     device.ID,
			Patient:    opts.PatientID,
			Exam:       opts.ExamID,
			Filename:   baseName(opts.ImagePath),
			LocalPath:  opts.ImagePath,
			Eye:        m.Eye,
			CapturedAt: m.MeasurementDate,
		})
		if imgErr != nil {
			// The measurement is saved; a failed image handoff degrades
			// the attempt to partial rather than voiding it.
			result.Error = &store.LogError{Code: "IMAGE_PERSIST_FAILED", Message: imgErr.Error(), Severity: "warning"}
			return finish(store.LogPartial, result)
		}
		result.ImageID = imgID
	}
	return finish(store.LogSuccess, result)
}

type noopAdapter struct{ deviceType string }

func (n noopAdapter) Type() string { return n.deviceType }
func (n noopAdapter) Validate(Reading) Validation {
	return Validation{Errors: []string{fmt.Sprintf("no adapter for device type %q", n.deviceType)}}
}
func (n noopAdapter) Transform(Reading) (*store.Measurement, error) {
	return nil, fmt.Errorf("no adapter for device type %q", n.deviceType)
}
func (n noopAdapter) ParseFile(string) ([]Reading, error) {
	return nil, fmt.Errorf("no adapter for device type %q", n.deviceType)
}

// fingerprintKey is fixed: fingerprints identify content, they are not
// authentication.
var fingerprintKey = make([]byte, 32)

// Fingerprint hashes the content-identifying fields of a measurement so
// re-ingesting the same export is idempotent.
func Fingerprint(deviceID string, m *store.Measurement) string {
	var keys = make([]string, 0, len(m.Data))
	for k := range m.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var h, _ = highwayhash.New64(fingerprintKey)
	_, _ = fmt.Fprintf(h, "%s|%s|%s|%d", deviceID, m.MeasurementType, m.Eye, m.MeasurementDate.Unix())
	for _, k := range keys {
		var v, _ = json.Marshal(m.Data[k])
		_, _ = fmt.Fprintf(h, "|%s=%s", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
