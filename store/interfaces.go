package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by lookups of absent documents.
var ErrNotFound = errors.New("not found")

// Document collections addressed by the granular clinical writer.
const (
	CollectionRecords = "records"
	CollectionExams   = "exams"
)

// DeviceStore reads the device fleet and writes integration state.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	// ListDevices returns the full fleet, active and inactive.
	ListDevices(ctx context.Context) ([]*Device, error)
	// UpdateIntegration applies a partial update to the device's
	// integration block. It's the only device write the core performs.
	UpdateIntegration(ctx context.Context, id string, patch IntegrationPatch) error
}

// MeasurementStore persists normalized measurements.
type MeasurementStore interface {
	// SaveMeasurement stores |m| and returns its assigned ID. When m.ID
	// is set the write is an upsert.
	SaveMeasurement(ctx context.Context, m *Measurement) (string, error)
	// FindByFingerprint returns a prior measurement with the same
	// content fingerprint, or ErrNotFound. Adapters use it to keep
	// re-ingestion idempotent.
	FindByFingerprint(ctx context.Context, deviceID, fingerprint string) (*Measurement, error)
}

// ImageStore persists device image references.
type ImageStore interface {
	SaveImage(ctx context.Context, img *Image) (string, error)
}

// IntegrationLogStore appends and finalizes audit entries.
type IntegrationLogStore interface {
	AppendLog(ctx context.Context, e *IntegrationLogEntry) (string, error)
	// UpdateLog applies |apply| to the stored entry under the store's
	// own read-modify-write discipline.
	UpdateLog(ctx context.Context, id string, apply func(*IntegrationLogEntry)) error
	GetLog(ctx context.Context, id string) (*IntegrationLogEntry, error)
}

// PatientDirectory is the read-only patient lookup surface.
type PatientDirectory interface {
	GetPatient(ctx context.Context, id string) (*Patient, error)
	// FindByLegacyID resolves device-era patient identifiers.
	FindByLegacyID(ctx context.Context, legacyID string) (*Patient, error)
	// SearchByName returns scored candidates, best first.
	SearchByName(ctx context.Context, lastName, firstName string) ([]PatientCandidate, error)
}

// ClinicalStore is the granular-write contract: field-scoped updates
// that bypass document-level validation. Documents are opaque JSON
// objects addressed by collection and ID.
type ClinicalStore interface {
	// ApplyFieldUpdate sets exactly the given dotted-path fields plus
	// nothing else, and returns the updated document.
	ApplyFieldUpdate(ctx context.Context, collection, id string, fields map[string]any) (map[string]any, error)
	// AddToSet appends values to an array field, skipping values already
	// present. Idempotent.
	AddToSet(ctx context.Context, collection, id, field string, values ...any) (map[string]any, error)
	GetDocument(ctx context.Context, collection, id string) (map[string]any, error)
}

// Stores bundles the persistence interfaces the core writes through.
type Stores struct {
	Devices      DeviceStore
	Measurements MeasurementStore
	Images       ImageStore
	Logs         IntegrationLogStore
	Patients     PatientDirectory
	Clinical     ClinicalStore
}

// CloseLog finalizes entry |id| with |status| unless a prior update
// already moved it out of PROCESSING. Deferred by ingestion paths so no
// entry is ever left open.
func CloseLog(ctx context.Context, logs IntegrationLogStore, id string, status LogStatus, logErr *LogError) error {
	return logs.UpdateLog(ctx, id, func(e *IntegrationLogEntry) {
		if e.Status != LogProcessing {
			return
		}
		e.Status = status
		if logErr != nil {
			e.ErrorDetails = logErr
		}
		var now = nowFunc()
		e.CompletedAt = &now
	})
}
