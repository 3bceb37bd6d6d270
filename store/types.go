// Package store defines the persistence boundary of the integration
// core: the document shapes it reads and writes, the interfaces through
// which it reaches the external document store, and two local
// implementations (an in-memory store for tests and standalone mode,
// and a YAML-backed device registry).
package store

import (
	"time"
)

// Device categories. These drive adapter selection and filename
// heuristics, so the literals matter.
const (
	DeviceOCT       = "oct"
	DeviceRefractor = "autorefractor"
	DeviceTonometer = "tonometer"
	DeviceFundus    = "fundus_camera"
	DeviceSpecular  = "specular_microscope"
	DeviceArchive   = "archive_nas"
)

// Connection protocols.
const (
	ProtocolSMB        = "smb"
	ProtocolWebhook    = "webhook"
	ProtocolFolderSync = "folder-sync"
	ProtocolAPI        = "api"
	ProtocolManual     = "manual"
)

// DeviceStatus is the integration-state machine of a device.
type DeviceStatus string

const (
	StatusConnected     DeviceStatus = "connected"
	StatusDisconnected  DeviceStatus = "disconnected"
	StatusError         DeviceStatus = "error"
	StatusPending       DeviceStatus = "pending"
	StatusNotConfigured DeviceStatus = "not-configured"
)

// Device describes one configured instrument or archive share. The
// external store owns the document; the core has write authority only
// over the Integration block.
type Device struct {
	ID           string `json:"id" yaml:"id"`
	Name         string `json:"name" yaml:"name"`
	Type         string `json:"type" yaml:"type"`
	Manufacturer string `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Active       bool   `json:"active" yaml:"active"`

	Connection  Connection  `json:"connection" yaml:"connection"`
	Integration Integration `json:"integration" yaml:"-"`
}

// Connection holds how to reach the device's file surface.
type Connection struct {
	Protocol string `json:"protocol" yaml:"protocol"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty"`
	Share    string `json:"share,omitempty" yaml:"share,omitempty"`
	Domain   string `json:"domain,omitempty" yaml:"domain,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	// BasePath is the subdirectory under the share where the device
	// drops its exports, POSIX-style.
	BasePath string `json:"basePath,omitempty" yaml:"basePath,omitempty"`
	// MountPath, when set, names a local mount of the share visible to
	// inotify-class watchers.
	MountPath          string `json:"mountPath,omitempty" yaml:"mountPath,omitempty"`
	WebhookSecret      string `json:"webhookSecret,omitempty" yaml:"webhookSecret,omitempty"`
	AutoCloseTimeoutMs int    `json:"autoCloseTimeoutMs,omitempty" yaml:"autoCloseTimeoutMs,omitempty"`
}

// Integration is the mutable status block the core owns.
type Integration struct {
	Status            DeviceStatus `json:"status"`
	Method            string       `json:"method,omitempty"`
	LastSync          *time.Time   `json:"lastSync,omitempty"`
	LastConnection    *time.Time   `json:"lastConnection,omitempty"`
	LastWebhook       *time.Time   `json:"lastWebhook,omitempty"`
	LastSyncStatus    string       `json:"lastSyncStatus,omitempty"`
	ConsecutiveErrors int          `json:"consecutiveErrors"`
	WebhookCount      int          `json:"webhookCount"`
}

// IntegrationPatch is a partial update of a device's Integration block.
// Zero-valued fields are left untouched.
type IntegrationPatch struct {
	Status         DeviceStatus
	Method         string
	LastSync       *time.Time
	LastConnection *time.Time
	LastWebhook    *time.Time
	LastSyncStatus string

	SetConsecutiveErrors       *int
	IncrementConsecutiveErrors bool
	IncrementWebhookCount      bool
}

// Apply folds the patch into an Integration block.
func (p IntegrationPatch) Apply(in *Integration) {
	if p.Status != "" {
		in.Status = p.Status
	}
	if p.Method != "" {
		in.Method = p.Method
	}
	if p.LastSync != nil {
		in.LastSync = p.LastSync
	}
	if p.LastConnection != nil {
		in.LastConnection = p.LastConnection
	}
	if p.LastWebhook != nil {
		in.LastWebhook = p.LastWebhook
	}
	if p.LastSyncStatus != "" {
		in.LastSyncStatus = p.LastSyncStatus
	}
	if p.SetConsecutiveErrors != nil {
		in.ConsecutiveErrors = *p.SetConsecutiveErrors
	}
	if p.IncrementConsecutiveErrors {
		in.ConsecutiveErrors++
	}
	if p.IncrementWebhookCount {
		in.WebhookCount++
	}
}

// Eye laterality designators.
const (
	EyeRight = "OD"
	EyeLeft  = "OS"
	EyeBoth  = "OU"
)

// Measurement is a normalized device measurement. Data holds the
// adapter-specific payload; RawData preserves the original envelope.
type Measurement struct {
	ID              string         `json:"id,omitempty"`
	Device          string         `json:"device"`
	Patient         string         `json:"patient,omitempty"`
	Exam            string         `json:"exam,omitempty"`
	MeasurementType string         `json:"measurementType"`
	MeasurementDate time.Time      `json:"measurementDate"`
	Eye             string         `json:"eye,omitempty"`
	Data            map[string]any `json:"data"`
	Quality         *Quality       `json:"quality,omitempty"`
	Source          string         `json:"source,omitempty"`
	Fingerprint     string         `json:"fingerprint,omitempty"`
	RawData         map[string]any `json:"rawData,omitempty"`
	CreatedAt       time.Time      `json:"createdAt,omitempty"`
}

// Quality grades a measurement. Score is 0-100.
type Quality struct {
	Score          float64         `json:"score"`
	Factors        []QualityFactor `json:"factors,omitempty"`
	Interpretation string          `json:"interpretation,omitempty"`
	Findings       []string        `json:"findings,omitempty"`
}

// QualityFactor is one graded component of a measurement's quality.
type QualityFactor struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Acceptable bool    `json:"acceptable"`
}

// Image references a device-produced image file handed off for storage.
type Image struct {
	ID          string    `json:"id,omitempty"`
	Device      string    `json:"device"`
	Patient     string    `json:"patient,omitempty"`
	Exam        string    `json:"exam,omitempty"`
	Filename    string    `json:"filename"`
	LocalPath   string    `json:"localPath,omitempty"`
	ContentType string    `json:"contentType,omitempty"`
	Eye         string    `json:"eye,omitempty"`
	CapturedAt  time.Time `json:"capturedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt,omitempty"`
}

// LogStatus is the lifecycle of an integration-log entry.
type LogStatus string

const (
	LogProcessing LogStatus = "PROCESSING"
	LogSuccess    LogStatus = "SUCCESS"
	LogPartial    LogStatus = "PARTIAL"
	LogFailed     LogStatus = "FAILED"
)

// How an ingestion attempt was initiated.
const (
	InitiatedByDevice    = "DEVICE"
	InitiatedByManual    = "MANUAL"
	InitiatedByScheduled = "SCHEDULED"
)

// IntegrationLogEntry records one ingestion attempt for audit.
type IntegrationLogEntry struct {
	ID                string     `json:"id,omitempty"`
	Device            string     `json:"device"`
	DeviceType        string     `json:"deviceType,omitempty"`
	EventType         string     `json:"eventType"`
	Status            LogStatus  `json:"status"`
	IntegrationMethod string     `json:"integrationMethod,omitempty"`
	InitiatedBy       string     `json:"initiatedBy,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`

	Source         *LogSource      `json:"source,omitempty"`
	Webhook        *LogWebhook     `json:"webhook,omitempty"`
	ErrorDetails   *LogError       `json:"errorDetails,omitempty"`
	Processing     *LogCounters    `json:"processing,omitempty"`
	CreatedRecords *CreatedRecords `json:"createdRecords,omitempty"`
}

// LogSource captures where an inbound request came from.
type LogSource struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// LogWebhook captures the webhook envelope for audit. Headers are
// redacted before storage (see RedactHeaders).
type LogWebhook struct {
	Signature         string            `json:"signature,omitempty"`
	SignatureVerified bool              `json:"signatureVerified"`
	Headers           map[string]string `json:"headers,omitempty"`
	Payload           map[string]any    `json:"payload,omitempty"`
}

// LogError describes a failure.
type LogError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// LogCounters carries per-attempt counters.
type LogCounters struct {
	RecordsProcessed int   `json:"recordsProcessed"`
	RecordsFailed    int   `json:"recordsFailed"`
	ProcessingTimeMs int64 `json:"processingTime"`
}

// CreatedRecords references the documents an attempt produced.
type CreatedRecords struct {
	DeviceMeasurements []string `json:"deviceMeasurements,omitempty"`
	DeviceImages       []string `json:"deviceImages,omitempty"`
	Count              int      `json:"count"`
}

// Patient is the directory projection the indexer matches against.
type Patient struct {
	ID          string     `json:"id"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	DateOfBirth *time.Time `json:"dateOfBirth,omitempty"`
	LegacyIDs   []string   `json:"legacyIds,omitempty"`
}

// PatientCandidate is a scored match suggestion.
type PatientCandidate struct {
	Patient Patient `json:"patient"`
	Score   float64 `json:"score"`
}

// RedactHeaders copies HTTP headers into a flat map suitable for the
// integration log, dropping credential-bearing values.
func RedactHeaders(h map[string][]string) map[string]string {
	var out = make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		switch k {
		case "Authorization", "Cookie", "Proxy-Authorization":
			out[k] = "[redacted]"
		default:
			out[k] = vs[0]
		}
	}
	return out
}
