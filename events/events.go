// Package events carries the real-time broadcast stream: typed event
// families published by the queue, the SMB pool, and the orchestrator,
// fanned out to WebSocket subscribers and a bounded recent-events ring.
package events

import (
	"time"
)

// Type enumerates the broadcast vocabulary. Consumers key off these
// literals, so they are part of the external contract.
type Type string

const (
	JobAdded     Type = "job_added"
	JobStarted   Type = "job_started"
	JobCompleted Type = "job_completed"
	JobFailed    Type = "job_failed"
	JobRetry     Type = "job_retry"

	FileProcessed  Type = "file_processed"
	FileDetected   Type = "file_detected"
	FileRemoved    Type = "file_removed"
	PatientMatched Type = "patient_matched"
	FoldersIndexed Type = "folders_indexed"

	DeviceSyncStarted   Type = "device_sync_started"
	DeviceSyncCompleted Type = "device_sync_completed"
	DeviceSyncError     Type = "device_sync_error"
	SyncComplete        Type = "sync_complete"
	WebhookReceived     Type = "webhook_received"

	Reconnecting    Type = "reconnecting"
	Reconnected     Type = "reconnected"
	ReconnectFailed Type = "reconnect_failed"
)

// Envelope is the broadcast wire shape.
type Envelope struct {
	Type      Type      `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// JobEvent is the payload of job-lifecycle events.
type JobEvent struct {
	JobID        string `json:"jobId"`
	JobType      string `json:"jobType"`
	Priority     int    `json:"priority,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
	DelayMs      int64  `json:"delayMs,omitempty"`
	AttemptsLeft int    `json:"attemptsLeft,omitempty"`
	Result       any    `json:"result,omitempty"`
}

// DeviceEvent is the payload of device-lifecycle events: syncs,
// reconnects, and webhook receipt.
type DeviceEvent struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName,omitempty"`
	EventType  string `json:"eventType,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	DelayMs    int64  `json:"delayMs,omitempty"`
	Error      string `json:"error,omitempty"`
	Files      int    `json:"files,omitempty"`
	Folders    int    `json:"folders,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// FileEvent is the payload of per-file progress events.
type FileEvent struct {
	DeviceID     string  `json:"deviceId"`
	Path         string  `json:"path"`
	Measurements int     `json:"measurements,omitempty"`
	PatientID    string  `json:"patientId,omitempty"`
	FolderName   string  `json:"folderName,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	Count        int     `json:"count,omitempty"`
}

// ErrorRecord is one entry of the bounded error ring every long-running
// component drains into.
type ErrorRecord struct {
	Component string    `json:"component"`
	Error     string    `json:"error"`
	At        time.Time `json:"at"`
}
