package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/runtime"
	"github.com/irisemr/devicebridge/store"
)

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Device-Signature"

const maxWebhookBody = 1 << 20

// Webhook event vocabulary. Unknown types are acknowledged and logged,
// never failed, so a device firmware update cannot wedge its queue.
const (
	WebhookFileCreated   = "file_created"
	WebhookFileModified  = "file_modified"
	WebhookExamComplete  = "exam_complete"
	WebhookFolderCreated = "folder_created"
)

// webhookBody is the inbound envelope. All fields are top-level.
type webhookBody struct {
	EventType  string `json:"eventType"`
	FilePath   string `json:"filePath"`
	FolderName string `json:"folderName"`
	PatientID  string `json:"patientId"`
	ExamID     string `json:"examId"`
}

// serveWebhook ingests one device callback: verify, audit, dispatch,
// acknowledge. The heavy work always goes through the queue; the
// device gets its 200 in milliseconds.
func serveWebhook(a args, w http.ResponseWriter, r *http.Request) {
	var ctx = r.Context()
	var deviceID = mux.Vars(r)["deviceId"]
	var device, err = a.stores.Devices.GetDevice(ctx, deviceID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("reading body: %w", err))
		return
	}
	var signature = r.Header.Get(SignatureHeader)
	var verified = VerifySignature(body, signature, device.Connection.WebhookSecret)

	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	var entry = &store.IntegrationLogEntry{
		Device:            device.ID,
		DeviceType:        device.Type,
		EventType:         "webhook",
		Status:            store.LogProcessing,
		IntegrationMethod: store.ProtocolWebhook,
		InitiatedBy:       store.InitiatedByDevice,
		StartedAt:         time.Now().UTC(),
		Source: &store.LogSource{
			IPAddress: r.RemoteAddr,
			UserAgent: r.UserAgent(),
		},
		Webhook: &store.LogWebhook{
			Signature:         signature,
			SignatureVerified: verified,
			Headers:           store.RedactHeaders(r.Header),
			Payload:           payload,
		},
	}
	logID, err := a.stores.Logs.AppendLog(ctx, entry)
	if err != nil {
		log.WithField("device", device.ID).WithError(err).Warn("appending webhook log")
	}

	if !verified {
		if logID != "" {
			_ = store.CloseLog(ctx, a.stores.Logs, logID, store.LogFailed, &store.LogError{
				Code:     "INVALID_SIGNATURE",
				Message:  "webhook signature verification failed",
				Severity: "warning",
			})
		}
		log.WithFields(log.Fields{"device": device.ID, "remote": r.RemoteAddr}).
			Warn("webhook signature rejected")
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid signature"))
		return
	}

	var hook webhookBody
	if err = json.Unmarshal(body, &hook); err != nil {
		if logID != "" {
			_ = store.CloseLog(ctx, a.stores.Logs, logID, store.LogFailed, &store.LogError{
				Code: "MALFORMED_PAYLOAD", Message: err.Error(),
			})
		}
		writeError(w, http.StatusBadRequest, fmt.Errorf("decoding payload: %w", err))
		return
	}

	var enqueued *queue.Enqueued
	switch hook.EventType {
	case WebhookFileCreated, WebhookFileModified:
		enqueued, err = a.queue.Add(ctx, queue.TypeFileProcess, runtime.FileProcessPayload{
			DeviceID:    device.ID,
			Path:        hook.FilePath,
			PatientID:   hook.PatientID,
			ExamID:      hook.ExamID,
			InitiatedBy: store.InitiatedByDevice,
		}, queue.AddOptions{Priority: runtime.PriorityWebhook})

	case WebhookExamComplete:
		enqueued, err = a.queue.Add(ctx, queue.TypeBatchImport, runtime.BatchImportPayload{
			DeviceID:    device.ID,
			Path:        hook.FilePath,
			PatientID:   hook.PatientID,
			ExamID:      hook.ExamID,
			InitiatedBy: store.InitiatedByDevice,
		}, queue.AddOptions{Priority: runtime.PriorityWebhook})

	case WebhookFolderCreated:
		enqueued, err = a.queue.Add(ctx, queue.TypePatientMatch, runtime.PatientMatchPayload{
			DeviceID:   device.ID,
			FolderName: hook.FolderName,
		}, queue.AddOptions{Priority: runtime.PriorityWebhook + 1})

	default:
		log.WithFields(log.Fields{"device": device.ID, "eventType": hook.EventType}).
			Info("ignoring unknown webhook event")
	}
	if err != nil {
		if logID != "" {
			_ = store.CloseLog(ctx, a.stores.Logs, logID, store.LogFailed, &store.LogError{
				Code: "ENQUEUE_FAILED", Message: err.Error(),
			})
		}
		if patchErr := a.stores.Devices.UpdateIntegration(ctx, device.ID, store.IntegrationPatch{
			LastSyncStatus:             "failed",
			IncrementConsecutiveErrors: true,
		}); patchErr != nil {
			log.WithField("device", device.ID).WithError(patchErr).Warn("updating integration state")
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var now = time.Now().UTC()
	var zero = 0
	if err = a.stores.Devices.UpdateIntegration(ctx, device.ID, store.IntegrationPatch{
		LastWebhook:           &now,
		LastConnection:        &now,
		LastSyncStatus:        "success",
		IncrementWebhookCount: true,
		SetConsecutiveErrors:  &zero,
	}); err != nil {
		log.WithField("device", device.ID).WithError(err).Warn("updating integration state")
	}
	if logID != "" {
		_ = store.CloseLog(ctx, a.stores.Logs, logID, store.LogSuccess, nil)
	}

	a.bus.Publish(events.WebhookReceived, events.DeviceEvent{
		DeviceID:   device.ID,
		DeviceName: device.Name,
		EventType:  hook.EventType,
	})

	var resp = map[string]any{"processed": true, "eventType": hook.EventType}
	if enqueued != nil {
		resp["jobId"] = enqueued.JobID
		resp["jobStatus"] = enqueued.Status
	}
	writeJSON(w, resp)
}
