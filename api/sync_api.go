package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/irisemr/devicebridge/runtime"
	"github.com/irisemr/devicebridge/store"
)

func serveSyncFolder(a args, w http.ResponseWriter, r *http.Request) {
	var device = loadDevice(a, w, r)
	if device == nil {
		return
	}
	var body struct {
		Full bool `json:"full"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	var report, err = a.orch.SyncDevice(r.Context(), device, runtime.SyncOptions{
		Full:        body.Full,
		InitiatedBy: store.InitiatedByManual,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if report.Skipped {
		// Not an error: the device is simply busy. 202 tells the client
		// a sync is already underway.
		w.WriteHeader(http.StatusAccepted)
	}
	writeJSON(w, report)
}

func serveSyncAll(a args, w http.ResponseWriter, r *http.Request) {
	var reports, err = a.orch.SyncAll(r.Context(), store.InitiatedByManual)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, reports)
}

func serveAutoSyncStart(a args, w http.ResponseWriter, r *http.Request) {
	a.orch.StartAutoSync(r.Context(), 0)
	serveAutoSyncStatus(a, w, r)
}

func serveAutoSyncConfig(a args, w http.ResponseWriter, r *http.Request) {
	var body struct {
		PollIntervalMinutes float64 `json:"pollIntervalMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.PollIntervalMinutes <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("pollIntervalMinutes must be positive"))
		return
	}
	a.orch.ConfigureAutoSync(r.Context(), time.Duration(body.PollIntervalMinutes*float64(time.Minute)))
	serveAutoSyncStatus(a, w, r)
}

func serveAutoSyncStop(a args, w http.ResponseWriter, r *http.Request) {
	a.orch.StopAutoSync()
	serveAutoSyncStatus(a, w, r)
}

func serveAutoSyncStatus(a args, w http.ResponseWriter, _ *http.Request) {
	var running, interval = a.orch.AutoSyncStatus()
	writeJSON(w, map[string]any{
		"running":    running,
		"intervalMs": interval.Milliseconds(),
		"syncing":    a.orch.SyncingDevices(),
	})
}

func serveUnmatchedFolders(a args, w http.ResponseWriter, r *http.Request) {
	var folders, err = a.indexer.UnmatchedFolders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, folders)
}

func serveLinkFolder(a args, w http.ResponseWriter, r *http.Request) {
	var body struct {
		FolderName string `json:"folderName"`
		PatientID  string `json:"patientId"`
		DeviceType string `json:"deviceType"`
		UserID     string `json:"userId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.indexer.ManualLink(r.Context(), body.FolderName, body.PatientID, body.DeviceType, body.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]bool{"linked": true})
}
