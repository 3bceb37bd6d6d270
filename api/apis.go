// Package api is the HTTP surface of the integration core: webhook
// intake, manual sync and browse endpoints, queue administration, the
// WebSocket event stream, and health/metrics.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/irisemr/devicebridge/events"
	"github.com/irisemr/devicebridge/indexer"
	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/runtime"
	"github.com/irisemr/devicebridge/smb"
	"github.com/irisemr/devicebridge/store"
)

type args struct {
	stores  store.Stores
	pool    *smb.Pool
	queue   *queue.Queue
	bus     *events.Bus
	orch    *runtime.Orchestrator
	indexer *indexer.Indexer
}

// RegisterAPIs mounts every endpoint on |router|.
func RegisterAPIs(router *mux.Router, stores store.Stores, pool *smb.Pool, q *queue.Queue,
	bus *events.Bus, orch *runtime.Orchestrator, ix *indexer.Indexer) {
	var a = args{stores, pool, q, bus, orch, ix}

	router.
		Path("/devices/webhook/{deviceId}").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveWebhook(a, w, r) })

	router.Path("/devices/events/ws").Methods("GET").Handler(events.WSHandler(bus))
	router.
		Path("/devices/events/recent").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { writeJSON(w, bus.Recent()) })
	router.
		Path("/devices/events/errors").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { writeJSON(w, bus.RecentErrors()) })

	router.
		Path("/devices/{deviceId}/sync-folder").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveSyncFolder(a, w, r) })
	router.
		Path("/devices/sync-all").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveSyncAll(a, w, r) })
	router.
		Path("/devices/auto-sync/start").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveAutoSyncStart(a, w, r) })
	router.
		Path("/devices/auto-sync/stop").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveAutoSyncStop(a, w, r) })
	router.
		Path("/devices/auto-sync/config").
		Methods("PUT").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveAutoSyncConfig(a, w, r) })
	router.
		Path("/devices/auto-sync").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveAutoSyncStatus(a, w, r) })

	router.
		Path("/devices/{deviceId}/test").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveTestConnection(a, w, r) })
	router.
		Path("/devices/{deviceId}/browse").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveBrowse(a, w, r) })
	router.
		Path("/devices/{deviceId}/file").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveFile(a, w, r) })
	router.
		Path("/devices/{deviceId}/scan").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveScan(a, w, r) })
	router.
		Path("/devices/smb/stats").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { writeJSON(w, a.pool.Stats()) })

	router.
		Path("/devices/unmatched-folders").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveUnmatchedFolders(a, w, r) })
	router.
		Path("/devices/link-folder").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveLinkFolder(a, w, r) })

	router.
		Path("/devices/sync-queue/stats").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveQueueStats(a, w, r) })
	router.
		Path("/devices/sync-queue/retry-failed").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveRetryFailed(a, w, r) })
	router.
		Path("/devices/sync-queue/failed").
		Methods("DELETE").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveClearFailed(a, w, r) })
	router.
		Path("/devices/sync-queue/jobs/{jobId}").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveGetJob(a, w, r) })
	router.
		Path("/devices/sync-queue/jobs").
		Methods("POST").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveAddJob(a, w, r) })

	router.
		Path("/healthz").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveHealthz(a, w, r) })
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("encoding response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// loadDevice resolves the {deviceId} route variable, writing the error
// response itself on failure.
func loadDevice(a args, w http.ResponseWriter, r *http.Request) *store.Device {
	var id = mux.Vars(r)["deviceId"]
	var device, err = a.stores.Devices.GetDevice(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil
	}
	return device
}

func serveHealthz(a args, w http.ResponseWriter, r *http.Request) {
	var stats, err = a.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{
		"status":  "ok",
		"durable": stats.Durable,
	})
}
