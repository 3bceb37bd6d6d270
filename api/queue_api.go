package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/irisemr/devicebridge/queue"
	"github.com/irisemr/devicebridge/store"
)

func serveQueueStats(a args, w http.ResponseWriter, r *http.Request) {
	var stats, err = a.queue.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, stats)
}

func serveGetJob(a args, w http.ResponseWriter, r *http.Request) {
	var job, err = a.queue.Job(r.Context(), mux.Vars(r)["jobId"])
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, job)
}

func serveAddJob(a args, w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobType string          `json:"jobType"`
		Data    json.RawMessage `json:"data"`
		Options struct {
			Priority  int   `json:"priority"`
			Retries   int   `json:"retries"`
			TimeoutMs int64 `json:"timeoutMs"`
			DelayMs   int64 `json:"delayMs"`
		} `json:"options"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.JobType == "" {
		writeError(w, http.StatusBadRequest, errors.New("jobType is required"))
		return
	}

	var enqueued, err = a.queue.Add(r.Context(), body.JobType, body.Data, queue.AddOptions{
		Priority: body.Options.Priority,
		Retries:  body.Options.Retries,
		Timeout:  time.Duration(body.Options.TimeoutMs) * time.Millisecond,
		Delay:    time.Duration(body.Options.DelayMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, enqueued)
}

func serveRetryFailed(a args, w http.ResponseWriter, r *http.Request) {
	var requeued, err = a.queue.RetryAllFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]int{"requeued": requeued})
}

func serveClearFailed(a args, w http.ResponseWriter, r *http.Request) {
	var cleared, err = a.queue.ClearFailed(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]int64{"cleared": cleared})
}
