package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/irisemr/devicebridge/shellsafe"
	"github.com/irisemr/devicebridge/smb"
)

func serveTestConnection(a args, w http.ResponseWriter, r *http.Request) {
	var device = loadDevice(a, w, r)
	if device == nil {
		return
	}
	if err := a.pool.TestConnection(r.Context(), device); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, map[string]bool{"connected": true})
}

func serveBrowse(a args, w http.ResponseWriter, r *http.Request) {
	var device = loadDevice(a, w, r)
	if device == nil {
		return
	}
	var subpath = r.URL.Query().Get("path")
	var entries, err = a.pool.ListDirectory(r.Context(), device, subpath)
	if err != nil {
		writeBrowseError(w, err)
		return
	}
	writeJSON(w, map[string]any{"path": subpath, "entries": entries})
}

func serveFile(a args, w http.ResponseWriter, r *http.Request) {
	var device = loadDevice(a, w, r)
	if device == nil {
		return
	}
	var filePath = r.URL.Query().Get("path")
	var local, err = a.pool.ReadFile(r.Context(), device, filePath)
	if err != nil {
		writeBrowseError(w, err)
		return
	}
	http.ServeFile(w, r, local.LocalPath)
}

func serveScan(a args, w http.ResponseWriter, r *http.Request) {
	var device = loadDevice(a, w, r)
	if device == nil {
		return
	}
	var body struct {
		Path     string `json:"path"`
		MaxDepth int    `json:"maxDepth"`
		MaxFiles int    `json:"maxFiles"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	var result, err = a.pool.ScanDirectory(r.Context(), device, body.Path, smb.ScanOptions{
		MaxDepth: body.MaxDepth,
		MaxFiles: body.MaxFiles,
	})
	if err != nil {
		writeBrowseError(w, err)
		return
	}
	writeJSON(w, result)
}

// writeBrowseError maps path-validation failures to 400 and everything
// else (unreachable share, missing file) to 502.
func writeBrowseError(w http.ResponseWriter, err error) {
	var verr *shellsafe.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusBadGateway, err)
}
