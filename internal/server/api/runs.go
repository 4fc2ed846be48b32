// Package api provides HTTP API handlers for the training dashboard.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/ayusman/senas/internal/store"
)

// ErrBusy is returned by a Launcher that is already training.
var ErrBusy = errors.New("a training run is already in progress")

// ErrInvalidPath is returned by a Launcher for a dataset or output path
// outside the directory it serves.
var ErrInvalidPath = errors.New("path outside the served directory")

// LaunchRequest selects what a run started over HTTP trains. Empty fields
// keep the configured defaults.
type LaunchRequest struct {
	Preset  string `json:"preset"`
	Dataset string `json:"dataset"`
	Output  string `json:"output"`
	Epochs  int    `json:"epochs"`
}

// Launcher starts training runs in the background.
type Launcher interface {
	Launch(req LaunchRequest) error
}

// RunsHandler handles HTTP requests for training runs and their epochs and artifacts.
type RunsHandler struct {
	store    *store.Store
	launcher Launcher
}

// NewRunsHandler creates a new RunsHandler with the given store. A nil
// launcher disables POST /api/runs.
func NewRunsHandler(s *store.Store, l Launcher) *RunsHandler {
	return &RunsHandler{store: s, launcher: l}
}

// ServeHTTP routes:
//
//	/api/runs (GET, and POST with a launcher)
//	/api/runs/{id}
//	/api/runs/{id}/epochs
//	/api/runs/{id}/artifacts
//	/api/runs/{id}/artifacts/{name}
func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/runs")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch {
		case r.Method == http.MethodGet:
			h.list(w, r)
		case r.Method == http.MethodPost && h.launcher != nil:
			h.launch(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	id, rest, _ := strings.Cut(path, "/")
	switch {
	case rest == "":
		switch r.Method {
		case http.MethodGet:
			h.get(w, r, id)
		case http.MethodDelete:
			h.delete(w, r, id)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case r.Method != http.MethodGet:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	case rest == "epochs":
		h.epochs(w, r, id)
	case rest == "artifacts":
		h.artifacts(w, r, id)
	case strings.HasPrefix(rest, "artifacts/"):
		h.download(w, r, id, strings.TrimPrefix(rest, "artifacts/"))
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

type listRunsResponse struct {
	Runs []*store.Run `json:"runs"`
}

type listEpochsResponse struct {
	Epochs []*store.Epoch `json:"epochs"`
}

type listArtifactsResponse struct {
	Artifacts []*store.Artifact `json:"artifacts"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// list handles GET /api/runs, newest first.
func (h *RunsHandler) list(w http.ResponseWriter, r *http.Request) {
	runs, err := h.store.Runs().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}
	if runs == nil {
		runs = []*store.Run{}
	}
	writeJSON(w, http.StatusOK, listRunsResponse{Runs: runs})
}

// launch handles POST /api/runs. The run reports its progress over the
// event feed.
func (h *RunsHandler) launch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.Epochs < 0 {
		writeError(w, http.StatusBadRequest, "Epochs must not be negative")
		return
	}

	if err := h.launcher.Launch(req); err != nil {
		if errors.Is(err, ErrBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// get handles GET /api/runs/{id}.
func (h *RunsHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	run, ok := h.lookup(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// delete handles DELETE /api/runs/{id}. Files on disk are left alone.
func (h *RunsHandler) delete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.store.Runs().Delete(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to delete run")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// epochs handles GET /api/runs/{id}/epochs.
func (h *RunsHandler) epochs(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := h.lookup(w, id); !ok {
		return
	}
	epochs, err := h.store.Epochs().List(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list epochs")
		return
	}
	if epochs == nil {
		epochs = []*store.Epoch{}
	}
	writeJSON(w, http.StatusOK, listEpochsResponse{Epochs: epochs})
}

// artifacts handles GET /api/runs/{id}/artifacts.
func (h *RunsHandler) artifacts(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := h.lookup(w, id); !ok {
		return
	}
	artifacts, err := h.store.Artifacts().List(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list artifacts")
		return
	}
	if artifacts == nil {
		artifacts = []*store.Artifact{}
	}
	writeJSON(w, http.StatusOK, listArtifactsResponse{Artifacts: artifacts})
}

// download handles GET /api/runs/{id}/artifacts/{name} by serving the
// recorded file.
func (h *RunsHandler) download(w http.ResponseWriter, r *http.Request, id, name string) {
	a, err := h.store.Artifacts().Get(id, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Artifact not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to get artifact")
		return
	}

	f, err := os.Open(a.Path)
	if err != nil {
		writeError(w, http.StatusGone, "Artifact file is missing")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		writeError(w, http.StatusGone, "Artifact file is missing")
		return
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(a.Path)+`"`)
	http.ServeContent(w, r, a.Path, info.ModTime(), f)
}

func (h *RunsHandler) lookup(w http.ResponseWriter, id string) (*store.Run, bool) {
	run, err := h.store.Runs().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Run not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "Failed to get run")
		return nil, false
	}
	return run, true
}
