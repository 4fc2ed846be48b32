package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ayusman/senas/internal/store"
)

// newTestStore creates a new Store with a temporary database for testing.
func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "senas-api-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() {
		os.RemoveAll(tmpDir)
	})

	s, err := store.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

// seedRun stores a finished run with two epochs and one artifact file.
func seedRun(t *testing.T, s *store.Store) (*store.Run, string) {
	t.Helper()
	run := &store.Run{Kind: store.RunKindLandmarks, Preset: "landmarks", DatasetDir: "data", OutputDir: "out"}
	if err := s.Runs().Create(run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := s.Runs().UpdateData(run.ID, []string{"A", "B"}, 16, 4); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 2; i++ {
		if err := s.Epochs().Append(&store.Epoch{RunID: run.ID, Epoch: i, Loss: 1 / float64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Runs().Finish(run.ID, 0.2, 0.95); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "labels.txt")
	if err := os.WriteFile(path, []byte("A\nB"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := s.Artifacts().Add(&store.Artifact{RunID: run.ID, Name: "labels.txt", Kind: store.ArtifactLabels, Path: path, Size: 3}); err != nil {
		t.Fatal(err)
	}
	return run, path
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunsHandler_List(t *testing.T) {
	s := newTestStore(t)
	handler := NewRunsHandler(s, nil)

	t.Run("empty list", func(t *testing.T) {
		rec := serve(handler, http.MethodGet, "/api/runs")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
		}
		if rec.Body.String() != "{\"runs\":[]}\n" {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	run, _ := seedRun(t, s)

	t.Run("one run", func(t *testing.T) {
		rec := serve(handler, http.MethodGet, "/api/runs")
		if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", ct)
		}
		var response struct {
			Runs []store.Run `json:"runs"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if len(response.Runs) != 1 || response.Runs[0].ID != run.ID {
			t.Fatalf("runs = %+v", response.Runs)
		}
		if response.Runs[0].Status != store.RunSucceeded || *response.Runs[0].TestAccuracy != 0.95 {
			t.Errorf("run = %+v", response.Runs[0])
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		if rec := serve(handler, http.MethodPost, "/api/runs"); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestRunsHandler_Get(t *testing.T) {
	s := newTestStore(t)
	handler := NewRunsHandler(s, nil)
	run, _ := seedRun(t, s)

	tests := []struct {
		name   string
		method string
		target string
		want   int
	}{
		{"run", http.MethodGet, "/api/runs/" + run.ID, http.StatusOK},
		{"unknown run", http.MethodGet, "/api/runs/nope", http.StatusNotFound},
		{"epochs", http.MethodGet, "/api/runs/" + run.ID + "/epochs", http.StatusOK},
		{"epochs of unknown run", http.MethodGet, "/api/runs/nope/epochs", http.StatusNotFound},
		{"artifacts", http.MethodGet, "/api/runs/" + run.ID + "/artifacts", http.StatusOK},
		{"unknown sub-resource", http.MethodGet, "/api/runs/" + run.ID + "/logs", http.StatusNotFound},
		{"unknown artifact", http.MethodGet, "/api/runs/" + run.ID + "/artifacts/model.task", http.StatusNotFound},
		{"put", http.MethodPut, "/api/runs/" + run.ID, http.StatusMethodNotAllowed},
		{"post epochs", http.MethodPost, "/api/runs/" + run.ID + "/epochs", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(handler, tt.method, tt.target); rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}

	t.Run("epoch bodies", func(t *testing.T) {
		rec := serve(handler, http.MethodGet, "/api/runs/"+run.ID+"/epochs")
		var response listEpochsResponse
		if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
			t.Fatal(err)
		}
		if len(response.Epochs) != 2 || response.Epochs[0].Epoch != 1 || response.Epochs[1].Loss != 0.5 {
			t.Errorf("epochs = %+v", response.Epochs)
		}
	})
}

func TestRunsHandler_Download(t *testing.T) {
	s := newTestStore(t)
	handler := NewRunsHandler(s, nil)
	run, path := seedRun(t, s)

	rec := serve(handler, http.MethodGet, "/api/runs/"+run.ID+"/artifacts/labels.txt")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.String() != "A\nB" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if cd := rec.Header().Get("Content-Disposition"); cd != `attachment; filename="labels.txt"` {
		t.Errorf("Content-Disposition = %q", cd)
	}

	t.Run("nested name", func(t *testing.T) {
		nested := filepath.Join(t.TempDir(), "model.json")
		os.WriteFile(nested, []byte("{}"), 0644)
		s.Artifacts().Add(&store.Artifact{RunID: run.ID, Name: "tfjs/model.json", Kind: store.ArtifactModel, Path: nested})

		rec := serve(handler, http.MethodGet, "/api/runs/"+run.ID+"/artifacts/tfjs/model.json")
		if rec.Code != http.StatusOK || rec.Body.String() != "{}" {
			t.Errorf("status %d body %q", rec.Code, rec.Body.String())
		}
	})

	t.Run("file removed", func(t *testing.T) {
		os.Remove(path)
		rec := serve(handler, http.MethodGet, "/api/runs/"+run.ID+"/artifacts/labels.txt")
		if rec.Code != http.StatusGone {
			t.Errorf("expected status %d, got %d", http.StatusGone, rec.Code)
		}
	})
}

func TestRunsHandler_Delete(t *testing.T) {
	s := newTestStore(t)
	handler := NewRunsHandler(s, nil)
	run, path := seedRun(t, s)

	if rec := serve(handler, http.MethodDelete, "/api/runs/"+run.ID); rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if rec := serve(handler, http.MethodGet, "/api/runs/"+run.ID); rec.Code != http.StatusNotFound {
		t.Errorf("GET after delete: expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if rec := serve(handler, http.MethodDelete, "/api/runs/"+run.ID); rec.Code != http.StatusNotFound {
		t.Errorf("second delete: expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("artifact file should survive run deletion: %v", err)
	}
}

type stubLauncher struct {
	got []LaunchRequest
	err error
}

func (l *stubLauncher) Launch(req LaunchRequest) error {
	l.got = append(l.got, req)
	return l.err
}

func TestRunsHandler_Launch(t *testing.T) {
	s := newTestStore(t)

	post := func(h http.Handler, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("accepted", func(t *testing.T) {
		l := &stubLauncher{}
		rec := post(NewRunsHandler(s, l), `{"preset":"landmarks","epochs":5}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
		}
		if len(l.got) != 1 || l.got[0].Preset != "landmarks" || l.got[0].Epochs != 5 {
			t.Errorf("launch requests = %+v", l.got)
		}
	})

	t.Run("empty body keeps defaults", func(t *testing.T) {
		l := &stubLauncher{}
		if rec := post(NewRunsHandler(s, l), ""); rec.Code != http.StatusAccepted {
			t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
		}
		if l.got[0] != (LaunchRequest{}) {
			t.Errorf("launch request = %+v", l.got[0])
		}
	})

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{"invalid json", "{", nil, http.StatusBadRequest},
		{"negative epochs", `{"epochs":-1}`, nil, http.StatusBadRequest},
		{"busy", `{}`, ErrBusy, http.StatusConflict},
		{"bad preset", `{"preset":"nope"}`, errors.New("unknown preset"), http.StatusBadRequest},
		{"path outside root", `{"output":"../../tmp"}`, ErrInvalidPath, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(NewRunsHandler(s, &stubLauncher{err: tt.err}), tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}

	t.Run("disabled without launcher", func(t *testing.T) {
		if rec := post(NewRunsHandler(s, nil), "{}"); rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}
