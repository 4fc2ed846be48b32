package e2e

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gocv.io/x/gocv"

	"github.com/ayusman/senas/internal/config"
	"github.com/ayusman/senas/internal/detector"
	"github.com/ayusman/senas/internal/export"
	"github.com/ayusman/senas/internal/pipeline"
	"github.com/ayusman/senas/internal/server"
	"github.com/ayusman/senas/internal/server/api"
	"github.com/ayusman/senas/internal/store"
)

const perClass = 6

func writeDataset(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, class := range []string{"A", "B"} {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < perClass; i++ {
			mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(i*20), 90, 160, 0), 32, 32, gocv.MatTypeCV8UC3)
			gocv.IMWrite(filepath.Join(dir, fmt.Sprintf("Image_%d.jpg", i)), mat)
			mat.Close()
		}
	}
	return root
}

func fakeConverter(t *testing.T) *export.Converter {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("skipping test on Windows")
	}
	script := filepath.Join(t.TempDir(), "convert.sh")
	body := `#!/bin/sh
out=$(sed -n 's/.*"output":"\([^"]*\)".*/\1/p')
printf 'TFL3-fake-model' > "$out"
echo '{"success":true,"data":{}}'
`
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	c := export.NewConverter("python3", 10*time.Second)
	c.Command = []string{script}
	return c
}

func letters(cfg detector.Config) (detector.Detector, error) {
	d := detector.NewMockDetector()
	for i := 0; i < perClass; i++ {
		d.Queue([]detector.HandLandmarks{detector.LetterALandmarks()})
	}
	d.SetHands([]detector.HandLandmarks{detector.LetterBLandmarks()})
	return d, nil
}

func TestE2E_TrainAndBrowse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping e2e test")
	}

	tmpDir := t.TempDir()
	s, err := store.New(filepath.Join(tmpDir, "data.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	defer s.Close()

	cfg, err := config.Default(config.PresetLandmarks)
	if err != nil {
		t.Fatal(err)
	}
	cfg.DatasetDir = writeDataset(t)
	cfg.OutputDir = filepath.Join(tmpDir, "modelo_lsp")
	cfg.Epochs = 4

	hub := server.NewEventHub()
	trainer := server.NewTrainer(context.Background(), cfg, pipeline.Options{
		Store:     s,
		Events:    hub,
		Converter: fakeConverter(t),
		Detectors: letters,
	})
	trainer.Root = tmpDir
	ts := httptest.NewServer(server.New(server.Config{Store: s, Events: hub, Launcher: trainer}))
	defer ts.Close()
	client := ts.Client()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/events", nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	for deadline := time.Now().Add(2 * time.Second); hub.Clients() == 0; {
		if time.Now().After(deadline) {
			t.Fatal("event client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Run("StartRun", func(t *testing.T) {
		resp, err := client.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(`{"epochs": 3}`))
		if err != nil {
			t.Fatalf("POST /api/runs error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
		}
	})

	var runID string
	t.Run("ReceiveEvents", func(t *testing.T) {
		var epochs int
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("ReadMessage() error = %v", err)
			}
			var ev pipeline.Event
			json.Unmarshal(msg, &ev)
			runID = ev.RunID
			switch ev.Type {
			case pipeline.EventEpoch:
				epochs++
			case pipeline.EventRunFailed:
				t.Fatalf("run failed: %s", ev.Message)
			}
			if ev.Type == pipeline.EventRunFinished {
				break
			}
		}
		if epochs == 0 || epochs > 3 {
			t.Errorf("received %d epoch events, want 1..3", epochs)
		}
	})
	trainer.Wait()

	t.Run("ListArtifacts", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/runs/" + runID + "/artifacts")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()

		var listed struct {
			Artifacts []store.Artifact `json:"artifacts"`
		}
		json.NewDecoder(resp.Body).Decode(&listed)
		var names []string
		for _, a := range listed.Artifacts {
			names = append(names, a.Name)
		}
		for _, want := range []string{pipeline.BundleFile, pipeline.LabelsText, pipeline.ScalerFile, "tfjs/model.json"} {
			if !slices.Contains(names, want) {
				t.Errorf("artifact %s missing from %v", want, names)
			}
		}
	})

	t.Run("DownloadBundle", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/runs/" + runID + "/artifacts/" + pipeline.BundleFile)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		data, _ := io.ReadAll(resp.Body)

		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			t.Fatalf("bundle is not a zip: %v", err)
		}
		var names []string
		for _, f := range zr.File {
			names = append(names, f.Name)
			if f.Method != zip.Store {
				t.Errorf("%s is compressed", f.Name)
			}
		}
		slices.Sort(names)
		if want := []string{"labels.txt", "metadata.json", "model.tflite"}; !slices.Equal(names, want) {
			t.Errorf("bundle members = %v, want %v", names, want)
		}
	})

	t.Run("RunRecord", func(t *testing.T) {
		resp, err := client.Get(ts.URL + "/api/runs/" + runID)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		var run store.Run
		json.NewDecoder(resp.Body).Decode(&run)
		if run.Status != store.RunSucceeded || !slices.Equal(run.Classes, []string{"A", "B"}) {
			t.Errorf("run = %+v", run)
		}
	})

	t.Run("SecondRunWhileIdle", func(t *testing.T) {
		err := trainer.Launch(api.LaunchRequest{Output: "second"})
		if err != nil {
			t.Fatalf("Launch() error = %v", err)
		}
		trainer.Wait()
	})
}
