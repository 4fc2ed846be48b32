package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// RunKind identifies what a run trained or produced.
type RunKind string

const (
	// RunKindImage is a CNN trained on raw pixels.
	RunKindImage RunKind = "image"
	// RunKindLandmarks is an MLP trained on hand landmark features.
	RunKindLandmarks RunKind = "landmarks"
	// RunKindConvert re-exports an already trained model.
	RunKindConvert RunKind = "convert"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Run is one invocation of the training pipeline.
type Run struct {
	ID           string     `json:"id"`
	Kind         RunKind    `json:"kind"`
	Preset       string     `json:"preset"`
	DatasetDir   string     `json:"dataset_dir"`
	OutputDir    string     `json:"output_dir"`
	ImageSize    int        `json:"image_size"`
	NumClasses   int        `json:"num_classes"`
	Classes      []string   `json:"classes"`
	TrainSamples int        `json:"train_samples"`
	TestSamples  int        `json:"test_samples"`
	TestLoss     *float64   `json:"test_loss,omitempty"`
	TestAccuracy *float64   `json:"test_accuracy,omitempty"`
	Status       RunStatus  `json:"status"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// RunRepository provides CRUD operations for runs.
type RunRepository struct {
	db *sql.DB
}

// Runs returns the run repository for this store.
func (s *Store) Runs() *RunRepository {
	return &RunRepository{db: s.db}
}

const runColumns = `id, kind, preset, dataset_dir, output_dir, image_size, num_classes, classes,
	train_samples, test_samples, test_loss, test_accuracy, status, error, created_at, finished_at`

// Create inserts a new run in the running state, assigning an ID if empty.
func (r *RunRepository) Create(run *Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	run.Status = RunRunning
	run.CreatedAt = time.Now()

	classes, err := json.Marshal(nonNil(run.Classes))
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		`INSERT INTO runs (id, kind, preset, dataset_dir, output_dir, image_size, num_classes, classes,
		 train_samples, test_samples, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.Preset, run.DatasetDir, run.OutputDir, run.ImageSize,
		run.NumClasses, string(classes), run.TrainSamples, run.TestSamples, string(run.Status), run.CreatedAt,
	)
	return err
}

// UpdateData records the dataset facts known once loading and splitting finish.
func (r *RunRepository) UpdateData(id string, classes []string, train, test int) error {
	data, err := json.Marshal(nonNil(classes))
	if err != nil {
		return err
	}
	result, err := r.db.Exec(
		`UPDATE runs SET classes = ?, num_classes = ?, train_samples = ?, test_samples = ? WHERE id = ?`,
		string(data), len(classes), train, test, id,
	)
	if err != nil {
		return err
	}
	return affected(result)
}

// Finish marks a run succeeded with its test metrics.
func (r *RunRepository) Finish(id string, testLoss, testAccuracy float64) error {
	result, err := r.db.Exec(
		`UPDATE runs SET status = ?, test_loss = ?, test_accuracy = ?, finished_at = ? WHERE id = ?`,
		string(RunSucceeded), testLoss, testAccuracy, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return affected(result)
}

// Fail marks a run failed with the error that stopped it.
func (r *RunRepository) Fail(id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	result, err := r.db.Exec(
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(RunFailed), msg, time.Now(), id,
	)
	if err != nil {
		return err
	}
	return affected(result)
}

// GetByID retrieves a run by its ID.
func (r *RunRepository) GetByID(id string) (*Run, error) {
	run, err := scanRun(r.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return run, nil
}

// List retrieves all runs, newest first.
func (r *RunRepository) List() ([]*Run, error) {
	rows, err := r.db.Query(`SELECT ` + runColumns + ` FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// Delete removes a run and, through cascading deletes, its epochs and artifacts.
func (r *RunRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return affected(result)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	var kind, status, classes string
	var testLoss, testAcc sql.NullFloat64
	var finished sql.NullTime

	err := row.Scan(&run.ID, &kind, &run.Preset, &run.DatasetDir, &run.OutputDir, &run.ImageSize,
		&run.NumClasses, &classes, &run.TrainSamples, &run.TestSamples, &testLoss, &testAcc,
		&status, &run.Error, &run.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}

	run.Kind = RunKind(kind)
	run.Status = RunStatus(status)
	if err := json.Unmarshal([]byte(classes), &run.Classes); err != nil {
		return nil, err
	}
	if testLoss.Valid {
		run.TestLoss = &testLoss.Float64
	}
	if testAcc.Valid {
		run.TestAccuracy = &testAcc.Float64
	}
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return run, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
