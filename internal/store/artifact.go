package store

import (
	"database/sql"
	"errors"
	"time"
)

// Artifact kinds.
const (
	ArtifactModel    = "model"
	ArtifactLabels   = "labels"
	ArtifactMetadata = "metadata"
	ArtifactBundle   = "bundle"
)

// Artifact is a file written by a run.
type Artifact struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactRepository records run outputs.
type ArtifactRepository struct {
	db *sql.DB
}

// Artifacts returns the artifact repository for this store.
func (s *Store) Artifacts() *ArtifactRepository {
	return &ArtifactRepository{db: s.db}
}

// Add records an artifact. Adding the same name twice for a run updates it.
func (r *ArtifactRepository) Add(a *Artifact) error {
	a.CreatedAt = time.Now()
	result, err := r.db.Exec(
		`INSERT INTO artifacts (run_id, name, kind, path, size, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET kind = excluded.kind, path = excluded.path,
		 size = excluded.size, created_at = excluded.created_at`,
		a.RunID, a.Name, a.Kind, a.Path, a.Size, a.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err == nil {
		a.ID = id
	}
	return nil
}

// List returns the artifacts of a run ordered by name.
func (r *ArtifactRepository) List(runID string) ([]*Artifact, error) {
	rows, err := r.db.Query(
		`SELECT id, run_id, name, kind, path, size, created_at
		 FROM artifacts WHERE run_id = ? ORDER BY name`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		a := &Artifact{}
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Kind, &a.Path, &a.Size, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return artifacts, nil
}

// Get retrieves one artifact of a run by name.
func (r *ArtifactRepository) Get(runID, name string) (*Artifact, error) {
	a := &Artifact{}
	err := r.db.QueryRow(
		`SELECT id, run_id, name, kind, path, size, created_at
		 FROM artifacts WHERE run_id = ? AND name = ?`,
		runID, name,
	).Scan(&a.ID, &a.RunID, &a.Name, &a.Kind, &a.Path, &a.Size, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}
