package store

import (
	"database/sql"
)

// Epoch is one row of a run's training history.
type Epoch struct {
	RunID       string  `json:"run_id"`
	Epoch       int     `json:"epoch"`
	Loss        float64 `json:"loss"`
	Accuracy    float64 `json:"accuracy"`
	ValLoss     float64 `json:"val_loss"`
	ValAccuracy float64 `json:"val_accuracy"`
	LR          float64 `json:"lr"`
}

// EpochRepository stores training history.
type EpochRepository struct {
	db *sql.DB
}

// Epochs returns the epoch repository for this store.
func (s *Store) Epochs() *EpochRepository {
	return &EpochRepository{db: s.db}
}

// Append records one epoch. Re-recording an epoch replaces it.
func (r *EpochRepository) Append(e *Epoch) error {
	_, err := r.db.Exec(
		`INSERT OR REPLACE INTO run_epochs (run_id, epoch, loss, accuracy, val_loss, val_accuracy, lr)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Epoch, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.LR,
	)
	return err
}

// List returns the history of a run in epoch order.
func (r *EpochRepository) List(runID string) ([]*Epoch, error) {
	rows, err := r.db.Query(
		`SELECT run_id, epoch, loss, accuracy, val_loss, val_accuracy, lr
		 FROM run_epochs WHERE run_id = ? ORDER BY epoch`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var epochs []*Epoch
	for rows.Next() {
		e := &Epoch{}
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.Loss, &e.Accuracy, &e.ValLoss, &e.ValAccuracy, &e.LR); err != nil {
			return nil, err
		}
		epochs = append(epochs, e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return epochs, nil
}
