package db

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ExperimentStore is the durable record of experiments and their
// append-only result ledger.
type ExperimentStore struct {
	db *gorm.DB
}

func NewExperimentStore(db *gorm.DB) *ExperimentStore {
	return &ExperimentStore{db: db}
}

// VersionAggregate is the raw per-version fold over the result ledger.
// It is a pure function of the stored rows: computing it twice over
// the same rows yields identical values.
type VersionAggregate struct {
	Version       int
	Requests      int64
	SuccessCount  int64
	TotalDuration float64
	TotalCost     float64
}

// Create persists a new experiment in the running state. The partial
// unique index from Migrate is the uniqueness guard: a second running
// experiment for the same prompt name fails the insert itself, so
// racing creates cannot both succeed regardless of process count. The
// violation surfaces as a conflict error.
func (s *ExperimentStore) Create(exp *Experiment) error {
	if exp.SplitPercentage < 0 || exp.SplitPercentage > 100 {
		return Validationf("split percentage must be between 0 and 100, got %d", exp.SplitPercentage)
	}

	exp.Status = StatusRunning
	if exp.StartedAt.IsZero() {
		exp.StartedAt = time.Now().UTC()
	}
	exp.EndedAt = nil
	exp.WinnerVersion = nil

	if err := s.db.Create(exp).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return Conflictf("an experiment is already running for prompt %q", exp.PromptName)
		}
		return err
	}
	return nil
}

// UpdateSplit changes the traffic split of a running experiment. The
// running check rides on the UPDATE itself, so a transition committed
// by a concurrent writer cannot slip in between a guard read and the
// write.
func (s *ExperimentStore) UpdateSplit(testID string, newSplit int) error {
	if newSplit < 0 || newSplit > 100 {
		return Validationf("split percentage must be between 0 and 100, got %d", newSplit)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Experiment{}).
			Where("test_id = ? AND status = ?", testID, StatusRunning).
			Update("split_percentage", newSplit)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Nothing matched: either the experiment does not exist
			// or it is no longer running.
			exp, err := getExperiment(tx, testID)
			if err != nil {
				return err
			}
			return Statef("experiment %s is %s; split can only change while running", testID, exp.Status)
		}
		return nil
	})
}

// AppendResult adds one outcome to the ledger. Results against a
// finished experiment are rejected rather than silently dropped, so
// the ledger stays meaningful. The reported version must be one of
// the experiment's two versions.
func (s *ExperimentStore) AppendResult(res *ExperimentResult) error {
	if res.DurationSeconds < 0 {
		return Validationf("duration must be non-negative, got %f", res.DurationSeconds)
	}
	if res.Cost != nil && *res.Cost < 0 {
		return Validationf("cost must be non-negative, got %f", *res.Cost)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		// The guard read locks the experiment row, so a terminal
		// transition cannot commit between the status check and the
		// insert. SQLite has no row locks; its single writer already
		// serializes this.
		exp, err := getExperimentLocked(tx, res.TestID)
		if err != nil {
			return err
		}
		if exp.Status != StatusRunning {
			return Statef("experiment %s is %s; late results are rejected", res.TestID, exp.Status)
		}
		if res.Version != exp.VersionA && res.Version != exp.VersionB {
			return Validationf("version %d is not part of experiment %s (versions %d and %d)",
				res.Version, res.TestID, exp.VersionA, exp.VersionB)
		}
		if res.Timestamp.IsZero() {
			res.Timestamp = time.Now().UTC()
		}
		return tx.Create(res).Error
	})
}

// Get loads one experiment by ID.
func (s *ExperimentStore) Get(testID string) (*Experiment, error) {
	return getExperiment(s.db, testID)
}

// GetActiveExperiment returns the running experiment for promptName,
// or nil when there is none.
func (s *ExperimentStore) GetActiveExperiment(promptName string) (*Experiment, error) {
	var exp Experiment
	err := s.db.Where("prompt_name = ? AND status = ?", promptName, StatusRunning).
		First(&exp).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// List returns experiments newest-first, optionally filtered by status.
func (s *ExperimentStore) List(status string) ([]Experiment, error) {
	q := s.db.Order("started_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var exps []Experiment
	if err := q.Find(&exps).Error; err != nil {
		return nil, err
	}
	return exps, nil
}

// Aggregate folds the result ledger for testID into per-version
// totals, grouped by version. No incremental counters exist anywhere;
// this is always recomputed from the rows.
func (s *ExperimentStore) Aggregate(testID string) (map[int]VersionAggregate, error) {
	if _, err := getExperiment(s.db, testID); err != nil {
		return nil, err
	}

	var aggs []VersionAggregate
	err := s.db.Model(&ExperimentResult{}).
		Select(`version,
			COUNT(*) AS requests,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) AS success_count,
			SUM(duration_seconds) AS total_duration,
			COALESCE(SUM(cost), 0) AS total_cost`).
		Where("test_id = ?", testID).
		Group("version").
		Scan(&aggs).Error
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int]VersionAggregate, len(aggs))
	for _, a := range aggs {
		byVersion[a.Version] = a
	}
	return byVersion, nil
}

// SetStatus performs the terminal transition for an experiment.
// Running is the only state it can leave; calling it on an already
// terminal experiment fails. The UPDATE filters on the running status
// itself, so of two racing terminal transitions exactly one matches
// the row and the loser gets a state error instead of overwriting.
func (s *ExperimentStore) SetStatus(testID, status string, endedAt time.Time, winnerVersion *int) error {
	if status != StatusCompleted && status != StatusCancelled {
		return Validationf("status %q is not a terminal state", status)
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Experiment{}).
			Where("test_id = ? AND status = ?", testID, StatusRunning).
			Updates(map[string]interface{}{
				"status":         status,
				"ended_at":       endedAt,
				"winner_version": winnerVersion,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			exp, err := getExperiment(tx, testID)
			if err != nil {
				return err
			}
			return Statef("experiment %s is already %s", testID, exp.Status)
		}
		return nil
	})
}

func getExperimentLocked(tx *gorm.DB, testID string) (*Experiment, error) {
	return getExperiment(tx.Clauses(clause.Locking{Strength: "UPDATE"}), testID)
}

func getExperiment(tx *gorm.DB, testID string) (*Experiment, error) {
	var exp Experiment
	err := tx.Where("test_id = ?", testID).First(&exp).Error
	if err == gorm.ErrRecordNotFound {
		return nil, NotFoundf("experiment %s not found", testID)
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}
