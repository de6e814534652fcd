// Package experiment orchestrates the A/B test lifecycle on top of the
// experiment store, the prompt store, and the version cache: start,
// route, record, summarize, complete or cancel.
package experiment

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptlab/internal/cache"
	"promptlab/internal/db"
)

// Controller carries the experiment state machine. An experiment only
// ever moves Running -> Completed or Running -> Cancelled; both are
// terminal. All methods are safe for concurrent use, including for the
// same prompt name or test ID.
type Controller struct {
	prompts *db.PromptStore
	exps    *db.ExperimentStore
	cache   *cache.VersionCache

	// draw returns a uniform integer in [1,100]; replaceable so
	// routing tests can use a seeded source.
	draw func() int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewController(prompts *db.PromptStore, exps *db.ExperimentStore, vc *cache.VersionCache) *Controller {
	return &Controller{
		prompts: prompts,
		exps:    exps,
		cache:   vc,
		draw:    func() int { return rand.Intn(100) + 1 },
		locks:   make(map[string]*sync.Mutex),
	}
}

// nameLock returns the mutex serializing experiment starts for one
// prompt name. The store's transactional uniqueness check (and the
// partial unique index behind it) guards the invariant across
// processes; this lock keeps the common single-process path free of
// constraint-violation noise.
func (c *Controller) nameLock(name string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[name]
	if !ok {
		l = &sync.Mutex{}
		c.locks[name] = l
	}
	return l
}

// StartTest begins a new experiment for promptName comparing versionA
// and versionB. splitPercentage is the share of traffic routed to
// versionA. Exactly one running experiment may exist per prompt name:
// concurrent starts for the same name cannot both succeed.
func (c *Controller) StartTest(promptName string, versionA, versionB, splitPercentage, minSamples int, description string) (string, error) {
	if versionA == versionB {
		return "", db.Validationf("experiment needs two distinct versions, got %d twice", versionA)
	}
	if splitPercentage < 0 || splitPercentage > 100 {
		return "", db.Validationf("split percentage must be between 0 and 100, got %d", splitPercentage)
	}
	for _, v := range []int{versionA, versionB} {
		exists, err := c.prompts.VersionExists(promptName, v)
		if err != nil {
			return "", err
		}
		if !exists {
			return "", db.NotFoundf("prompt %q has no version %d", promptName, v)
		}
	}
	if minSamples <= 0 {
		minSamples = 100
	}

	lock := c.nameLock(promptName)
	lock.Lock()
	defer lock.Unlock()

	exp := &db.Experiment{
		TestID:          "test-" + uuid.NewString(),
		PromptName:      promptName,
		VersionA:        versionA,
		VersionB:        versionB,
		SplitPercentage: splitPercentage,
		MinSamples:      minSamples,
		Description:     description,
	}
	if err := c.exps.Create(exp); err != nil {
		return "", err
	}
	return exp.TestID, nil
}

// RouteRequest decides which version a caller should use right now.
// ok is false when no experiment is running, in which case the caller
// falls back to the cached active version. The draw is independent per
// call and deliberately not sticky: repeated calls for the same logical
// user may land on different versions.
func (c *Controller) RouteRequest(promptName string) (version int, ok bool, err error) {
	exp, err := c.exps.GetActiveExperiment(promptName)
	if err != nil {
		return 0, false, err
	}
	if exp == nil {
		return 0, false, nil
	}

	if c.draw() <= exp.SplitPercentage {
		return exp.VersionA, true, nil
	}
	return exp.VersionB, true, nil
}

// RecordResult appends one outcome to the active experiment for
// promptName. When no experiment is active the result is dropped
// silently: routing may have returned the fallback before the
// experiment ended, so a late report is expected, not an error. A
// version that belongs to neither arm is rejected.
func (c *Controller) RecordResult(promptName string, version int, correlationID string, success bool, durationSeconds float64, cost *float64) error {
	exp, err := c.exps.GetActiveExperiment(promptName)
	if err != nil {
		return err
	}
	if exp == nil {
		return nil
	}

	return c.exps.AppendResult(&db.ExperimentResult{
		TestID:          exp.TestID,
		Version:         version,
		CorrelationID:   correlationID,
		Success:         success,
		DurationSeconds: durationSeconds,
		Cost:            cost,
		Timestamp:       time.Now().UTC(),
	})
}

// GetStatistics aggregates the result ledger and applies the scoring
// heuristic. Both the raw per-version numbers and the conclusion are
// returned so operators can see the inputs behind the recommendation.
func (c *Controller) GetStatistics(testID string) (*Statistics, error) {
	stats, _, err := c.statistics(testID)
	return stats, err
}

func (c *Controller) statistics(testID string) (*Statistics, *db.Experiment, error) {
	exp, err := c.exps.Get(testID)
	if err != nil {
		return nil, nil, err
	}
	aggs, err := c.exps.Aggregate(testID)
	if err != nil {
		return nil, nil, err
	}
	return computeStatistics(exp, aggs), exp, nil
}

// UpdateSplit changes the traffic split of a running experiment.
func (c *Controller) UpdateSplit(testID string, newSplit int) error {
	return c.exps.UpdateSplit(testID, newSplit)
}

// CompleteTest ends an experiment. The winner version is recorded only
// when the statistics recommended one. With promoteWinner set and a
// winner present, the winner becomes the active version and the cache
// entry for the prompt is invalidated before the call returns.
//
// Promotion runs before the terminal write: if activating the winner
// fails, the experiment stays running and the whole call can simply be
// retried. The store's conditional transition still arbitrates racing
// terminations.
func (c *Controller) CompleteTest(testID string, promoteWinner bool) (*int, error) {
	stats, exp, err := c.statistics(testID)
	if err != nil {
		return nil, err
	}
	if exp.Status != db.StatusRunning {
		return nil, db.Statef("experiment %s is already %s", testID, exp.Status)
	}

	winner := stats.Winner
	if promoteWinner && winner != nil {
		if err := c.prompts.ActivateVersion(exp.PromptName, *winner); err != nil {
			return nil, err
		}
		c.cache.Invalidate(exp.PromptName)
	}

	if err := c.exps.SetStatus(testID, db.StatusCompleted, time.Now().UTC(), winner); err != nil {
		return nil, err
	}

	return winner, nil
}

// CancelTest terminates an experiment with no winner and no promotion,
// regardless of accumulated statistics.
func (c *Controller) CancelTest(testID string) error {
	return c.exps.SetStatus(testID, db.StatusCancelled, time.Now().UTC(), nil)
}

// ListTests returns experiments newest-first, optionally filtered by
// status.
func (c *Controller) ListTests(status string) ([]db.Experiment, error) {
	return c.exps.List(status)
}
