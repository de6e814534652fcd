package db

import (
	"time"

	"gorm.io/datatypes"
)

// PromptVersion is one immutable revision of a named prompt template.
// Versions are assigned by the store, strictly increasing per name,
// and are never mutated or deleted; deployment state lives entirely
// in PromptPointer.
type PromptVersion struct {
	ID uint `gorm:"primaryKey"`

	CreatedAt time.Time

	Name    string `gorm:"uniqueIndex:idx_prompt_name_version,priority:1;size:128;not null"`
	Version int    `gorm:"uniqueIndex:idx_prompt_name_version,priority:2;not null"`

	// Template is the opaque text payload. Placeholders use {name}
	// syntax and are matched against Variables on creation.
	Template string `gorm:"not null"`

	// Variables lists the placeholder names declared for caller-side
	// validation, in declaration order.
	Variables datatypes.JSONSlice[string] `gorm:"type:json"`

	CreatedBy string `gorm:"size:128"`
}

// PromptPointer holds the single active-version pointer per prompt
// name, plus the previously active version for one-level rollback.
// A pointer row never exists without at least one PromptVersion row
// for the same name.
type PromptPointer struct {
	ID uint `gorm:"primaryKey"`

	UpdatedAt time.Time

	Name          string `gorm:"uniqueIndex;size:128;not null"`
	ActiveVersion int    `gorm:"not null"`

	// PreviousVersion is nil until a second activation happens.
	PreviousVersion *int
}

// Experiment lifecycle states. Running is the only non-terminal state.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Experiment is one A/B test comparing exactly two versions of a
// prompt. At most one running experiment may exist per prompt name;
// the partial unique index created in Migrate backs that invariant.
type Experiment struct {
	TestID string `gorm:"primaryKey;size:64"`

	PromptName string `gorm:"index;size:128;not null"`

	VersionA int `gorm:"not null"`
	VersionB int `gorm:"not null"`

	// SplitPercentage is the probability (0-100) that a routed
	// request receives VersionA.
	SplitPercentage int `gorm:"not null"`

	// MinSamples is advisory only; analysis never refuses to run
	// below it.
	MinSamples int `gorm:"not null;default:100"`

	Status    string    `gorm:"size:16;index;not null"`
	StartedAt time.Time `gorm:"not null"`
	EndedAt   *time.Time

	// WinnerVersion is set only when the experiment completed with a
	// recommended winner.
	WinnerVersion *int

	Description string
}

// ExperimentResult is one reported outcome. Rows are append-only:
// never updated, never deleted, so aggregates stay replayable.
type ExperimentResult struct {
	ID uint `gorm:"primaryKey"`

	TestID  string `gorm:"index:idx_result_test_version,priority:1;size:64;not null"`
	Version int    `gorm:"index:idx_result_test_version,priority:2;not null"`

	// CorrelationID is forwarded opaque from the reporter and only
	// used for out-of-band joins with external trace data.
	CorrelationID string `gorm:"size:128"`

	Success         bool    `gorm:"not null"`
	DurationSeconds float64 `gorm:"not null"`

	// Cost in dollars; nil when the reporter did not supply one.
	Cost *float64

	Timestamp time.Time `gorm:"index;not null"`
}

// ResultBucket stores pre-aggregated hourly result metrics per
// (test, version) for dashboards. Filled by the rollup worker and
// recomputed in full from ExperimentResult rows each pass; the
// decision logic never reads these.
type ResultBucket struct {
	ID uint `gorm:"primaryKey"`

	TestID      string    `gorm:"uniqueIndex:idx_result_bucket_unique,priority:1;size:64;not null"`
	Version     int       `gorm:"uniqueIndex:idx_result_bucket_unique,priority:2;not null"`
	BucketStart time.Time `gorm:"uniqueIndex:idx_result_bucket_unique,priority:3;not null"` // start of the hour (UTC)

	TotalCount   int64 `gorm:"not null"`
	SuccessCount int64 `gorm:"not null"`

	DurationP50 float64 `gorm:"not null"` // 50th percentile duration seconds
	DurationP95 float64 `gorm:"not null"` // 95th percentile duration seconds
	DurationP99 float64 `gorm:"not null"` // 99th percentile duration seconds
}
