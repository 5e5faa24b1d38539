package database

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// inserts multiple crash records into the database
func AddCrashes(ctx context.Context, db *gorm.DB, crashes []*Crash) error {
	if len(crashes) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(crashes).Error
}

// NewCrash creates a new Crash object with the provided parameters
func NewCrash(
	runID string,
	iteration int,
	signature string,
	repeated bool,
	timeout bool,
	mutation string,
	path string,
) *Crash {
	return &Crash{
		RunID:     runID,
		CreatedAt: time.Now(),
		Iteration: iteration,
		Signature: signature,
		Repeated:  repeated,
		Timeout:   timeout,
		Mutation:  mutation,
		Path:      path,
	}
}

// inserts or replaces a run record
func SaveRun(ctx context.Context, db *gorm.DB, run *Run) error {
	if run == nil {
		return nil
	}
	return db.WithContext(ctx).Save(run).Error
}

// NewRun creates a new Run object with the provided parameters
func NewRun(
	id string,
	seedPath string,
	target string,
	iterations int,
	coverage int,
	stats Metric,
) *Run {
	return &Run{
		ID:         id,
		CreatedAt:  time.Now(),
		FinishedAt: time.Now(),
		SeedPath:   seedPath,
		Target:     target,
		Iterations: iterations,
		Coverage:   coverage,
		Stats:      stats,
	}
}
