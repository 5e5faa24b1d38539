package types

import (
	"time"

	"github.com/google/uuid"
)

// CrashMessage describes one triaged crash or timeout, handed to the crash sinks.
type CrashMessage struct {
	RunId     string       `json:"run_id"`
	Target    string       `json:"target"`
	Iteration int          `json:"iteration"`
	Signature string       `json:"signature"`
	Repeated  bool         `json:"repeated"`
	Timeout   bool         `json:"timeout"`
	Mutation  MutationKind `json:"mutation"`
	CrashFile string       `json:"crash_file"` // archived location on the local filesystem
	FoundAt   time.Time    `json:"found_at"`
}

// RunInfo identifies one fuzzing run.
type RunInfo struct {
	Id        string
	SeedPath  string
	Target    string
	StartedAt time.Time
}

func NewRunInfo(seedPath, target string) *RunInfo {
	return &RunInfo{
		Id:        uuid.New().String(),
		SeedPath:  seedPath,
		Target:    target,
		StartedAt: time.Now(),
	}
}
