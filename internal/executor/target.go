package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"slices"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultExecTimeout = 2 * time.Second
	maxStderr          = 64 << 10
)

// Outcome classifies a direct run of the target.
type Outcome int

const (
	Survived Outcome = iota
	Crashed
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Survived:
		return "survived"
	case Crashed:
		return "crashed"
	case TimedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

type Result struct {
	Outcome  Outcome
	ExitCode int
	Stderr   []byte
	Duration time.Duration
}

// DefaultCrashExitCodes covers both the shell (128+11) and the signal (-11)
// conventions for a segmentation fault.
var DefaultCrashExitCodes = []int{139, -11}

// ExitCodePredicate returns a crash predicate matching any of codes.
func ExitCodePredicate(codes []int) func(int) bool {
	codes = slices.Clone(codes)
	return func(code int) bool {
		return slices.Contains(codes, code)
	}
}

// Target runs the binary under test directly against one input file.
type Target struct {
	Binary  string
	Timeout time.Duration
	IsCrash func(code int) bool

	logger *zap.Logger
}

func NewTarget(binary string, timeout time.Duration, isCrash func(int) bool, logger *zap.Logger) *Target {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	if isCrash == nil {
		isCrash = ExitCodePredicate(DefaultCrashExitCodes)
	}
	return &Target{
		Binary:  binary,
		Timeout: timeout,
		IsCrash: isCrash,
		logger:  logger.Named("target"),
	}
}

// Run executes the target with input as its only argument. The run is
// detached from ctx cancellation and bounded by the target timeout only; a
// process still alive at the deadline is killed before Run returns.
//
// An error is returned only if the target could not be executed at all.
func (t *Target) Run(ctx context.Context, input string) (Result, error) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.Timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := Command(runCtx, t.Binary, input)
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: maxStderr}

	start := time.Now()
	err := cmd.Run()
	result := Result{Duration: time.Since(start), Stderr: stderr.Bytes()}

	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.Outcome = TimedOut
		result.ExitCode = -1
		t.logger.Debug("target timed out", zap.Duration("timeout", t.Timeout))
		return result, nil
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitCode(exitErr.ProcessState)
	default:
		return Result{}, fmt.Errorf("failed to run target: %w", err)
	}

	if t.IsCrash(result.ExitCode) {
		result.Outcome = Crashed
	}
	return result, nil
}

// limitedWriter keeps the first limit bytes and silently drops the rest.
type limitedWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		w.buf.Write(p[:min(room, len(p))])
	}
	return len(p), nil
}
