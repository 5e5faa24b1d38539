package executor

import (
	"context"
	"covfuzz/internal/coverage"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const DefaultTraceTimeout = 60 * time.Second

// Tracer runs the target under DynamoRIO's drcov client and hands back the
// produced coverage log.
type Tracer struct {
	Path    string // drrun
	LogDir  string
	Timeout time.Duration

	logger *zap.Logger
}

func NewTracer(path, logDir string, timeout time.Duration, logger *zap.Logger) *Tracer {
	if timeout <= 0 {
		timeout = DefaultTraceTimeout
	}
	return &Tracer{
		Path:    path,
		LogDir:  logDir,
		Timeout: timeout,
		logger:  logger.Named("tracer"),
	}
}

// Trace purges the log directory, runs binary on input under the tracer and
// returns the newest log left in the directory.
//
// The target crashing under the tracer is not an error; failing to launch the
// tracer or finding no log afterwards is.
func (t *Tracer) Trace(ctx context.Context, binary, input string) (string, error) {
	if err := coverage.PurgeLogs(t.LogDir); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.Timeout)
	defer cancel()

	cmd := Command(runCtx, t.Path, t.args(binary, input)...)
	err := cmd.Run()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		t.logger.Warn("tracer timed out", zap.Duration("timeout", t.Timeout))
	case errors.As(err, &exitErr):
		t.logger.Debug("traced target exited abnormally", zap.Int("code", exitCode(exitErr.ProcessState)))
	default:
		return "", fmt.Errorf("failed to run tracer: %w", err)
	}

	return coverage.LatestLog(t.LogDir)
}

func (t *Tracer) args(binary, input string) []string {
	return []string{"-t", "drcov", "-logdir", t.LogDir, "--", binary, input}
}
