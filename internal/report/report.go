package report

import (
	"context"
	"covfuzz/config"
	"covfuzz/internal/types"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FileName   = "report.txt"
	timeLayout = "2006-01-02 15:04:05"
)

// Reporter writes the human readable run report: one timestamped line per
// event, closed by a summary of the run statistics.
// Lines written after Close are dropped, and the summary is written at most
// once.
type Reporter struct {
	file   *os.File
	logger *zap.Logger

	mu       sync.Mutex
	closed   bool
	finished bool
}

func NewReporter(appConfig *config.AppConfig, lc fx.Lifecycle) (*Reporter, error) {
	r, err := Open(filepath.Join(appConfig.OutputDir, FileName))
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return r.Close()
		},
	})
	return r, nil
}

// Open starts a fresh report at path, discarding any previous one.
func Open(path string) (*Reporter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create report folder: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to remove previous report: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open report: %w", err)
	}

	encoder := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:          "time",
		MessageKey:       "message",
		EncodeTime:       zapcore.TimeEncoderOfLayout(timeLayout),
		ConsoleSeparator: " - ",
		LineEnding:       zapcore.DefaultLineEnding,
	})
	core := zapcore.NewCore(encoder, zapcore.AddSync(file), zapcore.InfoLevel)
	return &Reporter{file: file, logger: zap.New(core)}, nil
}

func (r *Reporter) Event(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked(message)
}

func (r *Reporter) writeLocked(messages ...string) {
	if r.closed {
		return
	}
	for _, message := range messages {
		r.logger.Info(message)
	}
}

func (r *Reporter) Started(seedPath string) {
	r.Event("Fuzzing started.")
	r.Event("Input seed: " + seedPath)
}

func (r *Reporter) UniqueCrash(iteration int, signature string) {
	r.Event(fmt.Sprintf("Crash at iteration %d - %s", iteration, signature))
}

func (r *Reporter) Timeout(iteration int) {
	r.Event(fmt.Sprintf("Timeout at iteration %d", iteration))
}

func (r *Reporter) Progress(iteration, total, coverage int) {
	r.Event(fmt.Sprintf("Iteration %d of %d, %d blocks covered", iteration, total, coverage))
}

// Finished writes the closing summary. Later calls are ignored.
func (r *Reporter) Finished(stats types.StatsSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	r.finished = true

	lines := []string{
		"Fuzzing finished.",
		"Results:",
		fmt.Sprintf("Total crashes: %d", stats.TotalCrashes),
		fmt.Sprintf("Total unique crashes: %d", stats.Unique),
		fmt.Sprintf("Total repeated crashes: %d", stats.Repeated),
		fmt.Sprintf("Total timeouts: %d", stats.Timeouts),
	}
	for _, kind := range types.MutationKinds {
		lines = append(lines, fmt.Sprintf("Total crashes by %s: %d", kind, stats.ByKind[kind]))
	}
	lines = append(lines, "Crash functions found:")
	for _, signature := range stats.Signatures {
		lines = append(lines, "Function: - "+signature)
	}
	r.writeLocked(lines...)
}

func (r *Reporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.logger.Sync()
	return r.file.Close()
}
