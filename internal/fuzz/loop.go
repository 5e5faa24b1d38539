package fuzz

import (
	"context"
	"covfuzz/internal/corpus"
	"covfuzz/internal/coverage"
	"covfuzz/internal/crash"
	"covfuzz/internal/executor"
	"covfuzz/internal/types"
	"covfuzz/internal/utils"
	"covfuzz/pkg/database"
	"covfuzz/pkg/telemetry"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CoverageTracer runs the target under the coverage tracer and returns the log it produced.
type CoverageTracer interface {
	Trace(ctx context.Context, binary, input string) (string, error)
}

// TargetRunner runs the target directly against one input.
type TargetRunner interface {
	Run(ctx context.Context, input string) (executor.Result, error)
}

// Triage archives and classifies crashing and hanging inputs.
type Triage interface {
	WriteCrash(data []byte, iteration int, kind types.MutationKind) (string, error)
	Classify(ctx context.Context, crashPath string, iteration int, kind types.MutationKind) crash.Verdict
	RecordTimeout(data []byte, iteration int, kind types.MutationKind) (string, error)
}

// Reporter renders the run report.
type Reporter interface {
	Started(seedPath string)
	UniqueCrash(iteration int, signature string)
	Timeout(iteration int)
	Progress(iteration, total, coverage int)
	Finished(stats types.StatsSnapshot)
}

type Options struct {
	SeedPath      string
	TargetBinary  string
	TargetModule  string // coverage is restricted to this module
	CandidatePath string

	Iterations           int
	ProgressEvery        int
	MaxConsecutiveErrors int
}

// Loop is the fuzzing state machine. One iteration breeds or pops a sample,
// writes it to the candidate file, traces it for coverage, runs it directly
// and routes the outcome to triage or back into the corpus.
type Loop struct {
	opts      Options
	run       *types.RunInfo
	scheduler *corpus.Scheduler
	tracer    CoverageTracer
	target    TargetRunner
	triage    Triage
	reporter  Reporter
	stats     *types.RunStats

	tracerFactory *telemetry.TracerFactory
	db            *gorm.DB
	logger        *zap.Logger

	iterations int
}

func New(
	opts Options,
	run *types.RunInfo,
	scheduler *corpus.Scheduler,
	tracer CoverageTracer,
	target TargetRunner,
	triage Triage,
	reporter Reporter,
	stats *types.RunStats,
	logger *zap.Logger,
) *Loop {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 100
	}
	if opts.MaxConsecutiveErrors <= 0 {
		opts.MaxConsecutiveErrors = 100
	}
	return &Loop{
		opts:      opts,
		run:       run,
		scheduler: scheduler,
		tracer:    tracer,
		target:    target,
		triage:    triage,
		reporter:  reporter,
		stats:     stats,
		logger:    logger.Named("loop"),
	}
}

// WithPersistence records the finished run in db. A nil db disables it.
func (l *Loop) WithPersistence(db *gorm.DB) *Loop {
	l.db = db
	return l
}

// WithTelemetry traces the run through factory.
func (l *Loop) WithTelemetry(factory *telemetry.TracerFactory) *Loop {
	l.tracerFactory = factory
	return l
}

// Iterations returns the number of samples executed so far.
func (l *Loop) Iterations() int { return l.iterations }

// Run fuzzes until the configured number of iterations has been executed or
// ctx is cancelled. Cancellation is checked between iterations only, so the
// iteration in flight always completes. The report summary is written
// however the run ends.
//
// Errors are returned only for conditions that keep the loop from making
// progress at all.
func (l *Loop) Run(ctx context.Context) (err error) {
	tracer := l.tracerFactory.NewTracer(ctx, "covfuzz run").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.Fuzzing).
			WithTargetBinary(l.opts.TargetBinary).
			WithSeedPath(l.opts.SeedPath).
			WithExtraAttribute("fuzz.run.id", l.run.Id),
	)
	tracer.Start()
	ctx = context.WithValue(ctx, telemetry.TracerKey{}, tracer)

	l.reporter.Started(l.opts.SeedPath)
	l.logger.Info("fuzzing started",
		zap.String("run_id", l.run.Id),
		zap.String("seed_path", l.opts.SeedPath),
		zap.String("target", l.opts.TargetBinary),
		zap.Int("iterations", l.opts.Iterations))

	defer func() {
		snapshot := l.stats.Snapshot()
		l.reporter.Finished(snapshot)
		l.persist(snapshot)

		tracer.WithAttributes(telemetry.EmptySpanAttributes().
			WithIterations(l.iterations).
			WithCoverageSize(l.scheduler.GlobalSize()).
			WithCorpusSize(l.scheduler.CorpusSize()).
			WithExtraAttribute("fuzz.crashes.total", snapshot.TotalCrashes).
			WithExtraAttribute("fuzz.crashes.unique", snapshot.Unique).
			WithExtraAttribute("fuzz.timeouts", snapshot.Timeouts))
		if err != nil {
			tracer.SetStatus(codes.Error, err.Error())
		}
		tracer.End()

		l.logger.Info("fuzzing finished",
			zap.Int("iterations", l.iterations),
			zap.Int("coverage", l.scheduler.GlobalSize()),
			zap.Int("crashes", snapshot.TotalCrashes),
			zap.Int("unique_crashes", snapshot.Unique),
			zap.Int("timeouts", snapshot.Timeouts))
	}()

	failures := 0
	for l.iterations < l.opts.Iterations {
		if ctx.Err() != nil {
			l.logger.Info("fuzzing interrupted", zap.Int("iteration", l.iterations))
			return nil
		}
		if failures >= l.opts.MaxConsecutiveErrors {
			return fmt.Errorf("giving up after %d consecutive failed iterations", failures)
		}

		sample, ok := l.nextSample(ctx)
		if !ok {
			return errors.New("no seeds to breed samples from")
		}

		if err := utils.WriteFile(l.opts.CandidatePath, sample.Data); err != nil {
			return fmt.Errorf("failed to write candidate: %w", err)
		}

		if err := l.step(ctx, sample); err != nil {
			failures++
			l.logger.Error("iteration failed",
				zap.Int("iteration", l.iterations),
				zap.Int("consecutive_failures", failures),
				zap.Error(err))
			continue
		}
		failures = 0
		l.iterations++

		if l.iterations%l.opts.ProgressEvery == 0 {
			l.progress()
		}
	}
	return nil
}

// step executes one written sample. An error means the sample could not be
// executed and the iteration does not count.
func (l *Loop) step(ctx context.Context, sample corpus.Sample) error {
	cov, err := l.collectCoverage(ctx)
	if err != nil {
		return err
	}
	newBlocks := l.scheduler.Observe(cov)
	l.logger.Debug("coverage collected",
		zap.Int("iteration", l.iterations),
		zap.Stringer("mutation", sample.Kind),
		zap.Int("blocks", cov.Len()),
		zap.Int("new_blocks", newBlocks),
		zap.Int("global_coverage", l.scheduler.GlobalSize()))

	result, err := l.target.Run(ctx, l.opts.CandidatePath)
	if err != nil {
		return err
	}

	switch result.Outcome {
	case executor.Crashed:
		return l.handleCrash(ctx, sample, result)
	case executor.TimedOut:
		return l.handleTimeout(sample)
	default:
		l.scheduler.Retain(sample.Data, cov)
		return nil
	}
}

func (l *Loop) collectCoverage(ctx context.Context) (coverage.Set, error) {
	logPath, err := l.tracer.Trace(ctx, l.opts.TargetBinary, l.opts.CandidatePath)
	if errors.Is(err, coverage.ErrNoLog) {
		l.logger.Warn("tracer produced no coverage log", zap.Int("iteration", l.iterations))
		return coverage.NewSet(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to trace candidate: %w", err)
	}

	cov, err := coverage.Extract(logPath, l.opts.TargetModule)
	if err != nil {
		l.logger.Warn("failed to read coverage log", zap.String("path", logPath), zap.Error(err))
		return coverage.NewSet(), nil
	}
	return cov, nil
}

func (l *Loop) handleCrash(ctx context.Context, sample corpus.Sample, result executor.Result) error {
	path, err := l.triage.WriteCrash(sample.Data, l.iterations, sample.Kind)
	if err != nil {
		return err
	}

	verdict := l.triage.Classify(ctx, path, l.iterations, sample.Kind)
	if verdict.Repeated {
		l.logger.Debug("repeated crash",
			zap.Int("iteration", l.iterations),
			zap.String("signature", verdict.Signature))
		return nil
	}

	l.logger.Info("unique crash",
		zap.Int("iteration", l.iterations),
		zap.Int("exit_code", result.ExitCode),
		zap.Stringer("mutation", sample.Kind),
		zap.String("signature", verdict.Signature),
		zap.String("path", verdict.Path))
	l.reporter.UniqueCrash(l.iterations, verdict.Signature)
	return nil
}

func (l *Loop) handleTimeout(sample corpus.Sample) error {
	path, err := l.triage.RecordTimeout(sample.Data, l.iterations, sample.Kind)
	if err != nil {
		return err
	}
	l.logger.Warn("target timed out",
		zap.Int("iteration", l.iterations),
		zap.Stringer("mutation", sample.Kind),
		zap.String("path", path))
	l.reporter.Timeout(l.iterations)
	return nil
}

// nextSample pops the next queued sample. A refill of the queue gets its own
// span since it runs a whole fit and breed round.
func (l *Loop) nextSample(ctx context.Context) (corpus.Sample, bool) {
	if l.scheduler.QueueSize() > 0 {
		return l.scheduler.Next()
	}

	span := telemetry.FromContext(ctx).Spawn("breed samples").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.InputGeneration).
			WithCorpusSize(l.scheduler.CorpusSize()).
			WithCoverageSize(l.scheduler.GlobalSize()))
	span.Start()
	defer span.End()

	sample, ok := l.scheduler.Next()
	span.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("fuzz.queue.size", l.scheduler.QueueSize()))
	return sample, ok
}

func (l *Loop) progress() {
	l.logger.Info("fuzzing progress",
		zap.Int("iteration", l.iterations),
		zap.Int("total", l.opts.Iterations),
		zap.Int("coverage", l.scheduler.GlobalSize()),
		zap.Int("corpus", l.scheduler.CorpusSize()),
		zap.Int("queue", l.scheduler.QueueSize()),
		zap.Int("core_seeds", l.scheduler.CoreSize()))
	l.reporter.Progress(l.iterations, l.opts.Iterations, l.scheduler.GlobalSize())
}

func (l *Loop) persist(snapshot types.StatsSnapshot) {
	if l.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stats := database.Metric{
		"total_crashes":   snapshot.TotalCrashes,
		"total_unique":    snapshot.Unique,
		"total_repeated":  snapshot.Repeated,
		"total_timeout":   snapshot.Timeouts,
		"by_mutation":     snapshot.KindCounts(),
		"crash_functions": snapshot.Signatures,
	}
	run := database.NewRun(l.run.Id, l.opts.SeedPath, l.opts.TargetBinary, l.iterations, l.scheduler.GlobalSize(), stats)
	run.CreatedAt = l.run.StartedAt
	if err := database.SaveRun(ctx, l.db, run); err != nil {
		l.logger.Error("failed to save run", zap.Error(err))
	}
}
