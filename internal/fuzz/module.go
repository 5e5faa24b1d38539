package fuzz

import (
	"context"
	"covfuzz/config"
	"covfuzz/internal/corpus"
	"covfuzz/internal/crash"
	"covfuzz/internal/executor"
	"covfuzz/internal/report"
	"covfuzz/internal/types"
	"covfuzz/pkg/telemetry"
	"covfuzz/pkg/watchdog"
	"fmt"
	"math/rand"
	"os/exec"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func NewRunInfo(appConfig *config.AppConfig) *types.RunInfo {
	return types.NewRunInfo(appConfig.SeedPath, appConfig.TargetBinary)
}

type LoopParams struct {
	fx.In
	Lc              fx.Lifecycle
	Shutdowner      fx.Shutdowner
	AppConfig       *config.AppConfig
	Logger          *zap.Logger
	Run             *types.RunInfo
	Stats           *types.RunStats
	CrashManager    *crash.CrashManager
	Reporter        *report.Reporter
	TracerFactory   *telemetry.TracerFactory
	WatchDogFactory *watchdog.WatchDogFactory
	DB              *gorm.DB `optional:"true"`
}

// NewLoop assembles the fuzzing loop from the configuration and runs it in
// the background once the application starts. The application shuts down
// when the loop returns; stopping the application interrupts the loop after
// its current iteration.
func NewLoop(p LoopParams) (*Loop, error) {
	cfg := p.AppConfig

	if _, err := exec.LookPath(cfg.TargetBinary); err != nil {
		return nil, fmt.Errorf("target binary is not executable: %w", err)
	}
	seeds, err := corpus.LoadSeeds(cfg.SeedPath, p.Logger)
	if err != nil {
		return nil, err
	}

	randSeed := cfg.RandSeed
	if randSeed == 0 {
		randSeed = time.Now().UnixNano()
	}
	p.Logger.Info("random source seeded", zap.Int64("rand_seed", randSeed))

	scheduler := corpus.NewScheduler(
		rand.New(rand.NewSource(randSeed)),
		p.Logger.Named("scheduler"),
		seeds,
		cfg.SchedulerConfig.PoolSize,
		cfg.SchedulerConfig.Multiplier,
	)
	tracer := executor.NewTracer(cfg.TracerPath, cfg.TracerLogDir, cfg.TraceTimeout, p.Logger)
	target := executor.NewTarget(cfg.TargetBinary, cfg.ExecTimeout, executor.ExitCodePredicate(cfg.CrashExitCodes), p.Logger)

	loop := New(
		Options{
			SeedPath:             cfg.SeedPath,
			TargetBinary:         cfg.TargetBinary,
			TargetModule:         cfg.TargetModule,
			CandidatePath:        cfg.CandidatePath,
			Iterations:           cfg.Iterations,
			ProgressEvery:        cfg.ProgressEvery,
			MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		},
		p.Run,
		scheduler,
		tracer,
		target,
		p.CrashManager,
		p.Reporter,
		p.Stats,
		p.Logger,
	).WithPersistence(p.DB).WithTelemetry(p.TracerFactory)

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.SeedInbox != "" {
				inbox, err := corpus.StartSeedInbox(loopCtx, p.WatchDogFactory, cfg.SeedInbox, p.Logger.Named("inbox"))
				if err != nil {
					cancel()
					return fmt.Errorf("failed to start seed inbox: %w", err)
				}
				scheduler.AttachInbox(inbox)
			}

			go func() {
				defer close(done)
				if err := loop.Run(loopCtx); err != nil {
					p.Logger.Error("fuzzing aborted", zap.Error(err))
					p.Shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				p.Shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				// the report closes after this hook, so the summary has to land now
				p.Reporter.Finished(p.Stats.Snapshot())
				return fmt.Errorf("fuzzing loop did not stop in time: %w", ctx.Err())
			}
		},
	})

	return loop, nil
}

var Module = fx.Options(
	fx.Provide(
		NewRunInfo,
		types.NewRunStats,
		NewLoop,
	),
	fx.Invoke(func(*Loop) {}),
)
