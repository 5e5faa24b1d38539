package crash

import (
	"context"
	"covfuzz/config"
	"covfuzz/internal/types"
	"covfuzz/internal/utils"
	"covfuzz/pkg/telemetry"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	UniqueDir   = "unique"
	RepeatedDir = "repeated"
	TimeoutDir  = "timeout"

	sinkTimeout = 10 * time.Second
)

// Verdict is the outcome of triaging one crash.
type Verdict struct {
	Signature string
	Repeated  bool
	Path      string // archived location
}

// CrashManager archives crashing and hanging inputs, deduplicates crashes by
// signature and forwards every triaged crash to the configured sinks.
//
// Archive and triage methods are called from the fuzzing loop only; sinks run
// on their own goroutine and never hold up the loop.
type CrashManager struct {
	debugger Debugger
	binary   string
	stats    *types.RunStats
	run      *types.RunInfo
	logger   *zap.Logger

	crashFolder string
	sinks       []Sink
	crashChan   chan types.CrashMessage
	done        chan struct{}

	mu     sync.Mutex // guards closed and sends on crashChan
	closed bool
}

type CrashManagerParams struct {
	fx.In
	Lc        fx.Lifecycle
	AppConfig *config.AppConfig
	Logger    *zap.Logger
	Debugger  Debugger
	Stats     *types.RunStats
	Run       *types.RunInfo
	Sinks     []Sink `group:"crash_sinks"`
}

func NewCrashManager(p CrashManagerParams) (*CrashManager, error) {
	crashFolder := p.AppConfig.OutputDir
	for _, dir := range []string{crashFolder, filepath.Join(crashFolder, UniqueDir), filepath.Join(crashFolder, RepeatedDir), filepath.Join(crashFolder, TimeoutDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create crash folder: %w", err)
		}
	}

	logger := p.Logger.Named("crash")
	var sinks []Sink
	for _, sink := range p.Sinks {
		sinkV := reflect.ValueOf(sink)
		if !sinkV.IsValid() || (sinkV.Kind() == reflect.Ptr && sinkV.IsNil()) {
			continue // skip disabled sink
		}
		sinks = append(sinks, sink)
		logger.Debug("crash sink registered", zap.String("sink", sink.Name()))
	}

	c := &CrashManager{
		debugger:    p.Debugger,
		binary:      p.AppConfig.TargetBinary,
		stats:       p.Stats,
		run:         p.Run,
		logger:      logger,
		crashFolder: crashFolder,
		sinks:       sinks,
		crashChan:   make(chan types.CrashMessage, 1024),
		done:        make(chan struct{}),
	}

	p.Lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager")
			go c.start()
			return nil
		},
		// the loop may still be triaging if its own stop hook timed out;
		// crashes dispatched after this point are only archived
		OnStop: func(ctx context.Context) error {
			c.logger.Debug("closing crash channel")
			c.mu.Lock()
			c.closed = true
			close(c.crashChan)
			c.mu.Unlock()
			select {
			case <-c.done:
			case <-ctx.Done():
				c.logger.Warn("crash sinks did not drain in time")
			}
			return nil
		},
	})

	return c, nil
}

func artifactName(iteration int, kind types.MutationKind) string {
	return "crash_" + strconv.Itoa(iteration) + "_option" + strconv.Itoa(int(kind)) + ".pdf"
}

// WriteCrash stores a crashing input at the root of the crash folder, where
// it waits to be triaged.
func (c *CrashManager) WriteCrash(data []byte, iteration int, kind types.MutationKind) (string, error) {
	path := filepath.Join(c.crashFolder, artifactName(iteration, kind))
	if err := utils.WriteFile(path, data); err != nil {
		return "", fmt.Errorf("failed to write crash file: %w", err)
	}
	return path, nil
}

// Classify triages the crash stored at crashPath, moves it to the unique or
// repeated archive and records it in the run statistics. It never fails:
// debugger errors become the ProcessingError signature.
func (c *CrashManager) Classify(ctx context.Context, crashPath string, iteration int, kind types.MutationKind) Verdict {
	signature := c.signature(ctx, crashPath, iteration)

	repeated := !c.stats.AddSignature(signature)
	archive := UniqueDir
	if repeated {
		archive = RepeatedDir
	}

	archived, err := utils.MoveFile(crashPath, filepath.Join(c.crashFolder, archive))
	if err != nil {
		c.logger.Error("failed to archive crash file", zap.String("path", crashPath), zap.Error(err))
		archived = crashPath
	}
	c.stats.RecordCrash(kind, repeated)

	if !repeated {
		telemetry.FromContext(ctx).AddEvent("unique crash", telemetry.NewEventAttributes(map[string]string{
			"fuzz.crash.signature": signature,
			"fuzz.crash.mutation":  kind.String(),
			"fuzz.crash.iteration": strconv.Itoa(iteration),
		}))
	}

	c.dispatch(types.CrashMessage{
		RunId:     c.run.Id,
		Target:    c.binary,
		Iteration: iteration,
		Signature: signature,
		Repeated:  repeated,
		Mutation:  kind,
		CrashFile: archived,
		FoundAt:   time.Now(),
	})

	return Verdict{Signature: signature, Repeated: repeated, Path: archived}
}

func (c *CrashManager) signature(ctx context.Context, crashPath string, iteration int) string {
	span := telemetry.FromContext(ctx).Spawn("crash triage").WithAttributes(
		telemetry.NewSpanAttributes(telemetry.DynamicAnalysis).
			WithExtraAttribute("fuzz.crash.iteration", iteration))
	span.Start()
	defer span.End()

	output, err := c.debugger.Backtrace(ctx, c.binary, crashPath)
	if err != nil {
		c.logger.Error("failed to get crash backtrace", zap.String("path", crashPath), zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return ProcessingError
	}
	signature := Signature(output)
	span.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("fuzz.crash.signature", signature))
	return signature
}

// RecordTimeout archives an input that hung the target and counts it.
func (c *CrashManager) RecordTimeout(data []byte, iteration int, kind types.MutationKind) (string, error) {
	c.stats.RecordTimeout()

	path := filepath.Join(c.crashFolder, TimeoutDir, artifactName(iteration, kind))
	if err := utils.WriteFile(path, data); err != nil {
		return "", fmt.Errorf("failed to write timeout file: %w", err)
	}

	c.dispatch(types.CrashMessage{
		RunId:     c.run.Id,
		Target:    c.binary,
		Iteration: iteration,
		Timeout:   true,
		Mutation:  kind,
		CrashFile: path,
		FoundAt:   time.Now(),
	})
	return path, nil
}

func (c *CrashManager) dispatch(msg types.CrashMessage) {
	if len(c.sinks) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.logger.Warn("crash sinks already stopped, not forwarding", zap.Int("iteration", msg.Iteration))
		return
	}
	select {
	case c.crashChan <- msg:
	default:
		c.logger.Warn("crash sinks are lagging, dropping message", zap.Int("iteration", msg.Iteration))
	}
}

func (c *CrashManager) start() {
	defer close(c.done)
	for msg := range c.crashChan {
		for _, sink := range c.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
			if err := sink.Handle(ctx, msg); err != nil {
				c.logger.Error("failed to forward crash", zap.String("sink", sink.Name()), zap.Error(err))
			}
			cancel()
		}
	}
}
