package crash

import (
	"context"
	"covfuzz/config"
	"covfuzz/internal/executor"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	NoSegfault      = "no-segfault"
	UnresolvedFrame = "unresolved-frame"
	ProcessingError = "processing-error"

	unresolvedPrefix = "unresolved:"
)

var (
	topFramePattern = regexp.MustCompile(`#0\s+(?:0x[0-9a-f]+\s+in\s+)?([^\s\(]+)`)
	framePattern    = regexp.MustCompile(`(?m)^#\d+\s.*$`)
)

// Debugger replays a crashing input and returns the debugger's textual output.
type Debugger interface {
	Backtrace(ctx context.Context, binary, input string) (string, error)
}

// GDB drives gdb in batch mode.
type GDB struct {
	Path    string
	Frames  int
	Timeout time.Duration

	logger *zap.Logger
}

func NewGDB(appConfig *config.AppConfig, logger *zap.Logger) *GDB {
	cfg := appConfig.TriageConfig
	if cfg.BacktraceFrames <= 0 {
		cfg.BacktraceFrames = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &GDB{
		Path:    cfg.DebuggerPath,
		Frames:  cfg.BacktraceFrames,
		Timeout: cfg.Timeout,
		logger:  logger.Named("gdb"),
	}
}

// Backtrace runs binary on input under gdb and returns the combined output.
// gdb exiting non-zero is not an error, failing to run it is.
func (g *GDB) Backtrace(ctx context.Context, binary, input string) (string, error) {
	script, err := g.writeScript()
	if err != nil {
		return "", err
	}
	defer os.Remove(script)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.Timeout)
	defer cancel()

	cmd := executor.Command(runCtx, g.Path, "-batch", "-x", script, "--args", binary, input)
	out, err := cmd.CombinedOutput()
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return string(out), fmt.Errorf("debugger timed out after %s", g.Timeout)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "", fmt.Errorf("failed to run debugger: %w", err)
	}
	return string(out), nil
}

func (g *GDB) writeScript() (string, error) {
	f, err := os.CreateTemp("", "covfuzz-gdb-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create debugger script: %w", err)
	}
	defer f.Close()

	commands := []string{
		"set pagination off",
		"set confirm off",
		"run",
		fmt.Sprintf("bt %d", g.Frames),
		"quit",
	}
	if _, err := f.WriteString(strings.Join(commands, "\n") + "\n"); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to write debugger script: %w", err)
	}
	return f.Name(), nil
}

// Signature reduces debugger output to the symbol of the faulting frame.
//
// Output without a segmentation fault yields NoSegfault. When the top frame
// has no symbol, the signature is derived from the backtrace lines so that
// distinct unresolved crash sites stay distinct; with no frames at all it is
// UnresolvedFrame.
func Signature(output string) string {
	if !strings.Contains(output, "SIGSEGV") && !strings.Contains(strings.ToLower(output), "segmentation fault") {
		return NoSegfault
	}
	if match := topFramePattern.FindStringSubmatch(output); match != nil && match[1] != "??" {
		return match[1]
	}

	frames := framePattern.FindAllString(output, -1)
	if len(frames) == 0 {
		return UnresolvedFrame
	}
	sum := md5.Sum([]byte(strings.Join(frames, "\n")))
	return unresolvedPrefix + hex.EncodeToString(sum[:])[:12]
}
