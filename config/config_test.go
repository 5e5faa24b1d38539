package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Args{SeedPath: "seed.pdf"}, envOf(map[string]string{
		"TARGET_BINARY": "/usr/local/bin/pdfinfo",
	}))
	require.NoError(t, err)

	assert.Equal(t, "seed.pdf", cfg.SeedPath)
	assert.Equal(t, "pdfinfo", cfg.TargetModule)
	assert.Equal(t, "drrun", cfg.TracerPath)
	assert.Equal(t, 1000, cfg.Iterations)
	assert.Equal(t, 2*time.Second, cfg.ExecTimeout)
	assert.Equal(t, []int{139, -11}, cfg.CrashExitCodes)
	assert.Equal(t, 100, cfg.SchedulerConfig.PoolSize)
	assert.Equal(t, 10, cfg.SchedulerConfig.Multiplier)
	assert.Equal(t, "gdb", cfg.TriageConfig.DebuggerPath)
	assert.Equal(t, 3, cfg.TriageConfig.BacktraceFrames)
	assert.Equal(t, "covfuzz", cfg.ServiceName)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	cfg, err := Load(Args{}, envOf(map[string]string{
		"SEED_PATH":        "seeds/",
		"TARGET_BINARY":    "/bin/target",
		"TARGET_MODULE":    "libpoppler.so",
		"ITERATIONS":       "50",
		"EXEC_TIMEOUT":     "500ms",
		"CRASH_EXIT_CODES": "139, -11, 134",
		"POOL_SIZE":        "not-a-number",
		"RAND_SEED":        "7",
	}))
	require.NoError(t, err)

	assert.Equal(t, "seeds/", cfg.SeedPath)
	assert.Equal(t, "libpoppler.so", cfg.TargetModule)
	assert.Equal(t, 50, cfg.Iterations)
	assert.Equal(t, 500*time.Millisecond, cfg.ExecTimeout)
	assert.Equal(t, []int{139, -11, 134}, cfg.CrashExitCodes)
	assert.Equal(t, 100, cfg.SchedulerConfig.PoolSize)
	assert.Equal(t, int64(7), cfg.RandSeed)
}

func TestLoadFileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "covfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
target_binary: /opt/pdfinfo
iterations: 20
exec_timeout: 3s
scheduler:
  pool_size: 8
triage:
  backtrace_frames: 5
`), 0644))

	cfg, err := Load(Args{SeedPath: "seed.pdf"}, envOf(map[string]string{
		"COVFUZZ_CONFIG": path,
		"ITERATIONS":     "30",
	}))
	require.NoError(t, err)

	assert.Equal(t, "/opt/pdfinfo", cfg.TargetBinary)
	assert.Equal(t, 30, cfg.Iterations)
	assert.Equal(t, 3*time.Second, cfg.ExecTimeout)
	assert.Equal(t, 8, cfg.SchedulerConfig.PoolSize)
	assert.Equal(t, 10, cfg.SchedulerConfig.Multiplier)
	assert.Equal(t, 5, cfg.TriageConfig.BacktraceFrames)
	assert.Equal(t, "gdb", cfg.TriageConfig.DebuggerPath)
}

func TestLoadRequiredValues(t *testing.T) {
	_, err := Load(Args{}, envOf(map[string]string{"TARGET_BINARY": "/bin/target"}))
	assert.Error(t, err)

	_, err = Load(Args{SeedPath: "seed.pdf"}, envOf(nil))
	assert.Error(t, err)

	_, err = Load(Args{SeedPath: "seed.pdf"}, envOf(map[string]string{
		"TARGET_BINARY":  "/bin/target",
		"COVFUZZ_CONFIG": filepath.Join(t.TempDir(), "missing.yaml"),
	}))
	assert.Error(t, err)
}

func TestStopTimeoutCoversOneIteration(t *testing.T) {
	cfg, err := Load(Args{SeedPath: "seed.pdf"}, envOf(map[string]string{
		"TARGET_BINARY":  "/bin/target",
		"TRACE_TIMEOUT":  "90s",
		"EXEC_TIMEOUT":   "5s",
		"TRIAGE_TIMEOUT": "2m",
	}))
	require.NoError(t, err)

	iteration := 90*time.Second + 5*time.Second + 2*time.Minute
	assert.Greater(t, cfg.StopTimeout(), iteration)

	defaults, err := Load(Args{SeedPath: "seed.pdf"}, envOf(map[string]string{"TARGET_BINARY": "/bin/target"}))
	require.NoError(t, err)
	assert.Greater(t, defaults.StopTimeout(), 122*time.Second)
}
