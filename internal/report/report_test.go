package report

import (
	"covfuzz/config"
	"covfuzz/internal/types"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

var linePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2} - (.*)$`)

func readMessages(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var messages []string
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		match := linePattern.FindStringSubmatch(line)
		require.NotNil(t, match, "malformed report line %q", line)
		messages = append(messages, match[1])
	}
	return messages
}

func TestReportLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crashes", FileName)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0644))

	r, err := Open(path)
	require.NoError(t, err)

	stats := types.NewRunStats()
	stats.Signatures.Add("Parser::getObj")
	stats.RecordCrash(types.LengthCorrupt, false)
	stats.RecordCrash(types.LengthCorrupt, true)
	stats.RecordTimeout()

	r.Started("samples/seed.pdf")
	r.UniqueCrash(17, "Parser::getObj")
	r.Timeout(40)
	r.Finished(stats.Snapshot())
	require.NoError(t, r.Close())

	assert.Equal(t, []string{
		"Fuzzing started.",
		"Input seed: samples/seed.pdf",
		"Crash at iteration 17 - Parser::getObj",
		"Timeout at iteration 40",
		"Fuzzing finished.",
		"Results:",
		"Total crashes: 2",
		"Total unique crashes: 1",
		"Total repeated crashes: 1",
		"Total timeouts: 1",
		"Total crashes by bit_flip: 0",
		"Total crashes by magic: 0",
		"Total crashes by length: 2",
		"Crash functions found:",
		"Function: - Parser::getObj",
	}, readMessages(t, path))
}

func TestNewReporterClosesOnStop(t *testing.T) {
	dir := t.TempDir()
	lc := fxtest.NewLifecycle(t)
	r, err := NewReporter(&config.AppConfig{OutputDir: dir}, lc)
	require.NoError(t, err)
	lc.RequireStart()

	r.Progress(100, 1000, 2048)
	lc.RequireStop()

	assert.Equal(t, []string{"Iteration 100 of 1000, 2048 blocks covered"}, readMessages(t, filepath.Join(dir, FileName)))
}

func TestSummaryWrittenOnceAndLateLinesDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	r, err := Open(path)
	require.NoError(t, err)

	stats := types.NewRunStats()
	r.Finished(stats.Snapshot())
	stats.RecordTimeout()
	r.Finished(stats.Snapshot())
	require.NoError(t, r.Close())

	require.NotPanics(t, func() {
		r.Timeout(3)
		r.Finished(stats.Snapshot())
	})
	require.NoError(t, r.Close())

	messages := readMessages(t, path)
	assert.Equal(t, "Fuzzing finished.", messages[0])
	assert.Contains(t, messages, "Total timeouts: 0")
	assert.NotContains(t, messages, "Total timeouts: 1")
	assert.NotContains(t, messages, "Timeout at iteration 3")
}
