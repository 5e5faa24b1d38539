package corpus

import (
	"context"
	"covfuzz/pkg/watchdog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadSeedsSingleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 seed"), 0644))

	seeds, err := LoadSeeds(path, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("%PDF-1.4 seed")}, seeds)
}

func TestLoadSeedsDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.pdf"), []byte("aaa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.pdf"), []byte("bbb"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.pdf"), nil, 0644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0755))

	seeds, err := LoadSeeds(dir, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, seeds, 2)
}

func TestLoadSeedsTarBlob(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "one.pdf"), []byte("one"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "two.pdf"), []byte("two"), 0644))
	blob := filepath.Join(t.TempDir(), "corpus.tar.gz")
	require.NoError(t, exec.Command("tar", "-czf", blob, "-C", src, ".").Run())

	seeds, err := LoadSeeds(blob, zap.NewNop())
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]byte{[]byte("one"), []byte("two")}, seeds)
}

func TestLoadSeedsErrors(t *testing.T) {
	_, err := LoadSeeds(filepath.Join(t.TempDir(), "missing.pdf"), zap.NewNop())
	assert.Error(t, err)

	_, err = LoadSeeds(t.TempDir(), zap.NewNop())
	assert.Error(t, err, "an empty folder has no seeds")

	empty := filepath.Join(t.TempDir(), "empty.pdf")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	_, err = LoadSeeds(empty, zap.NewNop())
	assert.Error(t, err)
}

func TestSeedInbox(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := filepath.Join(t.TempDir(), "inbox")
	seeds, err := StartSeedInbox(ctx, watchdog.NewWatchDogFactory(zap.NewNop()), dir, zap.NewNop())
	require.NoError(t, err)

	tmp := filepath.Join(dir, ".incoming.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("%PDF-1.7 new seed"), 0644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, "new.pdf")))

	select {
	case seed := <-seeds:
		assert.Equal(t, []byte("%PDF-1.7 new seed"), seed)
	case <-time.After(5 * time.Second):
		t.Fatal("inbox seed not delivered")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-seeds:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFilterInboxFiles(t *testing.T) {
	assert.True(t, filterInboxFiles("/inbox/seed.pdf"))
	assert.False(t, filterInboxFiles("/inbox/.hidden"))
	assert.False(t, filterInboxFiles("/inbox/seed.pdf.tmp"))
}
