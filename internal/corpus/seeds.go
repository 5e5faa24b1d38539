package corpus

import (
	"covfuzz/internal/utils"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"go.uber.org/zap"
)

// LoadSeeds collects the core seeds found at path, which may be a single
// seed file, a directory of seeds, or a tar.gz corpus blob.
func LoadSeeds(path string, logger *zap.Logger) ([][]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat seed path: %w", err)
	}

	var seeds [][]byte
	switch {
	case info.IsDir():
		seeds, err = readSeedDir(path, logger)
	case utils.IsTarGz(path):
		seeds, err = readSeedBlob(path, logger)
	default:
		var data []byte
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read seed: %w", err)
		}
		seeds = [][]byte{data}
	}
	if err != nil {
		return nil, err
	}

	seeds = slices.DeleteFunc(seeds, func(seed []byte) bool { return len(seed) == 0 })
	if len(seeds) == 0 {
		return nil, errors.New("no usable seeds found")
	}

	logger.Info("loaded core seeds", zap.String("seed_path", path), zap.Int("seed_count", len(seeds)))
	return seeds, nil
}

func readSeedDir(dir string, logger *zap.Logger) ([][]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed folder: %w", err)
	}

	var seeds [][]byte
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn("failed to read seed, skipping", zap.String("seed", entry.Name()), zap.Error(err))
			continue
		}
		seeds = append(seeds, data)
	}
	return seeds, nil
}

// readSeedBlob unpacks a tar.gz corpus into a scratch folder and reads it flat.
func readSeedBlob(blob string, logger *zap.Logger) ([][]byte, error) {
	tmpDir, err := os.MkdirTemp("", "covfuzz-seeds-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create seed scratch dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	if err := utils.UnpackTarGz(blob, tmpDir); err != nil {
		return nil, err
	}

	var seeds [][]byte
	err = filepath.WalkDir(tmpDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("failed to read seed from blob, skipping", zap.String("seed", path), zap.Error(err))
			return nil
		}
		seeds = append(seeds, data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk unpacked corpus: %w", err)
	}
	return seeds, nil
}
