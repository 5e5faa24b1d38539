package corpus

import (
	"context"
	"covfuzz/pkg/watchdog"
	"os"
	"path"
	"strings"

	"go.uber.org/zap"
)

// StartSeedInbox watches dir and delivers the content of every file created
// in it on the returned channel. The channel is closed when ctx is done.
//
// Writers should create the file under a dot-prefixed or ".tmp" name and
// rename it into place; such names are ignored.
func StartSeedInbox(ctx context.Context, factory *watchdog.WatchDogFactory, dir string, logger *zap.Logger) (<-chan []byte, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	fileChan := make(chan string, 64)
	dog, err := factory.New(ctx, fileChan, filterInboxFiles)
	if err != nil {
		return nil, err
	}
	if err := dog.AddDir(dir); err != nil {
		return nil, err
	}

	seedChan := make(chan []byte, 64)
	go func() {
		defer close(seedChan)
		for file := range fileChan {
			data, err := os.ReadFile(file)
			if err != nil {
				logger.Warn("failed to read inbox seed", zap.String("file", file), zap.Error(err))
				continue
			}
			if len(data) == 0 {
				continue
			}
			select {
			case seedChan <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	logger.Info("watching seed inbox", zap.String("dir", dir))
	return seedChan, nil
}

func filterInboxFiles(name string) bool {
	base := path.Base(name)
	return !strings.HasPrefix(base, ".") && !strings.HasSuffix(base, ".tmp")
}
