// SPDX-License-Identifier: MIT

package hls

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WaitForFile waits for a file to appear and reach a non-zero size using
// fsnotify. It replaces inefficient sleep-based polling and is used as the
// pipeline's "ready" signal: once the segmenter has written a playlist, the
// whole chain is producing output.
func WaitForFile(ctx context.Context, logger zerolog.Logger, path string, timeout time.Duration) error {
	// Fast path: check if file already exists
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	// Watch the parent directory; the segmenter creates the file inside it.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}

	targetName := filepath.Base(path)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Double check after adding watcher (race condition safety)
	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timeout waiting for file %s", targetName)
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if filepath.Base(event.Name) == targetName {
				if event.Op&fsnotify.Create == fsnotify.Create || event.Op&fsnotify.Write == fsnotify.Write {
					// Verify size (sometimes Create fires before data is flushed)
					if info, err := os.Stat(path); err == nil && info.Size() > 0 {
						return nil
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}
