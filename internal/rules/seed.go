package rules

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/vigil/internal/models"
)

// SeedTarget is where seed-file rules are written, normally the store.
type SeedTarget interface {
	CreateDetectionRule(ctx context.Context, r *models.DetectionRule) (int, error)
}

// LoadSeedFile reads a JSON array of detection rules and inserts any that do
// not already exist. Duplicate (event_id, channel) pairs are skipped.
func LoadSeedFile(ctx context.Context, path string, target SeedTarget) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var seed []models.DetectionRule
	if err := json.Unmarshal(data, &seed); err != nil {
		return 0, err
	}
	loaded := 0
	for i := range seed {
		if _, err := target.CreateDetectionRule(ctx, &seed[i]); err == nil {
			loaded++
		}
	}
	return loaded, nil
}

// WatchSeedFile reloads the seed file and invalidates the detector whenever
// the file changes. Runs until ctx is canceled.
func WatchSeedFile(ctx context.Context, path string, target SeedTarget, detector *Detector) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files, which drops a file watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if n, err := LoadSeedFile(ctx, path, target); err != nil {
						log.Warn().Err(err).Str("file", path).Msg("Rule seed reload failed")
					} else {
						log.Info().Int("loaded", n).Str("file", path).Msg("Rule seed file reloaded")
					}
					detector.Invalidate(ctx)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Rule seed watcher error")
			}
		}
	}()
	return nil
}
