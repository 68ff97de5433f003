package tenants

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounce coalesces editor write bursts into one regeneration.
const debounce = 250 * time.Millisecond

// Watch regenerates the aggregate artifact whenever a fragment changes. It
// blocks until the context is cancelled.
func (a *Aggregator) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(a.FragmentDir()); err != nil {
		return fmt.Errorf("watch fragment directory: %w", err)
	}

	if _, err := a.WriteAggregate(); err != nil {
		return err
	}
	log.Info().Str("dir", a.FragmentDir()).Msg("Watching tenant fragments")

	var timer *time.Timer
	regen := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			// Cancellation is the normal way to stop watching, not a failure.
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case regen <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Fragment watcher error")

		case <-regen:
			path, err := a.WriteAggregate()
			if err != nil {
				log.Error().Err(err).Msg("Failed to regenerate tenant aggregate")
				continue
			}
			log.Info().Str("path", path).Msg("Regenerated tenant aggregate")
		}
	}
}
