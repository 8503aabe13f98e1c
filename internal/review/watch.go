// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package review

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/jeranaias/gemlet/internal/ollama"
)

// DefaultDebounce collapses editor save bursts into one review.
const DefaultDebounce = 300 * time.Millisecond

// WatchFunc receives each review outcome.
type WatchFunc func(res *ollama.Result, err error)

// Watch reviews path once, then again after every write to it, until ctx
// is cancelled. Reviews run one at a time on the calling goroutine.
func (r *Reviewer) Watch(ctx context.Context, path string, fn WatchFunc) error {
	return r.watch(ctx, path, DefaultDebounce, fn)
}

func (r *Reviewer) watch(ctx context.Context, path string, debounce time.Duration, fn WatchFunc) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if _, err := ReadSource(abs); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so saves that replace the file are seen.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	fn(r.Review(ctx, abs))

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			r.logger.Debug("watched file changed", zap.String("path", abs), zap.String("op", event.Op.String()))
			timer.Reset(debounce)

		case <-timer.C:
			r.logger.Info("re-running review", zap.String("path", abs))
			res, err := r.Review(ctx, abs)
			if ctx.Err() != nil {
				return nil
			}
			fn(res, err)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}
