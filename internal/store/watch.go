package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn whenever doc is changed on disk by someone other than this
// store, for example an operator editing the file by hand. The watch stops
// when ctx is cancelled.
func (s *Store) Watch(ctx context.Context, doc Document, fn func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Watch the directory: saves replace the file by rename, which would
	// drop a watch placed on the file itself.
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch config directory %s: %w", s.dir, err)
	}

	s.logger.Info("watching document for external changes", "document", string(doc))

	go func() {
		defer func() {
			_ = watcher.Close()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != string(doc) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if s.changedExternally(doc) {
					s.logger.Info("document changed externally", "document", string(doc))
					fn()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("document watcher error", "error", err)
			}
		}
	}()

	return nil
}

// changedExternally reports whether the current content of doc is neither
// one of this store's recent writes nor the version last looked at
func (s *Store) changedExternally(doc Document) bool {
	data, err := os.ReadFile(s.Path(doc))
	if err != nil {
		return false
	}
	sum := contentHash(data)

	s.hashMu.Lock()
	defer s.hashMu.Unlock()

	last := s.seen[doc]
	s.seen[doc] = sum
	if sum == last || slices.Contains(s.written[doc], sum) {
		return false
	}
	return true
}
