package kanban

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval coalesces bursts of write events from editors that save
// in several syscalls.
const debounceInterval = 200 * time.Millisecond

type watcher struct {
	fs     *fsnotify.Watcher
	cancel context.CancelFunc
	done   chan struct{}
}

// Watch starts reloading the in-memory board when the file changes on disk.
// External edits (a human reordering the backlog) become visible to the
// pipeline without a restart. Errors during reload keep the last good copy.
func (b *Board) Watch(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: atomic renames replace the inode, and watching
	// the file directly would go stale after the first save.
	if err := fs.Add(filepath.Dir(b.path)); err != nil {
		fs.Close()
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &watcher{fs: fs, cancel: cancel, done: make(chan struct{})}

	b.mu.Lock()
	b.watcher = w
	b.mu.Unlock()

	go b.watchLoop(watchCtx, w)
	return nil
}

func (b *Board) watchLoop(ctx context.Context, w *watcher) {
	defer close(w.done)
	defer w.fs.Close()

	var timer *time.Timer
	var pending <-chan time.Time

	base := filepath.Base(b.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceInterval)
			} else {
				timer.Reset(debounceInterval)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			if err := b.reload(); err != nil {
				b.logger.Warn("Board reload failed, keeping last good copy", "error", err)
				continue
			}
			b.logger.Debug("Board reloaded after external change", "path", b.path)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			b.logger.Warn("Board watcher error", "error", err)
		}
	}
}

func (w *watcher) stop() error {
	w.cancel()
	<-w.done
	return nil
}
