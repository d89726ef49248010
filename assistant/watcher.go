package assistant

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const promptReloadDebounce = 250 * time.Millisecond

// promptWatcher calls reload after the prompt file changes. The parent
// directory is watched because editors often replace files instead of
// writing them in place.
type promptWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	reload  func()
	log     *zap.Logger

	mu    sync.Mutex
	timer *time.Timer
	done  chan struct{}
}

func watchPrompt(path string, reload func(), log *zap.Logger) (*promptWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	pw := &promptWatcher{
		path:    abs,
		watcher: w,
		reload:  reload,
		log:     log,
		done:    make(chan struct{}),
	}
	go pw.run()
	return pw, nil
}

func (pw *promptWatcher) run() {
	defer close(pw.done)
	defer func() {
		if r := recover(); r != nil {
			pw.log.Error("Prompt watcher panicked", zap.Any("recover", r))
		}
	}()

	for {
		select {
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != pw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			pw.log.Debug("Prompt file changed",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()))

			pw.mu.Lock()
			if pw.timer != nil {
				pw.timer.Stop()
			}
			pw.timer = time.AfterFunc(promptReloadDebounce, pw.reload)
			pw.mu.Unlock()
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.log.Warn("Prompt watcher error", zap.Error(err))
		}
	}
}

func (pw *promptWatcher) close() error {
	err := pw.watcher.Close()
	<-pw.done
	pw.mu.Lock()
	if pw.timer != nil {
		pw.timer.Stop()
	}
	pw.mu.Unlock()
	return err
}
