// internal/historian/watcher.go
package historian

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads a controller's config when its file is edited outside the
// process. Writes made by the store itself are ignored. It blocks until
// ctx is done.
func (s *Sink) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("historian: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.store.Dir()); err != nil {
		return fmt.Errorf("historian: watch %s: %w", s.store.Dir(), err)
	}

	known := make(map[string]bool, len(s.cfg.Controllers))
	for _, c := range s.cfg.Controllers {
		known[c] = true
	}

	s.log.Info("watching logging config dir", "dir", s.store.Dir())

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.Events:
			if !ok {
				return nil
			}

			// only operations that could have changed a config file
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}

			ctrl, ok := ControllerOf(evt.Name)
			if !ok || !known[ctrl] {
				continue
			}
			if !s.store.ChangedExternally(ctrl) {
				continue
			}
			s.ReloadController(ctrl)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("config watcher error", "error", err)
		}
	}
}
