package watch

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"statusline/internal/engine"
	"statusline/internal/events"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher re-materializes a feature whenever its event log changes, for
// example after a git pull or a merge.
type Watcher struct {
	Engine   engine.Engine
	Features []string
	Debounce time.Duration
	Logger   *slog.Logger
	// OnChange, when set, is called after each re-materialization.
	OnChange func(feature string, res engine.MaterializeResult, err error)
}

func (w Watcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run blocks until ctx is done or the underlying watcher fails.
func (w Watcher) Run(ctx context.Context) error {
	if len(w.Features) == 0 {
		return errors.New("no features to watch")
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	byDir := map[string]string{}
	for _, f := range w.Features {
		dir, err := w.Engine.FeatureDir(f)
		if err != nil {
			return err
		}
		if err := fw.Add(dir); err != nil {
			return err
		}
		byDir[filepath.Clean(dir)] = f
	}

	fire := make(chan string, len(w.Features))
	timers := map[string]*time.Timer{}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger().Warn("watch error", "error", err)
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != events.FileName || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			feature, known := byDir[filepath.Clean(filepath.Dir(ev.Name))]
			if !known {
				continue
			}
			if t, ok := timers[feature]; ok {
				t.Stop()
			}
			timers[feature] = time.AfterFunc(debounce, func() {
				select {
				case fire <- feature:
				case <-ctx.Done():
				}
			})
		case feature := <-fire:
			res, err := w.Engine.Materialize(ctx, feature)
			if err != nil {
				w.logger().Error("materialize after log change failed", "feature", feature, "error", err)
			} else {
				w.logger().Info("materialized", "feature", feature, "event_count", res.Snapshot.EventCount, "views_updated", len(res.Views.Updated))
			}
			if w.OnChange != nil {
				w.OnChange(feature, res, err)
			}
		}
	}
}
