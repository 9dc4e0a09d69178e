package limits

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"
	"pkt.systems/wordd/internal/svcfields"
)

// Watcher reloads limit overrides from a YAML file whenever it changes and
// publishes the merged result to a Holder. The file may override any subset
// of fields; omitted fields keep their configured defaults.
type Watcher struct {
	holder   *Holder
	defaults Set
	path     string
	log      pslog.Logger
	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// Watch starts watching path for limit overrides. The file is applied once at
// startup if it exists; a missing file is not an error.
func Watch(holder *Holder, defaults Set, path string, log pslog.Logger) (*Watcher, error) {
	if log == nil {
		log = pslog.NoopLogger()
	}
	log = svcfields.WithSubsystem(log, "limits.watcher")
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("limits: resolve %q: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("limits: create watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config managers
	// replace files via rename, which drops per-file watches.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("limits: watch %q: %w", filepath.Dir(abs), err)
	}
	w := &Watcher{
		holder:   holder,
		defaults: defaults.Clamped(),
		path:     abs,
		log:      log,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := w.reload(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fsw.Close()
			return nil, err
		}
	}
	go w.run()
	return w, nil
}

// Close stops the watcher. The holder keeps its last published snapshot.
func (w *Watcher) Close() error {
	w.once.Do(func() {
		close(w.stop)
		w.fsw.Close()
		<-w.done
	})
	return nil
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if err := w.reload(); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					w.holder.Store(w.defaults)
					w.log.Info("limits.defaults_restored", "path", w.path)
					continue
				}
				w.log.Warn("limits.reload_failed", "path", w.path, "error", err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.log.Warn("limits.watch_error", "error", err)
			}
		}
	}
}

func (w *Watcher) reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var override Set
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("limits: parse %q: %w", w.path, err)
	}
	merged := w.defaults.mergedOver(override)
	w.holder.Store(merged)
	cur := w.holder.Current()
	w.log.Info("limits.applied",
		"path", w.path,
		"max_pattern_length", cur.MaxPatternLength,
		"max_question_wildcards", cur.MaxQuestionWildcards,
		"max_star_wildcards", cur.MaxStarWildcards,
		"max_line_bytes", cur.MaxLineBytes,
		"request_timeout", cur.RequestTimeout.String(),
	)
	return nil
}
