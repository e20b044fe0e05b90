package source

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kuatroka/code-session-search/internal/logging"
	"github.com/kuatroka/code-session-search/internal/search"
)

// debounceWindow batches the burst of writes an active session produces
// into one change event per file.
const debounceWindow = 300 * time.Millisecond

// Watcher turns filesystem events under the source roots into debounced
// ChangeEvents. fsnotify does not recurse, so directories are added as
// they appear.
type Watcher struct {
	catalog *Catalog
	fsw     *fsnotify.Watcher

	events chan search.ChangeEvent
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewWatcher starts watching the catalog's roots. Roots that do not exist
// yet are skipped; the periodic sweep covers sessions that appear there
// later.
func NewWatcher(catalog *Catalog) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		catalog: catalog,
		fsw:     fsw,
		events:  make(chan search.ChangeEvent, 64),
		done:    make(chan struct{}),
	}

	for _, dir := range w.watchDirs() {
		w.addTree(dir)
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Events is the debounced change stream. Closed when the watcher closes.
func (w *Watcher) Events() <-chan search.ChangeEvent {
	return w.events
}

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.wg.Wait()
		close(w.events)
	})
	return err
}

// watchDirs lists the session-bearing directories per source.
func (w *Watcher) watchDirs() []string {
	r := w.catalog.Roots()
	var dirs []string
	if r.Claude != "" {
		dirs = append(dirs, filepath.Join(r.Claude, "projects"))
	}
	if r.Codex != "" {
		dirs = append(dirs, filepath.Join(r.Codex, "sessions"))
	}
	if r.Gemini != "" {
		dirs = append(dirs, filepath.Join(r.Gemini, "tmp"))
	}
	if r.Opencode != "" {
		dirs = append(dirs, filepath.Join(r.Opencode, "storage", "session", "info"))
		dirs = append(dirs, filepath.Join(r.Opencode, "storage", "message"))
	}
	return dirs
}

// addTree registers a directory and all its subdirectories.
func (w *Watcher) addTree(root string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				srcLog.Debug("watch_add_failed",
					slog.String("path", path), slog.String("error", err.Error()))
			}
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	debounce := make(map[string]*time.Timer)
	var debounceMu sync.Mutex

	for {
		select {
		case <-w.done:
			debounceMu.Lock()
			for _, t := range debounce {
				t.Stop()
			}
			debounceMu.Unlock()
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}

			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addTree(ev.Name)
					continue
				}
			}

			ref, ok := w.classify(ev.Name)
			if !ok {
				continue
			}
			// Raw events fire per write; aggregate instead of logging each.
			logging.Aggregate(logging.CompSource, "fs_event")

			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// Deleting a message file inside a session is an update to
				// that session, not its disappearance.
				kind := search.ChangeRemove
				if !w.isPrimary(ev.Name) {
					kind = search.ChangeUpsert
				}
				w.emit(search.ChangeEvent{Kind: kind, Ref: ref})
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			debounceMu.Lock()
			if t, exists := debounce[ev.Name]; exists {
				t.Stop()
			}
			name := ev.Name
			debounce[name] = time.AfterFunc(debounceWindow, func() {
				debounceMu.Lock()
				delete(debounce, name)
				debounceMu.Unlock()
				w.emit(search.ChangeEvent{Kind: search.ChangeUpsert, Ref: ref})
			})
			debounceMu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			srcLog.Warn("watcher_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) emit(ev search.ChangeEvent) {
	select {
	case w.events <- ev:
	case <-w.done:
	}
}

// classify maps a changed path to the session it belongs to. Message
// files under the OpenCode storage tree resolve to their parent session
// directory's id.
func (w *Watcher) classify(path string) (search.SessionRef, bool) {
	r := w.catalog.Roots()

	if r.Claude != "" && under(path, filepath.Join(r.Claude, "projects")) {
		if strings.HasSuffix(path, ".jsonl") {
			return search.SessionRef{ID: pathStem(path), Source: SourceClaude}, true
		}
		return search.SessionRef{}, false
	}
	if r.Codex != "" && under(path, filepath.Join(r.Codex, "sessions")) {
		base := filepath.Base(path)
		if strings.HasPrefix(base, "rollout-") && strings.HasSuffix(base, ".jsonl") {
			return search.SessionRef{ID: pathStem(path), Source: SourceCodex}, true
		}
		return search.SessionRef{}, false
	}
	if r.Gemini != "" && under(path, filepath.Join(r.Gemini, "tmp")) {
		if filepath.Base(filepath.Dir(path)) == "chats" && strings.HasSuffix(path, ".json") {
			return search.SessionRef{ID: pathStem(path), Source: SourceGemini}, true
		}
		return search.SessionRef{}, false
	}
	if r.Opencode != "" {
		infoDir := filepath.Join(r.Opencode, "storage", "session", "info")
		if under(path, infoDir) && strings.HasSuffix(path, ".json") {
			return search.SessionRef{ID: pathStem(path), Source: SourceOpencode}, true
		}
		msgDir := filepath.Join(r.Opencode, "storage", "message")
		if under(path, msgDir) && strings.HasSuffix(path, ".json") {
			// storage/message/<sessionID>/<messageID>.json
			return search.SessionRef{ID: filepath.Base(filepath.Dir(path)), Source: SourceOpencode}, true
		}
	}
	return search.SessionRef{}, false
}

// isPrimary reports whether path is the file whose removal means the
// session itself is gone.
func (w *Watcher) isPrimary(path string) bool {
	r := w.catalog.Roots()
	if r.Opencode == "" {
		return true
	}
	return !under(path, filepath.Join(r.Opencode, "storage", "message"))
}

func under(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
